package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/pilot/memory"
)

const (
	defaultUsernameSelector = "#username"
	defaultPasswordSelector = "#password"
	defaultSubmitSelector   = "button[type=submit]"
)

type loginParams struct {
	Service          string `json:"service"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	UsernameSelector string `json:"usernameSelector"`
	PasswordSelector string `json:"passwordSelector"`
	SubmitSelector   string `json:"submitSelector"`
}

// loginForm is the set of selectors used to fill a login form.
type loginForm struct {
	username string
	password string
	submit   string
}

func (p loginParams) form(stored map[string]any) loginForm {
	f := loginForm{
		username: firstNonEmpty(p.UsernameSelector, stringField(stored, "usernameSelector"), defaultUsernameSelector),
		password: firstNonEmpty(p.PasswordSelector, stringField(stored, "passwordSelector"), defaultPasswordSelector),
		submit:   firstNonEmpty(p.SubmitSelector, stringField(stored, "submitSelector"), defaultSubmitSelector),
	}
	return f
}

// login fills a login form. Given a username and password the credentials are
// stored for the service first; otherwise stored credentials are used.
func (h *Handlers) login(ctx context.Context, p loginParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	if p.Service == "" {
		return nil, errors.New("service is required")
	}
	if p.Username == "" || p.Password == "" {
		return h.autoLogin(ctx, autoLoginParams{Service: p.Service})
	}

	form := p.form(nil)
	item, err := h.memory.UpsertByServiceKey(ctx, map[string]any{
		"service":          p.Service,
		"username":         p.Username,
		"password":         p.Password,
		"url":              h.page.URL(),
		"usernameSelector": form.username,
		"passwordSelector": form.password,
		"submitSelector":   form.submit,
	}, []string{"login"})
	if err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	if err := h.fillLogin(ctx, form, p.Username, p.Password); err != nil {
		return nil, err
	}
	return map[string]any{
		"service":       p.Service,
		"username":      p.Username,
		"loggedIn":      true,
		"credentialsId": item.ID,
	}, nil
}

type autoLoginParams struct {
	Service string `json:"service"`
}

// autoLogin fills the login form from the stored credentials of a service.
func (h *Handlers) autoLogin(ctx context.Context, p autoLoginParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	if p.Service == "" {
		return nil, errors.New("service is required")
	}

	item, err := h.memory.Credentials(ctx, p.Service)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, fmt.Errorf("no stored credentials for %q: %w", p.Service, err)
		}
		return nil, err
	}
	username := stringField(item.Data, "username")
	password := stringField(item.Data, "password")
	if username == "" || password == "" {
		return nil, fmt.Errorf("stored credentials for %q are incomplete", p.Service)
	}

	if err := h.fillLogin(ctx, loginParams{}.form(item.Data), username, password); err != nil {
		return nil, err
	}
	return map[string]any{
		"service":       p.Service,
		"username":      username,
		"loggedIn":      true,
		"credentialsId": item.ID,
	}, nil
}

func (h *Handlers) fillLogin(ctx context.Context, form loginForm, username, password string) error {
	if _, err := h.page.Type(ctx, form.username, username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if _, err := h.page.Type(ctx, form.password, password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if _, err := h.click(ctx, clickParams{Selector: form.submit}); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
