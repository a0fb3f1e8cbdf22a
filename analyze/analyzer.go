// Package analyze sends page content to a language model and returns its reading
// of the page. Anthropic, OpenAI and Ollama backends can be chained so that a
// failing provider falls through to the next one.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// maxContentChars bounds the page content included in a prompt.
const maxContentChars = 12000

// ErrNoProvider is returned by New when no configured provider could be built.
var ErrNoProvider = errors.New("no analysis provider configured")

// Request is one analysis job.
type Request struct {
	Prompt  string // what to look for; a default prompt is used when empty
	URL     string
	Content string
}

// Result is a provider's answer.
type Result struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Text     string `json:"text"`
}

// Analyzer analyses page content.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Result, error)
}

// Error is a provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	Model        string `yaml:"model" json:"model"`
	Organization string `yaml:"organization" json:"organization"`
}

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	Host  string `yaml:"host" json:"host"`
	Model string `yaml:"model" json:"model"`
}

// Config lists the providers to use, in order of preference.
type Config struct {
	Providers []string        `yaml:"providers" json:"providers"`
	Anthropic AnthropicConfig `yaml:"anthropic" json:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" json:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama" json:"ollama"`
}

// New builds an Analyzer trying cfg.Providers in order. Providers that cannot be built
// (for example a missing API key) are skipped with a warning.
func New(cfg Config, logger zerolog.Logger) (Analyzer, error) {
	logger = logger.With().Str("component", "analyze").Logger()

	var analyzers []Analyzer
	for _, name := range cfg.Providers {
		var (
			a   Analyzer
			err error
		)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ProviderAnthropic:
			a, err = NewAnthropicAnalyzer(cfg.Anthropic, logger)
		case ProviderOpenAI:
			a, err = NewOpenAIAnalyzer(cfg.OpenAI, logger)
		case ProviderOllama:
			a, err = NewOllamaAnalyzer(cfg.Ollama, logger)
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn().Str("provider", name).Err(err).Msg("Skipping analysis provider")
			continue
		}
		analyzers = append(analyzers, a)
	}

	switch len(analyzers) {
	case 0:
		return nil, ErrNoProvider
	case 1:
		return analyzers[0], nil
	default:
		return NewChain(logger, analyzers...), nil
	}
}

// Chain tries each analyzer in turn and returns the first successful result.
type Chain struct {
	analyzers []Analyzer
	logger    zerolog.Logger
}

// NewChain creates a Chain over analyzers.
func NewChain(logger zerolog.Logger, analyzers ...Analyzer) *Chain {
	return &Chain{analyzers: analyzers, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.analyzers))
	for i, a := range c.analyzers {
		names[i] = a.Name()
	}
	return strings.Join(names, ",")
}

func (c *Chain) Analyze(ctx context.Context, req Request) (Result, error) {
	var errs []error
	for _, a := range c.analyzers {
		res, err := a.Analyze(ctx, req)
		if err == nil {
			return res, nil
		}
		c.logger.Warn().Str("provider", a.Name()).Err(err).Msg("Analysis provider failed, trying next")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Result{}, ErrNoProvider
	}
	return Result{}, errors.Join(errs...)
}

const systemPrompt = `You are assisting a command shell that drives a web page on behalf of a user or an AI agent.
You are given the visible text content of the current page.

Rules:
- Answer the request about the page directly and factually
- Name interactive elements (buttons, links, inputs) with a CSS selector when one is evident
- Report error messages, warnings and login prompts you see
- Keep the answer short and use plain text only`

const defaultPrompt = "Describe what this page is for and list the main actions a user can take."

func buildPrompt(req Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	content := req.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n")
	if req.URL != "" {
		b.WriteString("Page URL: ")
		b.WriteString(req.URL)
		b.WriteString("\n")
	}
	b.WriteString("Page content:\n")
	b.WriteString(content)
	return b.String()
}

// withRetry retries op while it fails with a retryable *Error.
func withRetry(ctx context.Context, logger zerolog.Logger, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 2 * time.Minute
	eb.RandomizationFactor = 0.2
	eb.Reset()

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var aerr *Error
		if errors.As(err, &aerr) && aerr.Retryable {
			logger.Warn().Str("provider", aerr.Provider).Int("status", aerr.StatusCode).Msg("Analysis request failed, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx))
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
