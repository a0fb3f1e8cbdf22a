package analyze

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

const defaultOllamaModel = "llama3.2:3b"

// OllamaAnalyzer analyses pages with a local Ollama model.
type OllamaAnalyzer struct {
	client *api.Client
	model  string
	logger zerolog.Logger
}

// NewOllamaAnalyzer creates an analyzer. An empty host uses OLLAMA_HOST or the default
// local endpoint.
func NewOllamaAnalyzer(cfg OllamaConfig, logger zerolog.Logger) (*OllamaAnalyzer, error) {
	var client *api.Client
	if cfg.Host != "" {
		baseURL, err := parseHost(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("ollama: invalid host: %w", err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	return &OllamaAnalyzer{
		client: client,
		model:  cfg.Model,
		logger: logger.With().Str("provider", ProviderOllama).Logger(),
	}, nil
}

func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

func (a *OllamaAnalyzer) Name() string { return ProviderOllama }

func (a *OllamaAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	var responseBuilder strings.Builder
	stream := false
	genReq := &api.GenerateRequest{
		Model:  a.model,
		Prompt: buildPrompt(req),
		System: systemPrompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.3,
		},
	}

	err := a.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		responseBuilder.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return Result{}, &Error{Provider: ProviderOllama, StatusCode: statusErr.StatusCode, Err: err}
		}
		return Result{}, &Error{Provider: ProviderOllama, Err: err}
	}

	text := strings.TrimSpace(responseBuilder.String())
	if text == "" {
		return Result{}, &Error{Provider: ProviderOllama, Err: errors.New("empty response")}
	}
	return Result{Provider: ProviderOllama, Model: a.model, Text: text}, nil
}
