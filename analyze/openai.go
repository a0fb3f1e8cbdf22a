package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIAnalyzer analyses pages with the OpenAI chat completions API, or any
// compatible endpoint set through BaseURL.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAIAnalyzer creates an analyzer. The API key is required.
func NewOpenAIAnalyzer(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		config.OrgID = cfg.Organization
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	return &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
		logger: logger.With().Str("provider", ProviderOpenAI).Logger(),
	}, nil
}

func (a *OpenAIAnalyzer) Name() string { return ProviderOpenAI }

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		MaxTokens: 1024,
	}

	var text string
	err := withRetry(ctx, a.logger, func() error {
		resp, err := a.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return convertOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return &Error{Provider: ProviderOpenAI, Err: errors.New("no choices in response")}
		}
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return &Error{Provider: ProviderOpenAI, Err: errors.New("empty response")}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Provider: ProviderOpenAI, Model: a.model, Text: text}, nil
}

func convertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}
	return &Error{Provider: ProviderOpenAI, Err: err}
}
