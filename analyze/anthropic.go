package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicAnalyzer analyses pages with Claude through the Messages API.
type AnthropicAnalyzer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    zerolog.Logger
}

// NewAnthropicAnalyzer creates an analyzer. The API key is required.
func NewAnthropicAnalyzer(cfg AnthropicConfig, logger zerolog.Logger) (*AnthropicAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &AnthropicAnalyzer{
		client:    &client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		logger:    logger.With().Str("provider", ProviderAnthropic).Logger(),
	}, nil
}

func (a *AnthropicAnalyzer) Name() string { return ProviderAnthropic }

func (a *AnthropicAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
		System: []anthropic.TextBlockParam{{Text: systemPrompt}},
	}

	var text string
	err := withRetry(ctx, a.logger, func() error {
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return convertAnthropicError(err)
		}
		var b strings.Builder
		for _, blockUnion := range message.Content {
			if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
				b.WriteString(block.Text)
			}
		}
		text = strings.TrimSpace(b.String())
		if text == "" {
			return &Error{Provider: ProviderAnthropic, Err: errors.New("empty response")}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	a.logger.Debug().Str("model", a.model).Int("chars", len(text)).Msg("analysis complete")
	return Result{Provider: ProviderAnthropic, Model: a.model, Text: text}, nil
}

func convertAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   ProviderAnthropic,
			StatusCode: apiErr.StatusCode,
			Retryable:  retryableStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	return &Error{Provider: ProviderAnthropic, Err: err}
}
