package handlers

import (
	"context"
	"errors"

	"github.com/aschepis/backscratcher/pilot/pattern"
)

var errNoPatterns = errors.New("pattern engine unavailable")

type patternLearnParams struct {
	Selector   string            `json:"selector"`
	URL        string            `json:"url"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
}

// patternLearn records an interaction with selector. The URL defaults to the page URL.
func (h *Handlers) patternLearn(ctx context.Context, p patternLearnParams) (any, error) {
	if h.patterns == nil {
		return nil, errNoPatterns
	}
	if p.Selector == "" {
		return nil, errors.New("selector is required")
	}
	if p.URL == "" && h.page != nil {
		p.URL = h.page.URL()
	}
	return h.patterns.LearnFromInteraction(ctx, pattern.Interaction{
		Selector:   p.Selector,
		URL:        p.URL,
		Text:       p.Text,
		Attributes: p.Attributes,
	})
}

type patternRecallParams struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	URL      string `json:"url"`
}

// patternRecall looks a pattern up by id or selector. When nothing matches it falls
// back to the patterns known for the URL.
func (h *Handlers) patternRecall(ctx context.Context, p patternRecallParams) (any, error) {
	if h.patterns == nil {
		return nil, errNoPatterns
	}
	if p.ID == "" && p.Selector == "" {
		return nil, errors.New("id or selector is required")
	}
	if p.URL == "" && h.page != nil {
		p.URL = h.page.URL()
	}

	var found *pattern.UIPattern
	if p.ID != "" {
		got, err := h.patterns.GetPattern(ctx, p.ID)
		switch {
		case err == nil:
			found = &got
		case errors.Is(err, pattern.ErrPatternNotFound):
			h.logger.Debug().Str("method", "patternRecall").Str("id", p.ID).Msg("Pattern not found, falling back to URL")
		default:
			return nil, err
		}
	} else {
		got, err := h.patterns.FindPatternBySelector(ctx, p.Selector, p.URL)
		if err != nil {
			return nil, err
		}
		found = got
	}

	if found != nil {
		alternatives, err := h.patterns.FindAlternativeSelectors(ctx, found.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"found":        true,
			"pattern":      found,
			"alternatives": alternatives,
		}, nil
	}

	candidates, err := h.patterns.FindPatternsByURL(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"found":      false,
		"url":        p.URL,
		"candidates": candidates,
	}, nil
}
