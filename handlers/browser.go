package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/pilot/analyze"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
)

const (
	defaultWait = time.Second
	maxWait     = time.Minute
)

type clickParams struct {
	Selector string `json:"selector"`
}

// click clicks selector. When the selector no longer matches and a learned pattern
// exists for it, the failure is recorded and the pattern's alternatives are tried
// in order.
func (h *Handlers) click(ctx context.Context, p clickParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("selector is required")
	}
	pageURL := h.page.URL()

	el, err := h.page.Click(ctx, p.Selector)
	if err == nil {
		h.learn(ctx, el, pageURL)
		return map[string]any{
			"clicked":      true,
			"selector":     p.Selector,
			"usedSelector": p.Selector,
			"text":         el.Text,
		}, nil
	}
	if !errors.Is(err, ErrElementNotFound) || h.patterns == nil {
		return nil, err
	}

	known, ferr := h.patterns.FindPatternBySelector(ctx, p.Selector, pageURL)
	if ferr != nil || known == nil {
		return nil, err
	}
	if _, rerr := h.patterns.RecordFailure(ctx, known.ID, "element_not_found", err.Error()); rerr != nil {
		h.logger.Warn().Str("method", "click").Str("pattern", known.ID).Err(rerr).Msg("Failed to record pattern failure")
	}

	alternatives, aerr := h.patterns.FindAlternativeSelectors(ctx, known.ID)
	if aerr != nil {
		return nil, fmt.Errorf("%w (alternatives unavailable: %v)", err, aerr)
	}
	for _, alt := range alternatives {
		el, cerr := h.page.Click(ctx, alt)
		if cerr != nil {
			h.logger.Debug().Str("method", "click").Str("selector", alt).Err(cerr).Msg("Alternative selector did not match")
			continue
		}
		h.logger.Info().Str("method", "click").Str("selector", p.Selector).Str("used", alt).Msg("Recovered click with alternative selector")
		h.learn(ctx, el, pageURL)
		return map[string]any{
			"clicked":      true,
			"selector":     p.Selector,
			"usedSelector": alt,
			"fallback":     true,
			"text":         el.Text,
		}, nil
	}
	return nil, fmt.Errorf("%w (tried %d alternatives)", err, len(alternatives))
}

type typeParams struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

func (h *Handlers) typeText(ctx context.Context, p typeParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if p.Selector == "" {
		return nil, errors.New("selector is required")
	}
	pageURL := h.page.URL()
	el, err := h.page.Type(ctx, p.Selector, p.Text)
	if err != nil {
		return nil, err
	}
	if h.patterns != nil && h.patterns.Config().AutoLearn {
		h.learn(ctx, el, pageURL)
	}
	return map[string]any{
		"typed":    true,
		"selector": p.Selector,
		"length":   len(p.Text),
	}, nil
}

// learn feeds a successful page action to the pattern engine.
func (h *Handlers) learn(ctx context.Context, el ElementInfo, pageURL string) {
	if h.patterns == nil || h.patterns.LearningMode() == pattern.ModeDisabled {
		return
	}
	_, err := h.patterns.LearnFromInteraction(ctx, pattern.Interaction{
		Selector:   el.Selector,
		URL:        pageURL,
		Text:       el.Text,
		Attributes: el.Attributes,
	})
	if err != nil && !errors.Is(err, pattern.ErrLearningDisabled) {
		h.logger.Warn().Str("method", "learn").Str("selector", el.Selector).Err(err).Msg("Failed to learn from interaction")
	}
}

type navigateParams struct {
	URL string `json:"url"`
}

func (h *Handlers) navigate(ctx context.Context, p navigateParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, errors.New("url is required")
	}
	if err := h.page.Navigate(ctx, p.URL); err != nil {
		return nil, err
	}
	return map[string]any{"url": h.page.URL()}, nil
}

type waitParams struct {
	MS      int     `json:"ms"`
	Seconds float64 `json:"seconds"`
}

// wait pauses for ms milliseconds (or seconds), capped at one minute.
func (h *Handlers) wait(ctx context.Context, p waitParams) (any, error) {
	d := defaultWait
	switch {
	case p.MS > 0:
		d = time.Duration(p.MS) * time.Millisecond
	case p.Seconds > 0:
		d = time.Duration(p.Seconds * float64(time.Second))
	}
	if d > maxWait {
		d = maxWait
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"waitedMs": d.Milliseconds()}, nil
}

type screenshotParams struct {
	Label string `json:"label"`
}

// screenshot captures the page and returns it as a PNG data URL. The capture is
// also kept in memory as a screenshot item.
func (h *Handlers) screenshot(ctx context.Context, p screenshotParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	img, err := h.page.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)

	if h.memory != nil {
		data := map[string]any{
			"url":     h.page.URL(),
			"dataUrl": dataURL,
			"bytes":   len(img),
		}
		if p.Label != "" {
			data["label"] = p.Label
		}
		if _, err := h.memory.AddMemoryItem(ctx, memory.NewItem{
			Type: memory.TypeScreenshot,
			Data: data,
			Tags: []string{"screenshot"},
		}); err != nil {
			h.logger.Warn().Str("method", "screenshot").Err(err).Msg("Failed to store screenshot")
		}
	}
	return dataURL, nil
}

type analyzeParams struct {
	Prompt string `json:"prompt"`
}

func (h *Handlers) analyze(ctx context.Context, p analyzeParams) (any, error) {
	if err := h.requirePage(); err != nil {
		return nil, err
	}
	if h.analyzer == nil {
		return nil, analyze.ErrNoProvider
	}
	content, err := h.page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page content: %w", err)
	}
	pageURL := h.page.URL()

	res, err := h.analyzer.Analyze(ctx, analyze.Request{Prompt: p.Prompt, URL: pageURL, Content: content})
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"provider": res.Provider,
		"model":    res.Model,
		"text":     res.Text,
		"url":      pageURL,
	}
	if h.memory != nil {
		item, err := h.memory.AddMemoryItem(ctx, memory.NewItem{
			Type: memory.TypeAnalysis,
			Data: map[string]any{
				"url":      pageURL,
				"prompt":   p.Prompt,
				"provider": res.Provider,
				"model":    res.Model,
				"text":     res.Text,
			},
			Tags: []string{"analysis", res.Provider},
		})
		if err != nil {
			h.logger.Warn().Str("method", "analyze").Err(err).Msg("Failed to store analysis")
		} else {
			out["memoryId"] = item.ID
		}
	}
	return out, nil
}
