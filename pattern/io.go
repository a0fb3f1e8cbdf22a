package pattern

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// ExportPatterns serialises every pattern as a JSON array.
func (e *Engine) ExportPatterns(ctx context.Context) ([]byte, error) {
	all, err := e.GetAllPatterns(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode patterns: %w", err)
	}
	return data, nil
}

// ImportPatterns stores each pattern of a JSON array as a new record tagged "imported".
// Statistics and history are kept as exported; ids are reassigned. Existing patterns
// with the same selector are not merged.
func (e *Engine) ImportPatterns(ctx context.Context, data []byte) (int, error) {
	var patterns []UIPattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		return 0, fmt.Errorf("decode patterns: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	imported := 0
	for _, p := range patterns {
		if p.Selector == "" {
			e.logger.Warn().Str("method", "ImportPatterns").Msg("skipping pattern without selector")
			continue
		}
		if p.Status == "" {
			p.Status = StatusLearning
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = e.now()
		}
		if p.ErrorHistory == nil {
			p.ErrorHistory = []ErrorRecord{}
		}
		p.Tags = lo.Uniq(append(append([]string{}, p.Tags...), TagImported))
		if _, err := e.insert(ctx, p); err != nil {
			return imported, err
		}
		imported++
	}

	e.logger.Info().
		Str("method", "ImportPatterns").
		Int("count", imported).
		Msg("patterns imported")
	return imported, nil
}
