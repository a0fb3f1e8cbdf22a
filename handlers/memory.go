package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/samber/lo"
)

const defaultRetrieveLimit = 20

type memorySaveParams struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	Tags []string       `json:"tags"`
}

func (h *Handlers) memorySave(ctx context.Context, p memorySaveParams) (any, error) {
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	typ := memory.Type(p.Type)
	if p.Type == "" {
		typ = memory.TypeUserAnnotation
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid memory type: %q", p.Type)
	}
	if len(p.Data) == 0 {
		return nil, errors.New("data is required")
	}

	item, err := h.memory.AddMemoryItem(ctx, memory.NewItem{Type: typ, Data: p.Data, Tags: p.Tags})
	if err != nil {
		return nil, err
	}
	return item.Redacted(), nil
}

type memoryRetrieveParams struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Tags   []string `json:"tags"`
	Search string   `json:"search"`
	Limit  int      `json:"limit"`
}

// memoryRetrieve returns one item by id, or the newest items matching the filters.
func (h *Handlers) memoryRetrieve(ctx context.Context, p memoryRetrieveParams) (any, error) {
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	if p.ID != "" {
		item, err := h.memory.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return item.Redacted(), nil
	}

	typ := memory.Type(p.Type)
	if p.Type != "" && !typ.Valid() {
		return nil, fmt.Errorf("invalid memory type: %q", p.Type)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	items, err := h.memory.Query(ctx, memory.Query{
		Type:   typ,
		Tags:   p.Tags,
		Search: p.Search,
		Limit:  limit,
		Newest: true,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"items": lo.Map(items, func(item memory.MemoryItem, _ int) memory.MemoryItem { return item.Redacted() }),
		"count": len(items),
	}, nil
}
