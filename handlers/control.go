package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/memory"
)

const (
	maxNestingDepth = 8
	maxRepeat       = 100
	tagVariable     = "variable"
	varTagPrefix    = "var:"
)

type setParams struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// set stores a variable. Setting an existing name replaces its value.
func (h *Handlers) set(ctx context.Context, p setParams) (any, error) {
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}
	data := map[string]any{"name": name, "value": p.Value}

	existing, err := h.variableItem(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := h.memory.Update(ctx, existing.ID, memory.Update{Data: data}); err != nil {
			return nil, err
		}
	} else {
		if _, err := h.memory.AddMemoryItem(ctx, memory.NewItem{
			Type: memory.TypeVariable,
			Data: data,
			Tags: []string{tagVariable, varTagPrefix + name},
		}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"name": name, "value": p.Value}, nil
}

func (h *Handlers) variableItem(ctx context.Context, name string) (*memory.MemoryItem, error) {
	items, err := h.memory.Query(ctx, memory.Query{
		Type:   memory.TypeVariable,
		Tags:   []string{varTagPrefix + name},
		Limit:  1,
		Newest: true,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

type chainParams struct {
	Commands []json.RawMessage `json:"commands"`
}

// chain runs its commands in order and stops at the first failure.
func (h *Handlers) chain(ctx context.Context, p chainParams) (any, error) {
	if len(p.Commands) == 0 {
		return nil, errors.New("commands is required")
	}
	cmds := make([]command.Command, 0, len(p.Commands))
	for i, raw := range p.Commands {
		cmd, err := nestedCommand(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		cmds = append(cmds, cmd)
	}

	results := make([]map[string]any, 0, len(cmds))
	for i, cmd := range cmds {
		res, err := h.runNested(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("chain stopped at step %d (%s): %w", i+1, cmd.Type, err)
		}
		results = append(results, map[string]any{"id": cmd.ID, "type": cmd.Type, "result": res})
	}
	return map[string]any{"results": results, "completed": len(results)}, nil
}

type repeatParams struct {
	Times   int             `json:"times"`
	Command json.RawMessage `json:"command"`
}

func (h *Handlers) repeat(ctx context.Context, p repeatParams) (any, error) {
	if p.Times < 1 || p.Times > maxRepeat {
		return nil, fmt.Errorf("times must be between 1 and %d", maxRepeat)
	}
	cmd, err := nestedCommand(p.Command)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, p.Times)
	for i := 0; i < p.Times; i++ {
		run := cmd
		run.ID = fmt.Sprintf("%s_%d", cmd.ID, i+1)
		res, err := h.runNested(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("repeat stopped at iteration %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return map[string]any{"results": results, "times": p.Times}, nil
}

type ifParams struct {
	Condition string          `json:"condition"`
	Then      json.RawMessage `json:"then"`
	Else      json.RawMessage `json:"else"`
}

// ifThen runs Then when the condition variable is truthy and Else otherwise.
// A condition of the form !name negates the test.
func (h *Handlers) ifThen(ctx context.Context, p ifParams) (any, error) {
	if err := h.requireMemory(); err != nil {
		return nil, err
	}
	cond := strings.TrimSpace(p.Condition)
	negate := strings.HasPrefix(cond, "!")
	name := strings.TrimSpace(strings.TrimPrefix(cond, "!"))
	if name == "" {
		return nil, errors.New("condition is required")
	}
	if len(p.Then) == 0 {
		return nil, errors.New("then is required")
	}

	item, err := h.variableItem(ctx, name)
	if err != nil {
		return nil, err
	}
	ok := item != nil && truthy(item.Data["value"])
	if negate {
		ok = !ok
	}

	branch := p.Then
	if !ok {
		if len(p.Else) == 0 || string(p.Else) == "null" {
			return map[string]any{"condition": cond, "matched": false}, nil
		}
		branch = p.Else
	}
	cmd, err := nestedCommand(branch)
	if err != nil {
		return nil, err
	}
	res, err := h.runNested(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"condition": cond, "matched": ok, "result": res}, nil
}

// truthy treats missing, false, 0, "" and null as false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s != "" && s != "false" && s != "0" && s != "null"
	default:
		return true
	}
}

func (h *Handlers) runNested(ctx context.Context, cmd command.Command) (any, error) {
	if h.exec == nil {
		return nil, errors.New("no executor for nested commands")
	}
	depth := ctxpkg.NestingDepth(ctx) + 1
	if depth > maxNestingDepth {
		return nil, fmt.Errorf("nested commands deeper than %d", maxNestingDepth)
	}
	ctx = ctxpkg.WithNestingDepth(ctx, depth)
	ctx = ctxpkg.WithOrigin(ctx, ctxpkg.OriginNested)
	return h.exec.Execute(ctx, cmd)
}

// nestedCommand decodes a nested command given either as DSL text or as an
// object {"type", "id", "params"}.
func nestedCommand(raw json.RawMessage) (command.Command, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return command.Command{}, errors.New("nested command is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return command.ParseLine(text)
	}

	var obj struct {
		Type   string         `json:"type"`
		ID     string         `json:"id"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return command.Command{}, fmt.Errorf("invalid nested command: %w", err)
	}
	typ := command.ResolveAlias(strings.ToLower(obj.Type))
	if !typ.Valid() {
		return command.Command{}, fmt.Errorf("unknown command type %q", obj.Type)
	}
	return command.New(typ, obj.ID, obj.Params), nil
}
