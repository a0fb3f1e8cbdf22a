// Package queue executes commands: a Registry maps command types to handlers and a
// Queue runs enqueued commands one at a time in FIFO order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/rs/zerolog"
)

// Handler executes one command type. Handlers own the interpretation of Params.
type Handler func(ctx context.Context, cmd command.Command) (any, error)

// Registry maps command types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[command.Type]Handler
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	logger = logger.With().Str("component", "handler_registry").Logger()
	logger.Debug().Msg("Creating new handler Registry")
	return &Registry{
		handlers: make(map[command.Type]Handler),
		logger:   logger,
	}
}

// Register registers h for typ, replacing any previous handler.
func (r *Registry) Register(typ command.Type, h Handler) {
	r.logger.Debug().Str("type", string(typ)).Msg("Registering command handler")
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Lookup returns the handler for typ.
func (r *Registry) Lookup(typ command.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Types returns the registered command types in lexical order.
func (r *Registry) Types() []command.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]command.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler registered for cmd.Type. A missing handler yields
// *UnhandledCommandTypeError and a failing handler *HandlerExecutionError.
// The debug callback is retrieved from ctx if available.
func (r *Registry) Dispatch(ctx context.Context, cmd command.Command) (any, error) {
	dbg, _ := ctxpkg.GetDebugCallback(ctx)
	h, ok := r.Lookup(cmd.Type)
	if !ok {
		r.logger.Error().Str("type", string(cmd.Type)).Str("id", cmd.ID).Msg("No handler for command type")
		return nil, &UnhandledCommandTypeError{Type: cmd.Type, CommandID: cmd.ID}
	}

	if dbg != nil {
		dbg(fmt.Sprintf("Dispatching %s", command.Format(command.Redacted(cmd))))
	}
	r.logger.Debug().Str("type", string(cmd.Type)).Str("id", cmd.ID).Interface("params", command.Redacted(cmd).Params).Msg("Dispatching command")

	result, err := invoke(ctx, h, cmd)
	if err != nil {
		r.logger.Warn().Str("type", string(cmd.Type)).Str("id", cmd.ID).Err(err).Msg("Handler returned error")
		if dbg != nil {
			dbg(fmt.Sprintf("Command error: %v", err))
		}
		return nil, &HandlerExecutionError{Type: cmd.Type, CommandID: cmd.ID, Err: err}
	}

	resultStr := truncate(describe(result), 500)
	if dbg != nil {
		dbg(fmt.Sprintf("Command result: %s", resultStr))
	}
	r.logger.Info().Str("type", string(cmd.Type)).Str("id", cmd.ID).Str("result", resultStr).Msg("Handler returned result")
	return result, nil
}

// invoke runs h and reports a panic as an error.
func invoke(ctx context.Context, h Handler, cmd command.Command) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, cmd)
}

func describe(v any) string {
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "... (truncated)"
}
