package context

import (
	stdctx "context"
)

// debugCallbackKey is the type used as a context key for storing debug callbacks.
// This is in a separate package to avoid circular dependencies.
type debugCallbackKey struct{}

type originKey struct{}

type depthKey struct{}

// Origin names the entry point a command came through.
type Origin string

const (
	OriginCLI    Origin = "cli"
	OriginHTTP   Origin = "http"
	OriginMCP    Origin = "mcp"
	OriginQueue  Origin = "queue"
	OriginNested Origin = "nested"
)

// WithDebugCallback adds a debug callback function to the context.
// The callback receives progress messages while a command executes.
func WithDebugCallback(ctx stdctx.Context, cb func(string)) stdctx.Context {
	return stdctx.WithValue(ctx, debugCallbackKey{}, cb)
}

// GetDebugCallback retrieves a debug callback function from the context.
// Returns the callback and a bool indicating if it was set.
func GetDebugCallback(ctx stdctx.Context) (func(string), bool) {
	cb, ok := ctx.Value(debugCallbackKey{}).(func(string))
	return cb, ok
}

// WithOrigin records where the commands executed under ctx came from.
func WithOrigin(ctx stdctx.Context, origin Origin) stdctx.Context {
	return stdctx.WithValue(ctx, originKey{}, origin)
}

// GetOrigin returns the recorded origin, or "" when none was set.
func GetOrigin(ctx stdctx.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

// WithNestingDepth marks ctx as running a command nested depth levels deep inside
// control commands (chain, if, repeat).
func WithNestingDepth(ctx stdctx.Context, depth int) stdctx.Context {
	return stdctx.WithValue(ctx, depthKey{}, depth)
}

// NestingDepth returns the nesting depth recorded in ctx.
func NestingDepth(ctx stdctx.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}
