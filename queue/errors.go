package queue

import (
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/pilot/command"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("command queue is closed")

// UnhandledCommandTypeError reports a parsed command whose type has no handler.
type UnhandledCommandTypeError struct {
	Type      command.Type
	CommandID string
}

func (e *UnhandledCommandTypeError) Error() string {
	return fmt.Sprintf("no handler registered for command type %q", e.Type)
}

// HandlerExecutionError wraps the failure of a handler.
type HandlerExecutionError struct {
	Type      command.Type
	CommandID string
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("%s command %s failed: %v", e.Type, e.CommandID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }
