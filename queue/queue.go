package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/rs/zerolog"
)

// DefaultDelay is the pause between two queued commands.
const DefaultDelay = 100 * time.Millisecond

// Recorder is notified of every command the queue runs, on both paths.
// Recorder failures are logged and never stop execution.
type Recorder interface {
	RecordCommand(ctx context.Context, cmd command.Command) error
	RecordResult(ctx context.Context, cmd command.Command, result any, err error) error
}

// Options configures a Queue.
type Options struct {
	// Delay between queued commands. Zero runs them back to back.
	Delay    time.Duration
	Journal  *logger.Journal
	Recorder Recorder
}

// DefaultOptions returns options with DefaultDelay and no journal or recorder.
func DefaultOptions() Options {
	return Options{Delay: DefaultDelay}
}

// Queue runs enqueued commands one at a time in FIFO order. Execute is a separate
// entry point that runs a command immediately and does not take a place in the FIFO.
type Queue struct {
	registry *Registry
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	items    []command.Command
	draining bool
	closed   bool
	idle     chan struct{} // closed when the current drain finishes
}

// NewQueue creates an idle queue dispatching through registry.
func NewQueue(registry *Registry, opts Options, logger zerolog.Logger) *Queue {
	return &Queue{
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "command_queue").Logger(),
	}
}

// Enqueue appends cmd to the tail of the queue and starts draining if the queue was idle.
func (q *Queue) Enqueue(cmd command.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, cmd)
	q.logger.Debug().
		Str("method", "Enqueue").
		Str("id", cmd.ID).
		Str("type", string(cmd.Type)).
		Int("pending", len(q.items)).
		Msg("command queued")

	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return nil
}

// Execute runs cmd immediately and returns its result. Errors are journaled and returned.
func (q *Queue) Execute(ctx context.Context, cmd command.Command) (any, error) {
	msg := fmt.Sprintf("Executing command: %s", cmd.Type)
	q.logger.Info().Str("method", "Execute").Str("id", cmd.ID).Msg(msg)
	if q.opts.Journal != nil {
		q.opts.Journal.Info(msg, map[string]any{"id": cmd.ID})
	}
	if dbg, ok := ctxpkg.GetDebugCallback(ctx); ok {
		dbg(msg)
	}

	result, err := q.run(ctx, cmd)
	if err != nil {
		q.reportFailure(cmd, err)
		return nil, err
	}
	return result, nil
}

// Len returns the number of commands waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the commands waiting to run, head first.
func (q *Queue) Pending() []command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]command.Command(nil), q.items...)
}

// Draining reports whether the drain loop is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// WaitIdle blocks until the queue is empty and no queued command is running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if !q.draining {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands and drops those not yet started. The command in
// flight, if any, runs to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if n := len(q.items); n > 0 {
		q.logger.Warn().Str("method", "Close").Int("dropped", n).Msg("dropping pending commands")
	}
	q.items = nil
}

func (q *Queue) drain(idle chan struct{}) {
	ctx := ctxpkg.WithOrigin(context.Background(), ctxpkg.OriginQueue)
	q.logger.Debug().Msg("drain started")

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			close(idle)
			q.mu.Unlock()
			q.logger.Debug().Msg("drain finished, queue idle")
			return
		}
		cmd := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if _, err := q.run(ctx, cmd); err != nil {
			q.reportFailure(cmd, err)
		}

		if q.opts.Delay > 0 && q.Len() > 0 {
			time.Sleep(q.opts.Delay)
		}
	}
}

// run is the dispatch routine shared by Execute and the drain loop.
func (q *Queue) run(ctx context.Context, cmd command.Command) (any, error) {
	if rec := q.opts.Recorder; rec != nil {
		if err := rec.RecordCommand(ctx, cmd); err != nil {
			q.logger.Warn().Str("method", "run").Str("id", cmd.ID).Err(err).Msg("Failed to record command")
		}
	}

	result, err := q.registry.Dispatch(ctx, cmd)

	if rec := q.opts.Recorder; rec != nil {
		if recErr := rec.RecordResult(ctx, cmd, result, err); recErr != nil {
			q.logger.Warn().Str("method", "run").Str("id", cmd.ID).Err(recErr).Msg("Failed to record result")
		}
	}
	return result, err
}

func (q *Queue) reportFailure(cmd command.Command, err error) {
	q.logger.Error().
		Str("id", cmd.ID).
		Str("type", string(cmd.Type)).
		Err(err).
		Msg("command failed")
	if q.opts.Journal != nil {
		q.opts.Journal.Error(err.Error(), map[string]any{
			"id":   cmd.ID,
			"type": string(cmd.Type),
		})
	}
}
