// Package service is the entry point callers use to run commands: it parses DSL
// text, executes or queues commands, keeps a command history in memory and
// notifies subscribers of command lifecycle events.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/queue"
	"github.com/rs/zerolog"
)

// maxStoredResult bounds string results kept in the history.
const maxStoredResult = 4096

// EventType names a command lifecycle event.
type EventType string

const (
	EventQueued   EventType = "command_queued"
	EventExecuted EventType = "command_executed"
	EventFailed   EventType = "command_failed"
)

// Event is delivered to subscribers.
type Event struct {
	Type    EventType       `json:"type"`
	Command command.Command `json:"command"`
	Result  any             `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// Options configures a CommandService.
type Options struct {
	Delay   time.Duration
	Journal *logger.Journal
	// Store keeps command and result history. Nil disables history.
	Store *memory.Store
}

// CommandService owns the parser and the queue.
type CommandService struct {
	parser  *command.Parser
	queue   *queue.Queue
	store   *memory.Store
	journal *logger.Journal
	logger  zerolog.Logger

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int
}

// New creates a service dispatching through registry.
func New(registry *queue.Registry, opts Options, logger zerolog.Logger) *CommandService {
	s := &CommandService{
		parser:      command.NewParser(opts.Journal, logger),
		store:       opts.Store,
		journal:     opts.Journal,
		logger:      logger.With().Str("component", "command_service").Logger(),
		subscribers: make(map[int]func(Event)),
	}
	s.queue = queue.NewQueue(registry, queue.Options{
		Delay:    opts.Delay,
		Journal:  opts.Journal,
		Recorder: s,
	}, logger)
	return s
}

// Queue returns the underlying queue. It is the Executor for nested commands.
func (s *CommandService) Queue() *queue.Queue { return s.queue }

// ParseCommand parses DSL text. Invalid text yields nil and false and a journal entry.
func (s *CommandService) ParseCommand(text string) (*command.Command, bool) {
	return s.parser.Parse(text)
}

// ParseText parses DSL text, returning *command.ParseError on failure.
func (s *CommandService) ParseText(text string) (command.Command, error) {
	return s.parser.ParseText(text)
}

// ExecuteCommand runs cmd immediately and returns its result.
func (s *CommandService) ExecuteCommand(ctx context.Context, cmd command.Command) (any, error) {
	return s.queue.Execute(ctx, cmd)
}

// ExecuteText parses text and executes the command. Parse failures are returned as
// *command.ParseError.
func (s *CommandService) ExecuteText(ctx context.Context, text string) (any, error) {
	cmd, err := s.parser.ParseText(text)
	if err != nil {
		return nil, err
	}
	return s.ExecuteCommand(ctx, cmd)
}

// QueueCommand appends cmd to the FIFO.
func (s *CommandService) QueueCommand(cmd command.Command) error {
	if err := s.queue.Enqueue(cmd); err != nil {
		return err
	}
	s.emit(Event{Type: EventQueued, Command: cmd, At: time.Now()})
	return nil
}

// QueueText parses text and queues the command.
func (s *CommandService) QueueText(text string) (command.Command, error) {
	cmd, err := s.parser.ParseText(text)
	if err != nil {
		return command.Command{}, err
	}
	if err := s.QueueCommand(cmd); err != nil {
		return command.Command{}, err
	}
	return cmd, nil
}

// Draining reports whether the queue is running commands.
func (s *CommandService) Draining() bool { return s.queue.Draining() }

// Pending returns the queued commands that have not run yet.
func (s *CommandService) Pending() []command.Command { return s.queue.Pending() }

// WaitIdle blocks until the queue has drained.
func (s *CommandService) WaitIdle(ctx context.Context) error { return s.queue.WaitIdle(ctx) }

// Close stops the queue. Pending commands are dropped.
func (s *CommandService) Close() { s.queue.Close() }

// History returns the most recent commands, newest first.
func (s *CommandService) History(ctx context.Context, limit int) ([]memory.MemoryItem, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Query(ctx, memory.Query{Type: memory.TypeCommand, Limit: limit, Newest: true})
}

// Results returns the stored results of command id.
func (s *CommandService) Results(ctx context.Context, id string) ([]memory.MemoryItem, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Query(ctx, memory.Query{Type: memory.TypeResult, Tags: []string{"command:" + id}})
}

// Subscribe registers fn for lifecycle events. The returned function removes it.
func (s *CommandService) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *CommandService) emit(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// RecordCommand stores cmd in the history. It implements queue.Recorder.
func (s *CommandService) RecordCommand(ctx context.Context, cmd command.Command) error {
	if s.store == nil {
		return nil
	}
	cmd = command.Redacted(cmd)
	_, err := s.store.AddMemoryItem(ctx, memory.NewItem{
		Type: memory.TypeCommand,
		Data: map[string]any{
			"commandId": cmd.ID,
			"type":      string(cmd.Type),
			"params":    cmd.Params,
			"text":      command.Format(cmd),
			"origin":    string(ctxpkg.GetOrigin(ctx)),
			"timestamp": cmd.Timestamp,
		},
		Tags: []string{"command", string(cmd.Type)},
	})
	return err
}

// RecordResult stores the outcome of cmd and notifies subscribers. It implements
// queue.Recorder.
func (s *CommandService) RecordResult(ctx context.Context, cmd command.Command, result any, err error) error {
	ev := Event{Type: EventExecuted, Command: cmd, Result: result, At: time.Now()}
	if err != nil {
		ev.Type = EventFailed
		ev.Result = nil
		ev.Error = err.Error()
	}
	s.emit(ev)

	if s.store == nil {
		return nil
	}
	data := map[string]any{
		"commandId": cmd.ID,
		"type":      string(cmd.Type),
		"success":   err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["result"] = storable(result)
	}
	_, serr := s.store.AddMemoryItem(ctx, memory.NewItem{
		Type: memory.TypeResult,
		Data: data,
		Tags: []string{"result", string(cmd.Type), "command:" + cmd.ID},
	})
	return serr
}

// storable returns a JSON-safe rendition of a handler result, truncating long strings.
func storable(result any) any {
	if str, ok := result.(string); ok {
		return clip(str)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	if len(raw) > maxStoredResult {
		return clip(string(raw))
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// clip cuts s to maxStoredResult bytes on a rune boundary.
func clip(s string) string {
	if len(s) <= maxStoredResult {
		return s
	}
	n := maxStoredResult
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
