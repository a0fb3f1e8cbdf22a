package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/pilot/command"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/rs/zerolog"
)

type orderLog struct {
	mu  sync.Mutex
	ids []string
}

func (o *orderLog) add(id string) {
	o.mu.Lock()
	o.ids = append(o.ids, id)
	o.mu.Unlock()
}

func (o *orderLog) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ids...)
}

type recordingRecorder struct {
	mu       sync.Mutex
	commands []string
	results  []string
	failed   []string
}

func (r *recordingRecorder) RecordCommand(_ context.Context, cmd command.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd.ID)
	return nil
}

func (r *recordingRecorder) RecordResult(_ context.Context, cmd command.Command, _ any, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed = append(r.failed, cmd.ID)
	} else {
		r.results = append(r.results, cmd.ID)
	}
	return errors.New("recorder is full")
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestQueueRunsInFIFOOrder(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	order := &orderLog{}
	reg.Register(command.TypeWait, func(ctx context.Context, cmd command.Command) (any, error) {
		ms, _ := cmd.Params["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		order.add(cmd.ID)
		return nil, nil
	})
	q := NewQueue(reg, Options{}, zerolog.Nop())

	for _, c := range []struct {
		id string
		ms float64
	}{{"A", 40}, {"B", 0}, {"C", 10}} {
		if err := q.Enqueue(command.New(command.TypeWait, c.id, map[string]any{"ms": c.ms})); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if !q.Draining() {
		t.Error("expected queue to be draining after Enqueue")
	}
	waitIdle(t, q)

	got := order.get()
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if q.Draining() || q.Len() != 0 {
		t.Error("expected idle empty queue")
	}
}

func TestQueueRunsOneAtATime(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	reg.Register(command.TypeWait, func(ctx context.Context, cmd command.Command) (any, error) {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})
	q := NewQueue(reg, Options{}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(command.New(command.TypeWait, "", nil))
	}
	waitIdle(t, q)
	if maxSeen != 1 {
		t.Errorf("expected at most one command in flight, saw %d", maxSeen)
	}
}

func TestQueueContinuesAfterFailure(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	order := &orderLog{}
	reg.Register(command.TypeClick, func(ctx context.Context, cmd command.Command) (any, error) {
		order.add(cmd.ID)
		if cmd.ID == "B" {
			return nil, errors.New("element not found")
		}
		return "ok", nil
	})
	journal := logger.NewJournal(0, zerolog.Nop())
	q := NewQueue(reg, Options{Journal: journal}, zerolog.Nop())

	_ = q.Enqueue(command.New(command.TypeClick, "A", nil))
	_ = q.Enqueue(command.New(command.TypeClick, "B", nil))
	_ = q.Enqueue(command.New(command.TypeScreenshot, "X", nil)) // no handler
	_ = q.Enqueue(command.New(command.TypeClick, "C", nil))
	waitIdle(t, q)

	got := order.get()
	if len(got) != 3 || got[2] != "C" {
		t.Fatalf("expected A, B, C to run, got %v", got)
	}

	var errorsLogged int
	for _, e := range journal.Entries(0) {
		if e.Type == logger.EntryError {
			errorsLogged++
		}
	}
	if errorsLogged != 2 {
		t.Errorf("expected 2 journaled errors, got %d", errorsLogged)
	}
}

func TestExecuteUnhandledType(t *testing.T) {
	journal := logger.NewJournal(0, zerolog.Nop())
	q := NewQueue(NewRegistry(zerolog.Nop()), Options{Journal: journal}, zerolog.Nop())

	_, err := q.Execute(context.Background(), command.New(command.TypeScreenshot, "s1", nil))
	var unhandled *UnhandledCommandTypeError
	if !errors.As(err, &unhandled) {
		t.Fatalf("expected *UnhandledCommandTypeError, got %v", err)
	}
	if unhandled.Type != command.TypeScreenshot || unhandled.CommandID != "s1" {
		t.Errorf("unexpected error fields: %+v", unhandled)
	}

	entries := journal.Entries(0)
	if len(entries) != 2 {
		t.Fatalf("expected start and error entries, got %+v", entries)
	}
	if entries[0].Message != "Executing command: screenshot" {
		t.Errorf("unexpected start message %q", entries[0].Message)
	}
	if entries[1].Type != logger.EntryError {
		t.Errorf("expected error entry, got %q", entries[1].Type)
	}
}

func TestExecuteReturnsResultAndWrapsErrors(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	errBoom := errors.New("boom")
	reg.Register(command.TypeScreenshot, func(ctx context.Context, cmd command.Command) (any, error) {
		return "data:image/png;base64,AAAA", nil
	})
	reg.Register(command.TypeNavigation, func(ctx context.Context, cmd command.Command) (any, error) {
		return nil, errBoom
	})
	q := NewQueue(reg, Options{}, zerolog.Nop())
	ctx := context.Background()

	result, err := q.Execute(ctx, command.New(command.TypeScreenshot, "s", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected result %v", result)
	}

	_, err = q.Execute(ctx, command.New(command.TypeNavigation, "n", nil))
	var execErr *HandlerExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *HandlerExecutionError, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Error("expected the handler error to be wrapped")
	}
}

func TestRecorderSeesBothPaths(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register(command.TypeWait, func(ctx context.Context, cmd command.Command) (any, error) {
		if cmd.ID == "bad" {
			return nil, errors.New("nope")
		}
		return nil, nil
	})
	rec := &recordingRecorder{}
	q := NewQueue(reg, Options{Recorder: rec}, zerolog.Nop())

	if _, err := q.Execute(context.Background(), command.New(command.TypeWait, "direct", nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = q.Enqueue(command.New(command.TypeWait, "queued", nil))
	_ = q.Enqueue(command.New(command.TypeWait, "bad", nil))
	waitIdle(t, q)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.commands) != 3 {
		t.Errorf("expected 3 recorded commands, got %v", rec.commands)
	}
	if len(rec.results) != 2 || len(rec.failed) != 1 || rec.failed[0] != "bad" {
		t.Errorf("unexpected recorded results: ok=%v failed=%v", rec.results, rec.failed)
	}
}

func TestCloseRejectsNewCommands(t *testing.T) {
	q := NewQueue(NewRegistry(zerolog.Nop()), DefaultOptions(), zerolog.Nop())
	q.Close()
	q.Close()
	if err := q.Enqueue(command.New(command.TypeWait, "", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := q.WaitIdle(context.Background()); err != nil {
		t.Errorf("WaitIdle on idle queue: %v", err)
	}
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	noop := func(ctx context.Context, cmd command.Command) (any, error) { return nil, nil }
	reg.Register(command.TypeWait, noop)
	reg.Register(command.TypeClick, noop)

	types := reg.Types()
	if len(types) != 2 || types[0] != command.TypeClick || types[1] != command.TypeWait {
		t.Errorf("unexpected types %v", types)
	}
	if _, ok := reg.Lookup(command.TypeShell); ok {
		t.Error("unexpected handler for shell")
	}
}

func TestQueueSurvivesPanickingHandler(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	reg.Register(command.TypeClick, func(ctx context.Context, cmd command.Command) (any, error) {
		panic("handler bug")
	})
	ran := make(chan struct{}, 1)
	reg.Register(command.TypeWait, func(ctx context.Context, cmd command.Command) (any, error) {
		ran <- struct{}{}
		return "ok", nil
	})
	rec := &recordingRecorder{}
	q := NewQueue(reg, Options{Recorder: rec, Journal: logger.NewJournal(0, zerolog.Nop())}, zerolog.Nop())

	_ = q.Enqueue(command.New(command.TypeClick, "boom", nil))
	_ = q.Enqueue(command.New(command.TypeWait, "after", nil))
	waitIdle(t, q)

	select {
	case <-ran:
	default:
		t.Fatal("command after the panicking handler did not run")
	}
	rec.mu.Lock()
	failed := append([]string(nil), rec.failed...)
	rec.mu.Unlock()
	if len(failed) != 1 || failed[0] != "boom" {
		t.Errorf("expected boom recorded as failed, got %v", failed)
	}

	_, err := q.Execute(context.Background(), command.New(command.TypeClick, "direct", nil))
	var he *HandlerExecutionError
	if !errors.As(err, &he) || he.CommandID != "direct" {
		t.Fatalf("expected HandlerExecutionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "handler panicked: handler bug") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc... (truncated)"},
		{"aé", 2, "a... (truncated)"},
		{"日本語", 4, "日... (truncated)"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
