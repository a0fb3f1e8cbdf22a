package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/pilot/command"
	"github.com/aschepis/backscratcher/pilot/handlers"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/aschepis/backscratcher/pilot/queue"
	"github.com/rs/zerolog"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func setupTestService(t *testing.T) (*CommandService, *queue.Registry, *memory.Store, *logger.Journal) {
	t.Helper()
	db, err := memory.OpenDB(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() }) //nolint:errcheck // Test cleanup

	journal := logger.NewJournal(0, zerolog.Nop())
	store := memory.NewStore(db, zerolog.Nop())
	reg := queue.NewRegistry(zerolog.Nop())
	svc := New(reg, Options{Journal: journal, Store: store}, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc, reg, store, journal
}

func TestScreenshotScenario(t *testing.T) {
	svc, reg, store, _ := setupTestService(t)
	engine := pattern.NewEngine(store, nil, pattern.DefaultConfig(), zerolog.Nop())
	handlers.New(handlers.Deps{
		Page:     handlers.NewSimulatedPage("https://example.com"),
		Memory:   store,
		Patterns: engine,
	}, zerolog.Nop()).RegisterAll(reg, svc.Queue())

	cmd, ok := svc.ParseCommand("/screenshot#s1{}")
	if !ok {
		t.Fatal("expected /screenshot#s1{} to parse")
	}
	if cmd.ID != "s1" || cmd.Type != command.TypeScreenshot || len(cmd.Params) != 0 {
		t.Fatalf("unexpected command %+v", cmd)
	}

	res, err := svc.ExecuteCommand(context.Background(), *cmd)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if s, ok := res.(string); !ok || s == "" {
		t.Fatalf("expected non-empty string result, got %T", res)
	}

	history, err := svc.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Data["commandId"] != "s1" {
		t.Fatalf("unexpected history %+v", history)
	}
	results, err := svc.Results(context.Background(), "s1")
	if err != nil || len(results) != 1 {
		t.Fatalf("Results: %v %v", results, err)
	}
	if results[0].Data["success"] != true {
		t.Errorf("expected success, got %v", results[0].Data)
	}
}

func TestExecuteTextInvalid(t *testing.T) {
	svc, _, _, journal := setupTestService(t)

	_, err := svc.ExecuteText(context.Background(), `/click#c1{"selector": }`)
	var pe *command.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *command.ParseError, got %v", err)
	}
	entries := journal.Entries(0)
	if len(entries) != 1 || entries[0].Type != logger.EntryError {
		t.Fatalf("expected one error journal entry, got %+v", entries)
	}
	if entries[0].Details["body"] != `"selector": ` {
		t.Errorf("expected raw body in details, got %v", entries[0].Details)
	}

	if _, ok := svc.ParseCommand("/frobnicate#x{}"); ok {
		t.Error("unknown type should not parse")
	}
}

func TestQueueEventsAndFailures(t *testing.T) {
	svc, reg, store, journal := setupTestService(t)
	reg.Register(command.TypeWait, func(context.Context, command.Command) (any, error) {
		return "ok", nil
	})
	reg.Register(command.TypeClick, func(context.Context, command.Command) (any, error) {
		return nil, errors.New("boom")
	})

	log := &eventLog{}
	unsubscribe := svc.Subscribe(log.add)

	for _, text := range []string{`/wait#w1{"ms":1}`, `/click#c1{"selector":"#x"}`, `/screenshot#s1{}`, `/wait#w2{}`} {
		if _, err := svc.QueueText(text); err != nil {
			t.Fatalf("QueueText(%q): %v", text, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	var queued, executed, failed int
	for _, typ := range log.types() {
		switch typ {
		case EventQueued:
			queued++
		case EventExecuted:
			executed++
		case EventFailed:
			failed++
		}
	}
	if queued != 4 || executed != 2 || failed != 2 {
		t.Errorf("queued/executed/failed = %d/%d/%d, want 4/2/2", queued, executed, failed)
	}

	errorsLogged := 0
	for _, e := range journal.Entries(0) {
		if e.Type == logger.EntryError {
			errorsLogged++
		}
	}
	if errorsLogged != 2 {
		t.Errorf("expected 2 journal errors, got %d", errorsLogged)
	}

	n, err := store.Count(context.Background(), memory.TypeResult)
	if err != nil || n != 4 {
		t.Errorf("expected 4 stored results, got %d (%v)", n, err)
	}

	unsubscribe()
	before := len(log.types())
	if _, err := svc.ExecuteText(context.Background(), `/wait#w3{}`); err != nil {
		t.Fatalf("ExecuteText: %v", err)
	}
	if len(log.types()) != before {
		t.Error("unsubscribed listener still notified")
	}
}

func TestExecuteUnhandledSurfacesError(t *testing.T) {
	svc, _, _, _ := setupTestService(t)
	_, err := svc.ExecuteText(context.Background(), "/kill#k1{}")
	var uerr *queue.UnhandledCommandTypeError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnhandledCommandTypeError, got %v", err)
	}
}

func TestStorable(t *testing.T) {
	long := strings.Repeat("a", maxStoredResult+10)
	if s := storable(long).(string); !strings.HasSuffix(s, "...(truncated)") {
		t.Error("long string not truncated")
	}
	m := storable(map[string]any{"n": 1}).(map[string]any)
	if m["n"] != float64(1) {
		t.Errorf("unexpected %v", m)
	}
	if storable(make(chan int)) == nil {
		t.Error("unencodable result should fall back to a string")
	}

	// A two-byte rune straddling the limit is dropped whole.
	multi := strings.Repeat("a", maxStoredResult-1) + "é" + "tail"
	s := storable(multi).(string)
	if !utf8.ValidString(s) || strings.ContainsRune(s, utf8.RuneError) {
		t.Errorf("truncated result is not valid UTF-8")
	}
	if want := strings.Repeat("a", maxStoredResult-1) + "...(truncated)"; s != want {
		t.Errorf("unexpected truncation, got suffix %q", s[len(s)-20:])
	}
}
