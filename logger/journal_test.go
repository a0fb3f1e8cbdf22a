package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestJournalKeepsMostRecentEntries(t *testing.T) {
	j := NewJournal(3, zerolog.Nop())
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		j.Info(msg, nil)
	}

	entries := j.Entries(0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "c" || entries[2].Message != "e" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	last := j.Entries(1)
	if len(last) != 1 || last[0].Message != "e" {
		t.Errorf("expected last entry 'e', got %+v", last)
	}
}

func TestJournalSubscribe(t *testing.T) {
	j := NewJournal(0, zerolog.Nop())

	var got []Entry
	unsubscribe := j.Subscribe(func(e Entry) { got = append(got, e) })

	j.Error("boom", map[string]any{"code": 1})
	unsubscribe()
	unsubscribe()
	j.Warning("ignored", nil)

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered entry, got %d", len(got))
	}
	if got[0].Type != EntryError || got[0].Message != "boom" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestJournalClear(t *testing.T) {
	j := NewJournal(10, zerolog.Nop())
	j.Success("done", nil)
	j.Clear()
	if n := len(j.Entries(0)); n != 0 {
		t.Errorf("expected empty journal, got %d entries", n)
	}
}
