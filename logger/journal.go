package logger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EntryType classifies a journal entry.
type EntryType string

const (
	EntryError   EntryType = "error"
	EntryWarning EntryType = "warning"
	EntryInfo    EntryType = "info"
	EntrySuccess EntryType = "success"
)

// DefaultJournalSize is the number of entries a Journal keeps before dropping the oldest.
const DefaultJournalSize = 500

// Entry is a single user-visible log record.
type Entry struct {
	Type      EntryType      `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal is the structured, user-visible log shared by the shell components.
// Entries are kept in a bounded ring and mirrored to zerolog.
type Journal struct {
	mu          sync.RWMutex
	entries     []Entry
	max         int
	subscribers map[int]func(Entry)
	nextSubID   int
	logger      zerolog.Logger
}

// NewJournal creates a journal holding at most max entries (DefaultJournalSize if max <= 0).
func NewJournal(max int, logger zerolog.Logger) *Journal {
	if max <= 0 {
		max = DefaultJournalSize
	}
	return &Journal{
		max:         max,
		subscribers: make(map[int]func(Entry)),
		logger:      logger.With().Str("component", "journal").Logger(),
	}
}

// Add records an entry and notifies subscribers.
func (j *Journal) Add(typ EntryType, message string, details map[string]any) Entry {
	entry := Entry{
		Type:      typ,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
	}
	j.mirror(entry)

	j.mu.Lock()
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.max {
		j.entries = append([]Entry(nil), j.entries[len(j.entries)-j.max:]...)
	}
	subs := make([]func(Entry), 0, len(j.subscribers))
	for _, fn := range j.subscribers {
		subs = append(subs, fn)
	}
	j.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
	return entry
}

func (j *Journal) Error(message string, details map[string]any) Entry {
	return j.Add(EntryError, message, details)
}

func (j *Journal) Warning(message string, details map[string]any) Entry {
	return j.Add(EntryWarning, message, details)
}

func (j *Journal) Info(message string, details map[string]any) Entry {
	return j.Add(EntryInfo, message, details)
}

func (j *Journal) Success(message string, details map[string]any) Entry {
	return j.Add(EntrySuccess, message, details)
}

// Entries returns up to limit of the most recent entries, oldest first.
// A limit <= 0 returns everything.
func (j *Journal) Entries(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	start := 0
	if limit > 0 && len(j.entries) > limit {
		start = len(j.entries) - limit
	}
	out := make([]Entry, len(j.entries)-start)
	copy(out, j.entries[start:])
	return out
}

// Clear drops all entries.
func (j *Journal) Clear() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}

// Subscribe registers fn for every new entry. The returned function removes the subscription.
func (j *Journal) Subscribe(fn func(Entry)) func() {
	j.mu.Lock()
	id := j.nextSubID
	j.nextSubID++
	j.subscribers[id] = fn
	j.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subscribers, id)
			j.mu.Unlock()
		})
	}
}

func (j *Journal) mirror(entry Entry) {
	var ev *zerolog.Event
	switch entry.Type {
	case EntryError:
		ev = j.logger.Error()
	case EntryWarning:
		ev = j.logger.Warn()
	default:
		ev = j.logger.Info()
	}
	if len(entry.Details) > 0 {
		ev = ev.Interface("details", entry.Details)
	}
	ev.Str("entry_type", string(entry.Type)).Msg(entry.Message)
}
