package memory

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Type describes the kind of memory item.
type Type string

const (
	TypeCommand        Type = "command"
	TypeResult         Type = "result"
	TypePattern        Type = "pattern"
	TypeScreenshot     Type = "screenshot"
	TypeVariable       Type = "variable"
	TypeElement        Type = "element"
	TypeCredentials    Type = "credentials"
	TypeUserAnnotation Type = "user_annotation"
	TypeAnalysis       Type = "analysis"
)

var validTypes = map[Type]bool{
	TypeCommand:        true,
	TypeResult:         true,
	TypePattern:        true,
	TypeScreenshot:     true,
	TypeVariable:       true,
	TypeElement:        true,
	TypeCredentials:    true,
	TypeUserAnnotation: true,
	TypeAnalysis:       true,
}

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool { return validTypes[t] }

// MemoryItem is a single persisted record.
type MemoryItem struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Data         map[string]any `json:"data"`
	Tags         []string       `json:"tags"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastAccessed *time.Time     `json:"lastAccessed,omitempty"`
}

// HasTag reports whether the item carries tag.
func (m MemoryItem) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// secretKeys are masked by Redacted.
var secretKeys = []string{"password", "token", "secret"}

// Redacted returns a copy of m with secret fields of credentials masked. Other
// item types are returned unchanged.
func (m MemoryItem) Redacted() MemoryItem {
	if m.Type != TypeCredentials {
		return m
	}
	data := make(map[string]any, len(m.Data))
	for k, v := range m.Data {
		if slices.Contains(secretKeys, k) {
			data[k] = "********"
			continue
		}
		data[k] = v
	}
	m.Data = data
	return m
}

// NewItem is the input for creating a memory item. ID is generated when empty.
type NewItem struct {
	ID   string
	Type Type
	Data map[string]any
	Tags []string
}

// Query filters memory items. Zero values mean "no filter".
type Query struct {
	Type   Type
	Tags   []string // all tags must be present
	Search string   // substring match against the JSON data
	Since  *time.Time
	Before *time.Time
	Limit  int
	Newest bool // newest first instead of insertion order
}

// Update replaces the data and, when Tags is non-nil, the tags of an existing item.
type Update struct {
	Data map[string]any
	Tags []string
}

// ErrNotFound is returned when no item matches the requested id or key.
var ErrNotFound = errors.New("memory item not found")

// StorageError wraps a failure of the underlying persistent store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
