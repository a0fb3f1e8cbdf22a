// Package pattern tracks the reliability of learned UI selectors. Patterns are
// stored as memory items of type "pattern"; a pattern's id is its memory item id.
package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a single pattern.
type Status string

const (
	StatusLearning Status = "learning"
	StatusStable   Status = "stable"
	StatusUnstable Status = "unstable"
)

// LearningMode is the engine-wide learning switch.
type LearningMode string

const (
	ModeDisabled   LearningMode = "disabled"
	ModeActive     LearningMode = "active"
	ModeAutonomous LearningMode = "autonomous"
)

// Next returns the mode that follows m in the disabled, active, autonomous cycle.
func (m LearningMode) Next() LearningMode {
	switch m {
	case ModeDisabled:
		return ModeActive
	case ModeActive:
		return ModeAutonomous
	default:
		return ModeDisabled
	}
}

// ParseLearningMode validates s as a learning mode.
func ParseLearningMode(s string) (LearningMode, error) {
	switch m := LearningMode(s); m {
	case ModeDisabled, ModeActive, ModeAutonomous:
		return m, nil
	default:
		return "", fmt.Errorf("unknown learning mode %q", s)
	}
}

// Tags the engine attaches to patterns.
const (
	TagPattern   = "pattern"
	TagLearned   = "learned"
	TagImported  = "imported"
	TagRetrained = "retrained"
	TagAuto      = "auto"
	TagUnstable  = "unstable"

	selectorTagPrefix = "selector:"
)

var (
	// ErrLearningDisabled is returned by LearnFromInteraction while the mode is disabled.
	ErrLearningDisabled = errors.New("pattern learning is disabled")
	// ErrPatternNotFound is returned (wrapped with the id) for unknown pattern ids.
	ErrPatternNotFound = errors.New("pattern not found")
)

// ErrorRecord is one failed use of a pattern.
type ErrorRecord struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UIPattern is a learned UI selector with its reliability statistics.
type UIPattern struct {
	ID                string            `json:"id"`
	Selector          string            `json:"selector"`
	URL               string            `json:"url"`
	Text              string            `json:"text,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	FallbackSelectors []string          `json:"fallbackSelectors,omitempty"`
	Status            Status            `json:"status"`
	SuccessRate       float64           `json:"successRate"`
	TimesUsed         int               `json:"timesUsed"`
	LastUsed          *time.Time        `json:"lastUsed,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ErrorHistory      []ErrorRecord     `json:"errorHistory"`
	Tags              []string          `json:"tags"`
	// RetrainedAt records the last RetrainPattern call.
	RetrainedAt *time.Time `json:"retrainedAt,omitempty"`
}

// PatternInput holds the caller-supplied fields of a new pattern.
type PatternInput struct {
	Selector          string            `json:"selector"`
	URL               string            `json:"url"`
	Text              string            `json:"text,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	FallbackSelectors []string          `json:"fallbackSelectors,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
}

// Interaction describes a successful user or agent action on an element.
type Interaction struct {
	Selector   string            `json:"selector"`
	URL        string            `json:"url"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Stats aggregates the pattern set.
type Stats struct {
	Total              int            `json:"total"`
	Learning           int            `json:"learning"`
	Stable             int            `json:"stable"`
	Unstable           int            `json:"unstable"`
	AverageSuccessRate float64        `json:"averageSuccessRate"`
	ErrorCodes         map[string]int `json:"errorCodes"`
}

// StatusChange is delivered to subscribers when a pattern changes status.
type StatusChange struct {
	PatternID string    `json:"patternId"`
	Selector  string    `json:"selector"`
	URL       string    `json:"url"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`
}

// Config tunes the engine.
type Config struct {
	StabilityThreshold int
	FailureThreshold   int
	FailureWindow      time.Duration
	LearningMode       LearningMode
	// AutoLearn is set while the mode is autonomous. The engine only reports it;
	// page handlers use it to learn from every successful action.
	AutoLearn bool
}

// DefaultConfig returns the standard thresholds with learning active.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold: 5,
		FailureThreshold:   2,
		FailureWindow:      24 * time.Hour,
		LearningMode:       ModeActive,
	}
}
