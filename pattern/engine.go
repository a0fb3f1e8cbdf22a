package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Engine is the pattern memory engine. All read-modify-write cycles on a pattern
// run under mu so that statistics updates are never lost.
type Engine struct {
	mu      sync.Mutex
	pending []StatusChange // guarded by mu, delivered by unlock
	store   *memory.Store
	journal *logger.Journal
	logger  zerolog.Logger
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	subMu       sync.Mutex
	subscribers map[int]func(StatusChange)
	nextSubID   int
}

// NewEngine creates an engine persisting patterns in store. Zero thresholds in cfg
// fall back to DefaultConfig.
func NewEngine(store *memory.Store, journal *logger.Journal, cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = def.StabilityThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.LearningMode == "" {
		cfg.LearningMode = def.LearningMode
	}
	cfg.AutoLearn = cfg.LearningMode == ModeAutonomous

	return &Engine{
		store:       store,
		journal:     journal,
		logger:      logger.With().Str("component", "pattern_engine").Logger(),
		now:         time.Now,
		cfg:         cfg,
		subscribers: make(map[int]func(StatusChange)),
	}
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// LearningMode returns the current global learning mode.
func (e *Engine) LearningMode() LearningMode {
	return e.Config().LearningMode
}

// SetLearningMode switches the global learning mode.
func (e *Engine) SetLearningMode(mode LearningMode) error {
	if _, err := ParseLearningMode(string(mode)); err != nil {
		return err
	}
	e.cfgMu.Lock()
	prev := e.cfg.LearningMode
	e.cfg.LearningMode = mode
	e.cfg.AutoLearn = mode == ModeAutonomous
	e.cfgMu.Unlock()

	e.logger.Info().
		Str("method", "SetLearningMode").
		Str("from", string(prev)).
		Str("to", string(mode)).
		Msg("learning mode changed")
	e.journalf(logger.EntryInfo, fmt.Sprintf("Learning mode: %s", mode), map[string]any{"from": string(prev), "to": string(mode)})
	return nil
}

// CycleLearningMode advances disabled → active → autonomous → disabled and returns the new mode.
func (e *Engine) CycleLearningMode() LearningMode {
	next := e.LearningMode().Next()
	_ = e.SetLearningMode(next) //nolint:errcheck // Next always yields a valid mode
	return next
}

// Subscribe registers fn for pattern status transitions. fn runs after the change
// is stored and may call back into the engine. The returned function removes it.
func (e *Engine) Subscribe(fn func(StatusChange)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers, id)
			e.subMu.Unlock()
		})
	}
}

// GetPattern returns the pattern with id.
func (e *Engine) GetPattern(ctx context.Context, id string) (UIPattern, error) {
	item, err := e.store.Get(ctx, id)
	if errors.Is(err, memory.ErrNotFound) || (err == nil && item.Type != memory.TypePattern) {
		return UIPattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	if err != nil {
		return UIPattern{}, err
	}
	return fromItem(item)
}

// GetAllPatterns returns every stored pattern in creation order.
func (e *Engine) GetAllPatterns(ctx context.Context) ([]UIPattern, error) {
	items, err := e.store.GetByType(ctx, memory.TypePattern)
	if err != nil {
		return nil, err
	}
	return fromItems(items)
}

// FindPatternBySelector returns the first pattern with exactly selector and, when url is
// non-empty, exactly url. It returns nil when none matches.
func (e *Engine) FindPatternBySelector(ctx context.Context, selector, url string) (*UIPattern, error) {
	items, err := e.store.Query(ctx, memory.Query{
		Type: memory.TypePattern,
		Tags: []string{selectorTagPrefix + selector},
	})
	if err != nil {
		return nil, err
	}
	patterns, err := fromItems(items)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		p := patterns[i]
		if p.Selector == selector && (url == "" || p.URL == url) {
			return &p, nil
		}
	}
	return nil, nil
}

// FindPatternsByURL returns every pattern learned on url.
func (e *Engine) FindPatternsByURL(ctx context.Context, url string) ([]UIPattern, error) {
	all, err := e.GetAllPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(p UIPattern, _ int) bool { return p.URL == url }), nil
}

// SavePattern creates a new pattern in the learning state.
func (e *Engine) SavePattern(ctx context.Context, in PatternInput) (UIPattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.savePattern(ctx, in)
}

func (e *Engine) savePattern(ctx context.Context, in PatternInput) (UIPattern, error) {
	if strings.TrimSpace(in.Selector) == "" {
		return UIPattern{}, errors.New("pattern selector is required")
	}
	p := UIPattern{
		Selector:          in.Selector,
		URL:               in.URL,
		Text:              in.Text,
		Attributes:        in.Attributes,
		FallbackSelectors: in.FallbackSelectors,
		Status:            StatusLearning,
		SuccessRate:       0,
		TimesUsed:         0,
		CreatedAt:         e.now(),
		ErrorHistory:      []ErrorRecord{},
		Tags:              lo.Uniq(append(append([]string{}, in.Tags...), TagLearned)),
	}
	saved, err := e.insert(ctx, p)
	if err != nil {
		return UIPattern{}, err
	}
	e.logger.Info().
		Str("method", "SavePattern").
		Str("id", saved.ID).
		Str("selector", saved.Selector).
		Str("url", saved.URL).
		Msg("pattern saved")
	return saved, nil
}

func (e *Engine) insert(ctx context.Context, p UIPattern) (UIPattern, error) {
	p.ID = memory.NewID()
	data, err := toData(p)
	if err != nil {
		return UIPattern{}, err
	}
	if _, err := e.store.Insert(ctx, memory.NewItem{
		ID:   p.ID,
		Type: memory.TypePattern,
		Data: data,
		Tags: storageTags(p),
	}); err != nil {
		e.journalf(logger.EntryError, "Failed to save pattern", map[string]any{"selector": p.Selector, "error": err.Error()})
		return UIPattern{}, err
	}
	return p, nil
}

// RecordSuccessfulUse counts a successful use of the pattern and promotes it to stable
// once it has been used StabilityThreshold times, unless it is unstable.
func (e *Engine) RecordSuccessfulUse(ctx context.Context, id string) (UIPattern, error) {
	e.mu.Lock()
	defer e.unlock()
	return e.recordSuccessfulUse(ctx, id)
}

func (e *Engine) recordSuccessfulUse(ctx context.Context, id string) (UIPattern, error) {
	threshold := e.Config().StabilityThreshold
	return e.modify(ctx, id, func(p *UIPattern) {
		n := float64(p.TimesUsed)
		p.SuccessRate = (p.SuccessRate*n + 1) / (n + 1)
		p.TimesUsed++
		now := e.now()
		p.LastUsed = &now
		if p.Status != StatusUnstable && p.TimesUsed >= threshold {
			p.Status = StatusStable
		}
	})
}

// RecordFailure appends an error to the pattern's history, counts the failure as a use
// with no success, and marks the pattern unstable when enough failures fall inside the
// failure window.
func (e *Engine) RecordFailure(ctx context.Context, id, code, message string) (UIPattern, error) {
	e.mu.Lock()
	defer e.unlock()

	cfg := e.Config()
	p, err := e.modify(ctx, id, func(p *UIPattern) {
		now := e.now()
		p.ErrorHistory = append(p.ErrorHistory, ErrorRecord{Code: code, Message: message, Timestamp: now})
		n := float64(p.TimesUsed)
		p.SuccessRate = (p.SuccessRate * n) / (n + 1)
		p.TimesUsed++
		p.LastUsed = &now
		if recentFailures(p.ErrorHistory, now.Add(-cfg.FailureWindow)) >= cfg.FailureThreshold {
			p.Status = StatusUnstable
			p.Tags = lo.Uniq(append(p.Tags, TagUnstable))
		}
	})
	if err != nil {
		return UIPattern{}, err
	}
	e.journalf(logger.EntryWarning, fmt.Sprintf("Pattern %s failed: %s", p.Selector, message), map[string]any{
		"patternId": p.ID,
		"code":      code,
	})
	return p, nil
}

// LearnFromInteraction records a successful use of a known selector or learns a new pattern.
func (e *Engine) LearnFromInteraction(ctx context.Context, in Interaction) (UIPattern, error) {
	if e.LearningMode() == ModeDisabled {
		e.journalf(logger.EntryWarning, "Pattern learning is disabled", map[string]any{"selector": in.Selector})
		return UIPattern{}, ErrLearningDisabled
	}

	e.mu.Lock()
	defer e.unlock()

	existing, err := e.FindPatternBySelector(ctx, in.Selector, in.URL)
	if err != nil {
		return UIPattern{}, err
	}
	if existing != nil {
		return e.recordSuccessfulUse(ctx, existing.ID)
	}
	input := PatternInput{
		Selector:   in.Selector,
		URL:        in.URL,
		Text:       in.Text,
		Attributes: in.Attributes,
	}
	if e.Config().AutoLearn {
		input.Tags = []string{TagAuto}
	}
	return e.savePattern(ctx, input)
}

// FindAlternativeSelectors returns the pattern's fallback selectors followed by the
// selectors of other patterns on the same URL sharing at least one attribute.
func (e *Engine) FindAlternativeSelectors(ctx context.Context, id string) ([]string, error) {
	p, err := e.GetPattern(ctx, id)
	if err != nil {
		return nil, err
	}
	out := append([]string{}, p.FallbackSelectors...)

	if len(p.Attributes) > 0 {
		siblings, err := e.FindPatternsByURL(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		for _, other := range siblings {
			if other.ID == p.ID || other.Selector == p.Selector {
				continue
			}
			if sharesAttribute(p.Attributes, other.Attributes) {
				out = append(out, other.Selector)
			}
		}
	}
	return lo.Uniq(out), nil
}

// RetrainPattern resets a pattern to learning with cleared statistics. The error
// history is kept and still counts towards the failure window.
func (e *Engine) RetrainPattern(ctx context.Context, id string) (UIPattern, error) {
	e.mu.Lock()
	defer e.unlock()

	p, err := e.modify(ctx, id, func(p *UIPattern) {
		now := e.now()
		p.Status = StatusLearning
		p.SuccessRate = 0
		p.TimesUsed = 0
		p.RetrainedAt = &now
		p.Tags = lo.Uniq(append(lo.Without(p.Tags, TagUnstable), TagRetrained))
	})
	if err != nil {
		return UIPattern{}, err
	}
	e.journalf(logger.EntryInfo, fmt.Sprintf("Pattern %s retrained", p.Selector), map[string]any{"patternId": p.ID})
	return p, nil
}

// DeletePattern removes a pattern.
func (e *Engine) DeletePattern(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.GetPattern(ctx, id); err != nil {
		return err
	}
	return e.store.Delete(ctx, id)
}

// UnstablePatterns returns the patterns currently marked unstable.
func (e *Engine) UnstablePatterns(ctx context.Context) ([]UIPattern, error) {
	all, err := e.GetAllPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(p UIPattern, _ int) bool { return p.Status == StatusUnstable }), nil
}

// GetStats counts patterns by status and tallies error codes across all histories.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	all, err := e.GetAllPatterns(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(all), ErrorCodes: map[string]int{}}
	var rateSum float64
	for _, p := range all {
		switch p.Status {
		case StatusLearning:
			stats.Learning++
		case StatusStable:
			stats.Stable++
		case StatusUnstable:
			stats.Unstable++
		}
		rateSum += p.SuccessRate
		for _, rec := range p.ErrorHistory {
			stats.ErrorCodes[rec.Code]++
		}
	}
	if len(all) > 0 {
		stats.AverageSuccessRate = rateSum / float64(len(all))
	}
	return stats, nil
}

// modify loads pattern id, applies fn and writes the result back in one update.
// Callers must hold e.mu and release it with unlock.
func (e *Engine) modify(ctx context.Context, id string, fn func(*UIPattern)) (UIPattern, error) {
	p, err := e.GetPattern(ctx, id)
	if err != nil {
		return UIPattern{}, err
	}
	before := p.Status
	fn(&p)

	data, err := toData(p)
	if err != nil {
		return UIPattern{}, err
	}
	if _, err := e.store.Update(ctx, id, memory.Update{Data: data, Tags: storageTags(p)}); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return UIPattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
		}
		e.journalf(logger.EntryError, "Failed to update pattern", map[string]any{"patternId": id, "error": err.Error()})
		return UIPattern{}, err
	}

	if p.Status != before {
		e.statusChanged(p, before)
	}
	return p, nil
}

func (e *Engine) statusChanged(p UIPattern, from Status) {
	change := StatusChange{
		PatternID: p.ID,
		Selector:  p.Selector,
		URL:       p.URL,
		From:      from,
		To:        p.Status,
		At:        e.now(),
	}
	e.logger.Info().
		Str("method", "statusChanged").
		Str("id", p.ID).
		Str("from", string(from)).
		Str("to", string(p.Status)).
		Msg("pattern status changed")

	switch p.Status {
	case StatusUnstable:
		e.journalf(logger.EntryWarning, fmt.Sprintf("Pattern %s is unstable", p.Selector), map[string]any{"patternId": p.ID})
	case StatusStable:
		e.journalf(logger.EntrySuccess, fmt.Sprintf("Pattern %s is stable", p.Selector), map[string]any{"patternId": p.ID})
	}

	e.pending = append(e.pending, change)
}

// unlock releases e.mu and then delivers the status changes queued while it was
// held, so subscribers may call back into the engine.
func (e *Engine) unlock() {
	changes := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(changes) == 0 {
		return
	}

	e.subMu.Lock()
	subs := lo.Values(e.subscribers)
	e.subMu.Unlock()
	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
	}
}

func (e *Engine) journalf(typ logger.EntryType, msg string, details map[string]any) {
	if e.journal != nil {
		e.journal.Add(typ, msg, details)
	}
}

func recentFailures(history []ErrorRecord, since time.Time) int {
	return lo.CountBy(history, func(r ErrorRecord) bool { return r.Timestamp.After(since) })
}

func sharesAttribute(a, b map[string]string) bool {
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			return true
		}
	}
	return false
}

func storageTags(p UIPattern) []string {
	tags := append([]string{TagPattern}, p.Tags...)
	return lo.Uniq(append(tags, selectorTagPrefix+p.Selector))
}

func toData(p UIPattern) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return data, nil
}

func fromItem(item memory.MemoryItem) (UIPattern, error) {
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return UIPattern{}, fmt.Errorf("decode pattern %s: %w", item.ID, err)
	}
	var p UIPattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return UIPattern{}, fmt.Errorf("decode pattern %s: %w", item.ID, err)
	}
	p.ID = item.ID
	if p.ErrorHistory == nil {
		p.ErrorHistory = []ErrorRecord{}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p, nil
}

func fromItems(items []memory.MemoryItem) ([]UIPattern, error) {
	out := make([]UIPattern, 0, len(items))
	for _, item := range items {
		p, err := fromItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
