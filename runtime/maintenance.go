// Package runtime runs the shell's background jobs.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultSchedule runs maintenance once an hour.
const DefaultSchedule = "@hourly"

// purgedTypes are the memory types subject to retention. Patterns, credentials,
// variables and annotations are kept until deleted explicitly.
var purgedTypes = []memory.Type{
	memory.TypeCommand,
	memory.TypeResult,
	memory.TypeScreenshot,
	memory.TypeAnalysis,
}

// MaintenanceConfig configures the maintenance job.
type MaintenanceConfig struct {
	Schedule string
	// Retention is how long history items are kept. Zero disables purging.
	Retention time.Duration
}

// Report summarises one maintenance run.
type Report struct {
	Purged   map[memory.Type]int64 `json:"purged"`
	Unstable []string              `json:"unstable"`
	RanAt    time.Time             `json:"ranAt"`
}

// Maintenance periodically purges old history and reports unstable patterns.
type Maintenance struct {
	store    *memory.Store
	patterns *pattern.Engine
	journal  *logger.Journal
	schedule Schedule
	cfg      MaintenanceConfig
	now      func() time.Time
	logger   zerolog.Logger
}

// NewMaintenance creates the job. Patterns and journal may be nil.
func NewMaintenance(store *memory.Store, patterns *pattern.Engine, journal *logger.Journal, cfg MaintenanceConfig, logger zerolog.Logger) (*Maintenance, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return &Maintenance{
		store:    store,
		patterns: patterns,
		journal:  journal,
		schedule: sched,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}, nil
}

// Start runs maintenance immediately and then on every schedule activation until
// ctx is cancelled.
func (m *Maintenance) Start(ctx context.Context) {
	m.logger.Info().Str("schedule", m.cfg.Schedule).Dur("retention", m.cfg.Retention).Msg("Starting maintenance")

	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Initial maintenance run failed")
	}

	for {
		next := m.schedule.Next(m.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info().Msg("Maintenance stopped: context cancelled")
			return
		case <-timer.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Maintenance run failed")
			}
		}
	}
}

// RunOnce performs a single maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Purged: map[memory.Type]int64{}, RanAt: m.now()}

	if m.cfg.Retention > 0 {
		cutoff := report.RanAt.Add(-m.cfg.Retention)
		for _, typ := range purgedTypes {
			n, err := m.store.DeleteBefore(ctx, typ, cutoff)
			if err != nil {
				return report, fmt.Errorf("purge %s: %w", typ, err)
			}
			if n > 0 {
				report.Purged[typ] = n
			}
		}
	}

	if m.patterns != nil {
		unstable, err := m.patterns.UnstablePatterns(ctx)
		if err != nil {
			return report, fmt.Errorf("load unstable patterns: %w", err)
		}
		report.Unstable = lo.Map(unstable, func(p pattern.UIPattern, _ int) string { return p.Selector })
	}

	total := lo.Sum(lo.Values(report.Purged))
	m.logger.Info().
		Int64("purged", total).
		Int("unstable", len(report.Unstable)).
		Msg("Maintenance run complete")

	if m.journal != nil {
		if total > 0 {
			m.journal.Info(fmt.Sprintf("Purged %d history items", total), map[string]any{"purged": report.Purged})
		}
		if len(report.Unstable) > 0 {
			m.journal.Warning(fmt.Sprintf("%d unstable patterns need retraining", len(report.Unstable)), map[string]any{"selectors": report.Unstable})
		}
	}
	return report, nil
}
