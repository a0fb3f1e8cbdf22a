package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/aschepis/backscratcher/pilot/analyze"
	"github.com/aschepis/backscratcher/pilot/config"
	"github.com/aschepis/backscratcher/pilot/handlers"
	pilotlogger "github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/aschepis/backscratcher/pilot/queue"
	"github.com/aschepis/backscratcher/pilot/service"
	"github.com/rs/zerolog"
)

// app is the wired shell shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *sql.DB
	store    *memory.Store
	journal  *pilotlogger.Journal
	engine   *pattern.Engine
	registry *queue.Registry
	svc      *service.CommandService
	page     *handlers.SimulatedPage

	unsubscribe []func()
}

// newApp loads configuration and wires every component. Callers must Close it.
func newApp(opts *rootOptions) (*app, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		cfgPath = config.GetConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Path = config.ExpandPath(opts.dbPath)
	}
	if opts.logFile != "" {
		cfg.Log.File = config.ExpandPath(opts.logFile)
	}
	if opts.pretty {
		cfg.Log.Pretty = true
	}
	if cfg.Log.File != "" && cfg.Log.Pretty {
		return nil, fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := pilotlogger.InitWithOptions(cfg.Log.File, cfg.Log.Pretty)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if opts.quiet {
		logger = logger.Level(zerolog.WarnLevel)
	}

	db, err := memory.OpenDB(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   memory.NewStore(db, logger),
		journal: pilotlogger.NewJournal(pilotlogger.DefaultJournalSize, logger),
	}

	patternCfg, err := cfg.PatternConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = pattern.NewEngine(a.store, a.journal, patternCfg, logger)
	if cfg.Notifications.Desktop {
		a.unsubscribe = append(a.unsubscribe, a.engine.Subscribe(notifyUnstable(logger)))
	}

	if cfg.Workspace != "" {
		if err := os.MkdirAll(cfg.Workspace, 0o750); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}

	analyzer, err := analyze.New(cfg.Analyze, logger)
	if err != nil {
		if !errors.Is(err, analyze.ErrNoProvider) {
			a.Close()
			return nil, err
		}
		logger.Warn().Msg("No analyze provider configured; analyze commands will fail")
		analyzer = nil
	}

	a.page = handlers.NewSimulatedPage(opts.startURL)
	a.registry = queue.NewRegistry(logger)
	a.svc = service.New(a.registry, service.Options{
		Delay:   cfg.QueueDelay(),
		Journal: a.journal,
		Store:   a.store,
	}, logger)

	handlers.New(handlers.Deps{
		Page:      a.page,
		Memory:    a.store,
		Patterns:  a.engine,
		Analyzer:  analyzer,
		Journal:   a.journal,
		Workspace: cfg.Workspace,
	}, logger).RegisterAll(a.registry, a.svc.Queue())

	return a, nil
}

// Close stops the queue and closes the database.
func (a *app) Close() {
	for _, fn := range a.unsubscribe {
		fn()
	}
	if a.svc != nil {
		a.svc.Close()
	}
	if a.db != nil {
		_ = a.db.Close() //nolint:errcheck // No remedy for db close errors
	}
}
