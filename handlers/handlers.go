// Package handlers implements the command handlers the queue dispatches to: page
// actions, memory access, pattern learning, process control, workspace files and
// the DSL control forms.
package handlers

import (
	"context"
	"errors"

	"github.com/aschepis/backscratcher/pilot/analyze"
	"github.com/aschepis/backscratcher/pilot/command"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/aschepis/backscratcher/pilot/queue"
	"github.com/rs/zerolog"
)

// Executor runs a nested command. *queue.Queue satisfies it through Execute.
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) (any, error)
}

// Deps are the collaborators the handlers act on. Analyzer may be nil, in which
// case analyze commands fail.
type Deps struct {
	Page      Page
	Memory    *memory.Store
	Patterns  *pattern.Engine
	Analyzer  analyze.Analyzer
	Journal   *logger.Journal
	Workspace string
}

// Handlers holds the handler implementations.
type Handlers struct {
	page      Page
	memory    *memory.Store
	patterns  *pattern.Engine
	analyzer  analyze.Analyzer
	journal   *logger.Journal
	workspace string
	exec      Executor
	processes *processTable
	logger    zerolog.Logger
}

// New creates the handler set.
func New(deps Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		page:      deps.Page,
		memory:    deps.Memory,
		patterns:  deps.Patterns,
		analyzer:  deps.Analyzer,
		journal:   deps.Journal,
		workspace: deps.Workspace,
		processes: newProcessTable(),
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// RegisterAll registers a handler for every command type. exec runs the nested
// commands of chain, repeat and if.
func (h *Handlers) RegisterAll(reg *queue.Registry, exec Executor) {
	h.exec = exec
	h.logger.Info().Msg("Registering command handlers")

	reg.Register(command.TypeClick, typed(h.click))
	reg.Register(command.TypeType, typed(h.typeText))
	reg.Register(command.TypeNavigation, typed(h.navigate))
	reg.Register(command.TypeWait, typed(h.wait))
	reg.Register(command.TypeScreenshot, typed(h.screenshot))
	reg.Register(command.TypeAnalyze, typed(h.analyze))

	reg.Register(command.TypeMemorySave, typed(h.memorySave))
	reg.Register(command.TypeMemoryRetrieve, typed(h.memoryRetrieve))
	reg.Register(command.TypeLogin, typed(h.login))
	reg.Register(command.TypeAutoLogin, typed(h.autoLogin))
	reg.Register(command.TypePatternLearn, typed(h.patternLearn))
	reg.Register(command.TypePatternRecall, typed(h.patternRecall))

	reg.Register(command.TypeShell, typed(h.shell))
	reg.Register(command.TypeKill, typed(h.kill))
	reg.Register(command.TypeRestart, typed(h.restart))

	reg.Register(command.TypeReadFile, typed(h.readFile))
	reg.Register(command.TypeWriteFile, typed(h.writeFile))
	reg.Register(command.TypeListDir, typed(h.listDir))

	reg.Register(command.TypeSet, typed(h.set))
	reg.Register(command.TypeChain, typed(h.chain))
	reg.Register(command.TypeRepeat, typed(h.repeat))
	reg.Register(command.TypeIf, typed(h.ifThen))
}

// typed adapts a handler taking decoded params to a queue.Handler.
func typed[P any](fn func(context.Context, P) (any, error)) queue.Handler {
	return func(ctx context.Context, cmd command.Command) (any, error) {
		var params P
		if err := command.DecodeParams(cmd, &params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}

var (
	errNoPage   = errors.New("no page attached")
	errNoMemory = errors.New("memory store unavailable")
)

func (h *Handlers) requirePage() error {
	if h.page == nil {
		return errNoPage
	}
	return nil
}

func (h *Handlers) requireMemory() error {
	if h.memory == nil {
		return errNoMemory
	}
	return nil
}
