// Package server exposes the command shell over HTTP and MCP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/aschepis/backscratcher/pilot/queue"
	"github.com/aschepis/backscratcher/pilot/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxBodySize = 10 << 20 // 10MB

// Version is reported by /health and the MCP server.
const Version = "0.1.0"

// Deps are the components the server exposes.
type Deps struct {
	Service  *service.CommandService
	Patterns *pattern.Engine
	Memory   *memory.Store
	Journal  *logger.Journal
	// Registry is optional; it lets /system report which command types are handled.
	Registry *queue.Registry
}

// Config holds server configuration options.
type Config struct {
	Addr   string
	Logger zerolog.Logger
}

// Server is the HTTP API of the shell.
type Server struct {
	deps       Deps
	addr       string
	httpServer *http.Server
	logger     zerolog.Logger
	startedAt  time.Time
}

// New creates a server. Call Start to begin listening.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		addr:      cfg.Addr,
		logger:    cfg.Logger.With().Str("component", "http-server").Logger(),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/system", s.handleSystemInfo)

	r.Post("/commands", s.handleExecute)
	r.Get("/commands/history", s.handleHistory)
	r.Post("/queue", s.handleEnqueue)
	r.Get("/queue", s.handleQueueStatus)

	r.Get("/patterns", s.handleListPatterns)
	r.Get("/patterns/stats", s.handlePatternStats)
	r.Get("/patterns/export", s.handleExportPatterns)
	r.Post("/patterns/import", s.handleImportPatterns)
	r.Get("/patterns/{id}", s.handleGetPattern)
	r.Delete("/patterns/{id}", s.handleDeletePattern)
	r.Post("/patterns/{id}/retrain", s.handleRetrainPattern)

	r.Get("/learning-mode", s.handleGetLearningMode)
	r.Put("/learning-mode", s.handleSetLearningMode)
	r.Post("/learning-mode/cycle", s.handleCycleLearningMode)

	r.Get("/journal", s.handleJournal)
	r.Delete("/journal", s.handleClearJournal)
	r.Get("/memory", s.handleListMemory)
	r.Delete("/memory", s.handleClearMemory)

	return r
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
