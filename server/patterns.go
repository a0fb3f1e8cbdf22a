package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

func (s *Server) patternsAvailable(w http.ResponseWriter) bool {
	if s.deps.Patterns == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "pattern engine not configured")
		return false
	}
	return true
}

func (s *Server) patternError(w http.ResponseWriter, err error) {
	if errors.Is(err, pattern.ErrPatternNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

// handleListPatterns lists patterns, optionally filtered by ?url= and ?status=.
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	var (
		patterns []pattern.UIPattern
		err      error
	)
	if url := r.URL.Query().Get("url"); url != "" {
		patterns, err = s.deps.Patterns.FindPatternsByURL(r.Context(), url)
	} else {
		patterns, err = s.deps.Patterns.GetAllPatterns(r.Context())
	}
	if err != nil {
		s.patternError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		patterns = lo.Filter(patterns, func(p pattern.UIPattern, _ int) bool { return string(p.Status) == status })
	}
	if patterns == nil {
		patterns = []pattern.UIPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handlePatternStats(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	stats, err := s.deps.Patterns.GetStats(r.Context())
	if err != nil {
		s.patternError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"learningMode": s.deps.Patterns.LearningMode(),
	})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	p, err := s.deps.Patterns.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.patternError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	if err := s.deps.Patterns.DeletePattern(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.patternError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetrainPattern(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	p, err := s.deps.Patterns.RetrainPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.patternError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExportPatterns(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	data, err := s.deps.Patterns.ExportPatterns(r.Context())
	if err != nil {
		s.patternError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="patterns.json"`)
	_, _ = w.Write(data) //nolint:errcheck // client went away
}

func (s *Server) handleImportPatterns(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body: %v", err)
		return
	}
	n, err := s.deps.Patterns.ImportPatterns(r.Context(), body)
	if err != nil {
		if n == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "api_error", "imported %d patterns before failing: %v", n, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": n})
}

func (s *Server) handleGetLearningMode(w http.ResponseWriter, _ *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": s.deps.Patterns.LearningMode()})
}

func (s *Server) handleSetLearningMode(w http.ResponseWriter, r *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	mode, err := pattern.ParseLearningMode(req.Mode)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if err := s.deps.Patterns.SetLearningMode(mode); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *Server) handleCycleLearningMode(w http.ResponseWriter, _ *http.Request) {
	if !s.patternsAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": s.deps.Patterns.CycleLearningMode()})
}
