package server

import (
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/samber/lo"
)

// handleListMemory returns memory items filtered by ?type=, ?tag= (repeatable or
// comma separated), ?search= and ?limit=. Credentials are redacted.
func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "memory store not configured")
		return
	}
	q := r.URL.Query()
	typ := memory.Type(q.Get("type"))
	if typ != "" && !typ.Valid() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid memory type: %q", typ)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	items, err := s.deps.Memory.Query(r.Context(), memory.Query{
		Type:   typ,
		Tags:   splitTags(q["tag"]),
		Search: q.Get("search"),
		Limit:  limit,
		Newest: true,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to query memory: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": lo.Map(items, func(item memory.MemoryItem, _ int) memory.MemoryItem { return item.Redacted() }),
		"count": len(items),
	})
}

// handleClearMemory deletes items of ?type= (repeatable), or everything.
func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "memory store not configured")
		return
	}
	var types []memory.Type
	for _, raw := range splitTags(r.URL.Query()["type"]) {
		typ := memory.Type(raw)
		if !typ.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid memory type: %q", raw)
			return
		}
		types = append(types, typ)
	}
	removed, err := s.deps.Memory.Clear(r.Context(), types...)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to clear memory: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logger.Entry{}})
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	entries := s.deps.Journal.Entries(limit)
	if typ := r.URL.Query().Get("type"); typ != "" {
		entries = lo.Filter(entries, func(e logger.Entry, _ int) bool { return string(e.Type) == typ })
	}
	if entries == nil {
		entries = []logger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearJournal(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Journal != nil {
		s.deps.Journal.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitTags(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
