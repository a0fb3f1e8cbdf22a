package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/memory"
	"github.com/aschepis/backscratcher/pilot/queue"
)

// commandRequest is either {"text": "/type#id{...}"} or a structured command.
type commandRequest struct {
	Text   string         `json:"text"`
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (command.Command, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close() //nolint:errcheck // request body

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return command.Command{}, false
	}

	if strings.TrimSpace(req.Text) != "" {
		cmd, err := s.deps.Service.ParseText(req.Text)
		if err != nil {
			httpError(w, http.StatusBadRequest, "parse_error", "%v", err)
			return command.Command{}, false
		}
		return cmd, true
	}

	if req.Type == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text or type is required")
		return command.Command{}, false
	}
	typ := command.ResolveAlias(strings.ToLower(req.Type))
	if !typ.Valid() {
		httpError(w, http.StatusBadRequest, "parse_error", "unknown command type %q", req.Type)
		return command.Command{}, false
	}
	return command.New(typ, req.ID, req.Params), true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}

	ctx := ctxpkg.WithOrigin(r.Context(), ctxpkg.OriginHTTP)
	result, err := s.deps.Service.ExecuteCommand(ctx, cmd)
	if err != nil {
		var unhandled *queue.UnhandledCommandTypeError
		if errors.As(err, &unhandled) {
			httpError(w, http.StatusNotImplemented, "unhandled_command_type", "%v", err)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"command": command.Redacted(cmd),
			"error": map[string]any{
				"message": err.Error(),
				"type":    "command_error",
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"command": command.Redacted(cmd),
		"result":  result,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	if err := s.deps.Service.QueueCommand(cmd); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			httpError(w, http.StatusServiceUnavailable, "queue_closed", "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command": command.Redacted(cmd),
		"pending": len(s.deps.Service.Pending()),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	pending := s.deps.Service.Pending()
	out := make([]command.Command, len(pending))
	for i, cmd := range pending {
		out[i] = command.Redacted(cmd)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draining": s.deps.Service.Draining(),
		"pending":  out,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	items, err := s.deps.Service.History(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
		return
	}
	if items == nil {
		items = []memory.MemoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
