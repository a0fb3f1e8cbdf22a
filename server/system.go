package server

import (
	"net/http"
	"os"
	"time"

	"github.com/aschepis/backscratcher/pilot/command"
	"github.com/samber/lo"
)

// commandTypeInfo describes one command type for /system.
type commandTypeInfo struct {
	Type    command.Type `json:"type"`
	Handled bool         `json:"handled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

// handleSystemInfo reports daemon status, the command catalogue and queue state.
func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	handled := map[command.Type]bool{}
	if s.deps.Registry != nil {
		for _, typ := range s.deps.Registry.Types() {
			handled[typ] = true
		}
	}
	types := lo.Map(command.Types(), func(typ command.Type, _ int) commandTypeInfo {
		return commandTypeInfo{Type: typ, Handled: handled[typ]}
	})

	info := map[string]any{
		"version":   Version,
		"status":    "running",
		"pid":       os.Getpid(),
		"startedAt": s.startedAt,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"commands":  types,
	}
	if s.deps.Service != nil {
		info["queue"] = map[string]any{
			"draining": s.deps.Service.Draining(),
			"pending":  len(s.deps.Service.Pending()),
		}
	}
	if s.deps.Patterns != nil {
		info["learningMode"] = s.deps.Patterns.LearningMode()
	}
	writeJSON(w, http.StatusOK, info)
}
