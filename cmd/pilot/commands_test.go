package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cliEnv struct {
	dir    string
	config string
	db     string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PILOT_WORKSPACE", filepath.Join(dir, "workspace"))
	t.Setenv("PILOT_DB_PATH", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	return &cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		db:     filepath.Join(dir, "pilot.db"),
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", e.config, "--db", e.db, "--quiet", "--url", "https://example.com"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestParseCmd(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "parse", `/click#c1{"selector":"#login"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var cmd struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(out), &cmd); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if cmd.ID != "c1" || cmd.Type != "click" || cmd.Params["selector"] != "#login" {
		t.Errorf("unexpected command %+v", cmd)
	}

	out, err = env.run(t, "parse", `/login#l1{"service":"x","password":"hunter2"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("password printed: %s", out)
	}

	if _, err := env.run(t, "parse", "/click#c1{oops"); err == nil {
		t.Error("expected parse error")
	}
}

func TestExecCmd(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "exec", `/screenshot#s1{}`, `/navigate#n1{"url":"https://example.com/next"}`)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	var results []execResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if s, ok := results[0].Result.(string); !ok || !strings.HasPrefix(s, "data:image/png;base64,") {
		t.Errorf("expected screenshot data url, got %v", results[0].Result)
	}
	if results[1].Error != "" {
		t.Errorf("navigate failed: %s", results[1].Error)
	}

	out, err = env.run(t, "exec", `/click#c1{"selector":"#missing"}`)
	if err == nil || !strings.Contains(err.Error(), "1 of 1 commands failed") {
		t.Fatalf("expected failure summary, got %v", err)
	}
	if !strings.Contains(out, "#missing") {
		t.Errorf("expected per-command error in output, got %s", out)
	}
}

func TestExecQueuedCmd(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "exec", "--queue", `/wait#w1{"ms":1}`, `not a command`, `/wait#w2{"ms":1}`)
	if err == nil {
		t.Fatal("expected failure for the invalid command")
	}
	var results []execResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != "" || results[2].Error != "" {
		t.Errorf("wait commands failed: %+v", results)
	}
	if results[1].Error == "" {
		t.Error("expected parse error for the middle command")
	}
	if results[0].Result == nil {
		t.Error("expected result for queued wait")
	}
}

func TestMemoryCmds(t *testing.T) {
	env := setupCLI(t)

	if _, err := env.run(t, "exec", `/memory_save#m1{"data":{"note":"remember me"},"tags":["cli"]}`); err != nil {
		t.Fatalf("exec: %v", err)
	}

	out, err := env.run(t, "memory", "list", "--type", "user_annotation", "--json")
	if err != nil {
		t.Fatalf("memory list: %v", err)
	}
	var items []struct {
		ID   string         `json:"id"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(items) != 1 || items[0].Data["note"] != "remember me" {
		t.Fatalf("unexpected items %+v", items)
	}

	out, err = env.run(t, "memory", "list", "--type", "command")
	if err != nil || !strings.Contains(out, "command") {
		t.Errorf("expected command history in table, got %q (%v)", out, err)
	}

	if _, err := env.run(t, "memory", "rm", items[0].ID); err != nil {
		t.Fatalf("memory rm: %v", err)
	}
	if _, err := env.run(t, "memory", "rm", items[0].ID); err == nil {
		t.Error("expected error removing a missing item")
	}

	out, err = env.run(t, "memory", "clear", "--type", "command", "--type", "result")
	if err != nil || !strings.HasPrefix(out, "Removed ") {
		t.Errorf("memory clear: %q (%v)", out, err)
	}

	if _, err := env.run(t, "memory", "clear"); err == nil {
		t.Error("expected error without --type or --all")
	}
	if _, err := env.run(t, "memory", "list", "--type", "bogus"); err == nil {
		t.Error("expected error for invalid type")
	}
}

func TestPatternsCmds(t *testing.T) {
	env := setupCLI(t)

	if _, err := env.run(t, "exec", `/pattern_learn#p1{"selector":"#login","url":"https://example.com"}`); err != nil {
		t.Fatalf("exec: %v", err)
	}

	out, err := env.run(t, "patterns", "list")
	if err != nil || !strings.Contains(out, "#login") {
		t.Fatalf("patterns list: %q (%v)", out, err)
	}

	out, err = env.run(t, "patterns", "stats")
	if err != nil {
		t.Fatalf("patterns stats: %v", err)
	}
	if !strings.Contains(out, `"total": 1`) {
		t.Errorf("unexpected stats %s", out)
	}

	exportPath := filepath.Join(env.dir, "patterns.json")
	if _, err := env.run(t, "patterns", "export", "-o", exportPath); err != nil {
		t.Fatalf("patterns export: %v", err)
	}
	if _, err := os.Stat(exportPath); err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	out, err = env.run(t, "patterns", "import", exportPath)
	if err != nil || !strings.Contains(out, "Imported 1 patterns") {
		t.Errorf("patterns import: %q (%v)", out, err)
	}

	if _, err := env.run(t, "patterns", "retrain"); err == nil {
		t.Error("expected error without ids")
	}
	if _, err := env.run(t, "patterns", "retrain", "--unstable"); err != nil {
		t.Errorf("retrain --unstable with none unstable: %v", err)
	}
}

func TestPatternsModeCmd(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "patterns", "mode")
	if err != nil || strings.TrimSpace(out) != "active" {
		t.Fatalf("expected active, got %q (%v)", out, err)
	}

	if _, err := env.run(t, "patterns", "mode", "disabled"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	out, _ = env.run(t, "patterns", "mode")
	if strings.TrimSpace(out) != "disabled" {
		t.Errorf("mode not persisted, got %q", out)
	}

	out, err = env.run(t, "patterns", "mode", "cycle")
	if err != nil || !strings.Contains(out, "active") {
		t.Errorf("cycle: %q (%v)", out, err)
	}

	if _, err := env.run(t, "patterns", "mode", "sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
