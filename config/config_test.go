package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/pilot/pattern"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_ORG_ID",
		"OLLAMA_HOST", "OLLAMA_MODEL",
		"PILOT_DB_PATH", "PILOT_WORKSPACE", "PILOT_CONFIG_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Queue.DelayMS != def.Queue.DelayMS || cfg.Server.HTTPAddr != def.Server.HTTPAddr {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.Maintenance.RetentionDays != 30 {
		t.Errorf("expected 30 day retention, got %d", cfg.Maintenance.RetentionDays)
	}
	pc, err := cfg.PatternConfig()
	if err != nil {
		t.Fatalf("PatternConfig: %v", err)
	}
	if pc != pattern.DefaultConfig() {
		t.Errorf("expected default pattern config, got %+v", pc)
	}
}

func TestLoadMergesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /tmp/pilot-test.db
queue:
  delay_ms: 250
patterns:
  failure_threshold: 3
  failure_window: 1h
  learning_mode: autonomous
server:
  mcp_stdio: true
analyze:
  providers: [openai]
  openai:
    api_key: sk-test
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/pilot-test.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.QueueDelay() != 250*time.Millisecond {
		t.Errorf("queue delay = %v", cfg.QueueDelay())
	}
	if !cfg.Server.MCPStdio || cfg.Server.HTTPAddr != Default().Server.HTTPAddr {
		t.Errorf("server section not merged: %+v", cfg.Server)
	}
	if len(cfg.Analyze.Providers) != 1 || cfg.Analyze.Providers[0] != "openai" || cfg.Analyze.OpenAI.APIKey != "sk-test" {
		t.Errorf("analyze section not merged: %+v", cfg.Analyze)
	}
	if cfg.Analyze.Ollama.Host == "" {
		t.Error("default ollama host lost in merge")
	}

	pc, err := cfg.PatternConfig()
	if err != nil {
		t.Fatalf("PatternConfig: %v", err)
	}
	if pc.FailureThreshold != 3 || pc.FailureWindow != time.Hour || pc.StabilityThreshold != 5 {
		t.Errorf("unexpected pattern config %+v", pc)
	}
	if pc.LearningMode != pattern.ModeAutonomous || !pc.AutoLearn {
		t.Errorf("expected autonomous learning, got %+v", pc)
	}
}

func TestLoadRejectsInvalidPatterns(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"bad mode", "patterns:\n  learning_mode: sometimes\n"},
		{"bad window", "patterns:\n  failure_window: soon\n"},
		{"bad yaml", "patterns: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("PILOT_DB_PATH", ":memory:")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Analyze.OpenAI.APIKey != "sk-env" || cfg.Analyze.Ollama.Host != "http://ollama:11434" {
		t.Errorf("env overrides not applied: %+v", cfg.Analyze)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Database.Path = "/var/lib/pilot.db"
	cfg.Maintenance.RetentionDays = 7
	if err := Save(&cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Database.Path != "/var/lib/pilot.db" || loaded.Retention() != 7*24*time.Hour {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PILOT_CONFIG_PATH", "/etc/pilot.yaml")
	if got := GetConfigPath(); got != "/etc/pilot.yaml" {
		t.Errorf("GetConfigPath = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"~/x/y", filepath.Join(home, "x", "y")},
		{"~", home},
		{"/abs", "/abs"},
		{"rel", "rel"},
		{":memory:", ":memory:"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUpdateWritesOnlyFileSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  delay_ms: 5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Update(path, func(cfg *Config) {
		cfg.Patterns.LearningMode = "disabled"
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "sk-secret") || strings.Contains(content, "http_addr") {
		t.Errorf("defaults or env leaked into file:\n%s", content)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.DelayMS != 5 || cfg.Patterns.LearningMode != "disabled" {
		t.Errorf("unexpected config after update: %+v", cfg)
	}

	missing := filepath.Join(t.TempDir(), "new", "config.yaml")
	if err := Update(missing, func(cfg *Config) { cfg.Workspace = "/tmp/ws" }); err != nil {
		t.Fatalf("Update on missing file: %v", err)
	}
	if _, err := os.Stat(missing); err != nil {
		t.Errorf("expected file to be created: %v", err)
	}
}
