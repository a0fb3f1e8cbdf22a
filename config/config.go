// Package config loads the pilot configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/pilot/analyze"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig locates the SQLite memory database.
type DatabaseConfig struct {
	Path string `yaml:"path,omitempty"` // ":memory:" keeps everything in process
}

// LogConfig controls the root zerolog logger.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // empty logs to stderr
	Pretty bool   `yaml:"pretty,omitempty"` // console writer, only without a file
}

// QueueConfig tunes the command queue.
type QueueConfig struct {
	DelayMS int `yaml:"delay_ms,omitempty"` // pause between queued commands
}

// PatternsConfig tunes the pattern memory engine.
type PatternsConfig struct {
	StabilityThreshold int    `yaml:"stability_threshold,omitempty"`
	FailureThreshold   int    `yaml:"failure_threshold,omitempty"`
	FailureWindow      string `yaml:"failure_window,omitempty"` // Go duration, e.g. "24h"
	LearningMode       string `yaml:"learning_mode,omitempty"`  // disabled, active or autonomous
}

// MaintenanceConfig schedules history purging.
type MaintenanceConfig struct {
	Schedule      string `yaml:"schedule,omitempty"`       // cron expression or duration
	RetentionDays int    `yaml:"retention_days,omitempty"` // 0 keeps history forever
}

// ServerConfig configures `pilot serve`.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr,omitempty"`
	MCPStdio bool   `yaml:"mcp_stdio,omitempty"`
}

// NotificationsConfig controls desktop notifications.
type NotificationsConfig struct {
	Desktop bool `yaml:"desktop,omitempty"`
}

// Config is the complete pilot configuration.
type Config struct {
	Database      DatabaseConfig      `yaml:"database,omitempty"`
	Log           LogConfig           `yaml:"log,omitempty"`
	Workspace     string              `yaml:"workspace,omitempty"` // root for file handlers
	Queue         QueueConfig         `yaml:"queue,omitempty"`
	Patterns      PatternsConfig      `yaml:"patterns,omitempty"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty"`
	Analyze       analyze.Config      `yaml:"analyze,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	defaultPatterns := pattern.DefaultConfig()
	return Config{
		Database:  DatabaseConfig{Path: "~/.pilot/pilot.db"},
		Workspace: "~/.pilot/workspace",
		Queue:     QueueConfig{DelayMS: 100},
		Patterns: PatternsConfig{
			StabilityThreshold: defaultPatterns.StabilityThreshold,
			FailureThreshold:   defaultPatterns.FailureThreshold,
			FailureWindow:      defaultPatterns.FailureWindow.String(),
			LearningMode:       string(defaultPatterns.LearningMode),
		},
		Maintenance: MaintenanceConfig{
			Schedule:      "@hourly",
			RetentionDays: 30,
		},
		Server: ServerConfig{HTTPAddr: "127.0.0.1:7420"},
		Analyze: analyze.Config{
			Providers: []string{analyze.ProviderAnthropic, analyze.ProviderOllama},
			Ollama:    analyze.OllamaConfig{Host: "http://localhost:11434"},
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via PILOT_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("PILOT_CONFIG_PATH"); envPath != "" {
		return ExpandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.pilot/config.yaml"
	}
	return filepath.Join(homeDir, ".pilot", "config.yaml")
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// Load reads the config file at path and merges it over the defaults. A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	expandedPath := ExpandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnv(&cfg)

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Workspace = ExpandPath(cfg.Workspace)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if _, err := cfg.PatternConfig(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	expandedPath := ExpandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Update applies fn to the settings stored in the file at path and writes them
// back. Defaults and environment overrides are not written. A missing file is
// created.
func Update(path string, fn func(*Config)) error {
	expandedPath := ExpandPath(path)

	var fileCfg Config
	data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	fn(&fileCfg)
	return Save(&fileCfg, expandedPath)
}

// PatternConfig converts the patterns section into engine settings.
func (c *Config) PatternConfig() (pattern.Config, error) {
	out := pattern.DefaultConfig()
	if c.Patterns.StabilityThreshold > 0 {
		out.StabilityThreshold = c.Patterns.StabilityThreshold
	}
	if c.Patterns.FailureThreshold > 0 {
		out.FailureThreshold = c.Patterns.FailureThreshold
	}
	if c.Patterns.FailureWindow != "" {
		window, err := time.ParseDuration(c.Patterns.FailureWindow)
		if err != nil || window <= 0 {
			return pattern.Config{}, fmt.Errorf("invalid patterns.failure_window %q", c.Patterns.FailureWindow)
		}
		out.FailureWindow = window
	}
	if c.Patterns.LearningMode != "" {
		mode, err := pattern.ParseLearningMode(c.Patterns.LearningMode)
		if err != nil {
			return pattern.Config{}, fmt.Errorf("invalid patterns.learning_mode: %w", err)
		}
		out.LearningMode = mode
		out.AutoLearn = mode == pattern.ModeAutonomous
	}
	return out, nil
}

// QueueDelay is the pause between queued commands.
func (c *Config) QueueDelay() time.Duration {
	return time.Duration(c.Queue.DelayMS) * time.Millisecond
}

// Retention is how long command history is kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Maintenance.RetentionDays) * 24 * time.Hour
}
