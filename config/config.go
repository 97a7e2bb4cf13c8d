// Package config provides configuration loading and management for Taskpilot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskpilot/events"
	"github.com/c360studio/taskpilot/linkctx"
	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
	"github.com/c360studio/taskpilot/orchestrator"
	"github.com/c360studio/taskpilot/prompt"
	"github.com/c360studio/taskpilot/sandbox"
	"github.com/c360studio/taskpilot/tracker/asana"
)

// Config represents the complete Taskpilot configuration. It is treated as
// immutable once loaded; components copy the values they need.
type Config struct {
	Tracker      TrackerConfig               `yaml:"tracker"`
	Monitor      MonitorConfig               `yaml:"monitor"`
	Orchestrator orchestrator.Config         `yaml:"orchestrator"`
	LLM          LLMConfig                   `yaml:"llm"`
	Prompt       PromptConfig                `yaml:"prompt"`
	Sandbox      SandboxConfig               `yaml:"sandbox"`
	Reengage     orchestrator.ReengagePolicy `yaml:"reengage"`
	Events       events.Config               `yaml:"events"`
	Metrics      MetricsConfig               `yaml:"metrics"`
	Log          LogConfig                   `yaml:"log"`
}

// TrackerConfig configures the project-management service.
type TrackerConfig struct {
	asana.Config `yaml:",inline"`

	// Projects lists the project IDs whose tasks are monitored.
	Projects []string `yaml:"projects"`
}

// MonitorConfig configures the polling daemon.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	// ErrorBackoff is the pause after a cycle fails outright.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// Workers bounds how many tasks are processed concurrently.
	Workers int `yaml:"workers"`

	// StateDir holds the ledger and the lock file unless they are given
	// explicitly.
	StateDir        string        `yaml:"state_dir"`
	LedgerFile      string        `yaml:"ledger_file"`
	LockFile        string        `yaml:"lock_file"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`

	// AgentName is the tracker user the daemon posts as. Its comments are
	// never processed.
	AgentName string `yaml:"agent_name"`

	// AllowedAuthors limits which authors' comments are processed. Empty
	// allows everyone.
	AllowedAuthors []string `yaml:"allowed_authors"`

	Retitle  bool `yaml:"retitle"`
	AITitles bool `yaml:"ai_titles"`
}

// LedgerPath returns the ledger location.
func (m MonitorConfig) LedgerPath() string {
	if m.LedgerFile != "" {
		return ExpandHome(m.LedgerFile)
	}
	return filepath.Join(ExpandHome(m.StateDir), "processed_comments.json")
}

// LockPath returns the lock file location.
func (m MonitorConfig) LockPath() string {
	if m.LockFile != "" {
		return ExpandHome(m.LockFile)
	}
	return filepath.Join(ExpandHome(m.StateDir), "taskpilot.lock")
}

// JetStreamDir is where the embedded server keeps run history.
func (m MonitorConfig) JetStreamDir() string {
	return filepath.Join(ExpandHome(m.StateDir), "jetstream")
}

// LLMConfig configures backends, tiers and the gateway.
type LLMConfig struct {
	model.RegistryConfig `yaml:",inline"`

	Retry     llm.RetryConfig     `yaml:"retry"`
	RateLimit llm.RateLimitConfig `yaml:"rate_limit"`

	// RateLimitCooldown is the robust-mode pause before retrying a
	// rate-limited backend once.
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

// PromptConfig configures prompt assembly.
type PromptConfig struct {
	ToolsDir string     `yaml:"tools_dir"`
	Links    LinkConfig `yaml:"links"`
}

// LinkConfig configures linked-content excerpts.
type LinkConfig struct {
	Enabled        bool `yaml:"enabled"`
	linkctx.Config `yaml:",inline"`
}

// SandboxConfig configures code execution in the robust path.
type SandboxConfig struct {
	Enabled        bool `yaml:"enabled"`
	sandbox.Config `yaml:",inline"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// File, when set, receives a copy of every log line.
	File string `yaml:"file"`
}

// SlogLevel converts Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	tracker := asana.DefaultConfig()
	return &Config{
		Tracker: TrackerConfig{Config: tracker},
		Monitor: MonitorConfig{
			PollInterval:    5 * time.Minute,
			ErrorBackoff:    30 * time.Second,
			Workers:         10,
			StateDir:        "~/.taskpilot",
			LedgerRetention: 30 * 24 * time.Hour,
			AgentName:       "Taskpilot",
			Retitle:         true,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		LLM: LLMConfig{
			RegistryConfig:    model.DefaultRegistryConfig(),
			Retry:             llm.DefaultRetryConfig(),
			RateLimit:         llm.DefaultRateLimitConfig(),
			RateLimitCooldown: 60 * time.Second,
		},
		Prompt: PromptConfig{
			ToolsDir: prompt.DefaultToolsDir,
			Links:    LinkConfig{Config: linkctx.DefaultConfig()},
		},
		Sandbox:  SandboxConfig{Config: sandbox.DefaultConfig()},
		Reengage: orchestrator.DefaultReengagePolicy(),
		Events: events.Config{
			Embedded:      true,
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Log:     LogConfig{Level: "info"},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("monitor.workers must be at least 1")
	}
	if c.Monitor.StateDir == "" && (c.Monitor.LedgerFile == "" || c.Monitor.LockFile == "") {
		return fmt.Errorf("monitor.state_dir is required unless ledger_file and lock_file are set")
	}
	if c.Orchestrator.RunTimeout <= 0 || c.Orchestrator.StepTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}
	if c.Orchestrator.StepTimeout > c.Orchestrator.RunTimeout {
		return fmt.Errorf("orchestrator.step_timeout (%s) exceeds run_timeout (%s)",
			c.Orchestrator.StepTimeout, c.Orchestrator.RunTimeout)
	}
	if c.Orchestrator.MaxTurns < 1 {
		return fmt.Errorf("orchestrator.max_turns must be at least 1")
	}
	if !c.Orchestrator.Complexity.IsValid() {
		return fmt.Errorf("orchestrator.complexity %q is not a known tier", c.Orchestrator.Complexity)
	}
	if _, err := c.LLM.Build(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if c.Events.Enabled && !c.Events.Embedded && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled without an embedded server")
	}
	if c.Events.History && !c.Events.Enabled {
		return fmt.Errorf("events.history requires events.enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.overlay(path); err != nil {
		return nil, err
	}
	return config, nil
}

// overlay decodes the file at path onto c. Keys absent from the file keep
// their current values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
