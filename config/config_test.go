package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/taskpilot/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Monitor.PollInterval != 5*time.Minute {
		t.Errorf("expected poll interval 5m, got %s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Workers != 10 {
		t.Errorf("expected 10 workers, got %d", cfg.Monitor.Workers)
	}
	if cfg.Orchestrator.Robust {
		t.Error("expected robust mode off by default")
	}
	if !cfg.Events.Embedded || cfg.Events.Enabled {
		t.Error("expected events disabled with an embedded server when enabled")
	}
	if len(cfg.Reengage.RetryKeywords) == 0 {
		t.Error("expected default retry keywords")
	}
	if !strings.HasSuffix(cfg.Monitor.LedgerPath(), filepath.Join(".taskpilot", "processed_comments.json")) {
		t.Errorf("unexpected ledger path %s", cfg.Monitor.LedgerPath())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Monitor.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Monitor.Workers = 0 },
			wantErr: true,
		},
		{
			name: "no state location",
			modify: func(c *Config) {
				c.Monitor.StateDir = ""
				c.Monitor.LedgerFile = "/tmp/ledger.json"
			},
			wantErr: true,
		},
		{
			name: "explicit state files",
			modify: func(c *Config) {
				c.Monitor.StateDir = ""
				c.Monitor.LedgerFile = "/tmp/ledger.json"
				c.Monitor.LockFile = "/tmp/taskpilot.lock"
			},
			wantErr: false,
		},
		{
			name:    "step timeout above run timeout",
			modify:  func(c *Config) { c.Orchestrator.StepTimeout = time.Hour },
			wantErr: true,
		},
		{
			name:    "unknown complexity",
			modify:  func(c *Config) { c.Orchestrator.Complexity = "extreme" },
			wantErr: true,
		},
		{
			name:    "tier references unknown backend",
			modify:  func(c *Config) { c.LLM.Tiers["simple"].Backends = []string{"nope"} },
			wantErr: true,
		},
		{
			name: "external events without url",
			modify: func(c *Config) {
				c.Events.Enabled = true
				c.Events.Embedded = false
			},
			wantErr: true,
		},
		{
			name: "history without events",
			modify: func(c *Config) {
				c.Events.History = true
			},
			wantErr: true,
		},
		{
			name: "metrics without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
tracker:
  token_env: MY_TOKEN
  projects: ["111", "222"]
monitor:
  poll_interval: 2m
  workers: 4
  allowed_authors: [Dana]
orchestrator:
  robust: true
  run_timeout: 20m
llm:
  tiers:
    simple:
      backends: [claude-haiku]
      timeout: 30s
      max_retries: 1
reengage:
  retry_keywords: [nochmal]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Tracker.TokenEnv != "MY_TOKEN" {
		t.Errorf("expected token env MY_TOKEN, got %s", cfg.Tracker.TokenEnv)
	}
	if cfg.Tracker.MaxRetries != 3 {
		t.Errorf("expected default tracker retries to survive, got %d", cfg.Tracker.MaxRetries)
	}
	if len(cfg.Tracker.Projects) != 2 {
		t.Errorf("expected 2 projects, got %v", cfg.Tracker.Projects)
	}
	if cfg.Monitor.PollInterval != 2*time.Minute || cfg.Monitor.Workers != 4 {
		t.Errorf("monitor overrides not applied: %+v", cfg.Monitor)
	}
	if cfg.Monitor.ErrorBackoff != 30*time.Second {
		t.Errorf("expected default error backoff, got %s", cfg.Monitor.ErrorBackoff)
	}
	if !cfg.Orchestrator.Robust || cfg.Orchestrator.RunTimeout != 20*time.Minute {
		t.Errorf("orchestrator overrides not applied: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.StepTimeout != 10*time.Minute {
		t.Errorf("expected default step timeout, got %s", cfg.Orchestrator.StepTimeout)
	}
	if got := cfg.LLM.Tiers["simple"].Backends; len(got) != 1 || got[0] != "claude-haiku" {
		t.Errorf("expected simple tier override, got %v", got)
	}
	if cfg.LLM.Tiers["complex"] == nil {
		t.Error("expected untouched tiers to survive")
	}
	if len(cfg.Reengage.RetryKeywords) != 1 || len(cfg.Reengage.FollowupKeywords) == 0 {
		t.Errorf("unexpected reengage policy: %+v", cfg.Reengage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config is invalid: %v", err)
	}

	reg, err := cfg.LLM.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tier := reg.Tier(model.Simple); tier.Timeout != 30*time.Second {
		t.Errorf("expected simple tier timeout 30s, got %s", tier.Timeout)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("monitor: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Monitor.AgentName = "Saved Agent"
	cfg.Prompt.Links.Enabled = true

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Monitor.AgentName != "Saved Agent" {
		t.Errorf("expected agent name Saved Agent, got %s", loaded.Monitor.AgentName)
	}
	if !loaded.Prompt.Links.Enabled || loaded.Prompt.Links.MaxLinks != 3 {
		t.Errorf("link config did not round-trip: %+v", loaded.Prompt.Links)
	}
	if loaded.Monitor.PollInterval != 5*time.Minute {
		t.Errorf("durations did not round-trip: %s", loaded.Monitor.PollInterval)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("saved config is invalid: %v", err)
	}
}

func testLoader(t *testing.T, home, cwd string, env map[string]string) *Loader {
	t.Helper()
	l := NewLoader(nil)
	l.homeDir = func() (string, error) { return home, nil }
	l.workDir = func() (string, error) { return cwd, nil }
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoader_Layers(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "home")
	project := filepath.Join(root, "work", "project")
	cwd := filepath.Join(project, "sub", "dir")
	if err := os.MkdirAll(cwd, 0755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
monitor:
  workers: 3
  agent_name: User Agent
log:
  level: debug
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
monitor:
  workers: 5
`)
	explicit := filepath.Join(root, "explicit.yaml")
	writeFile(t, explicit, `
monitor:
  poll_interval: 1m
`)

	l := testLoader(t, home, cwd, map[string]string{
		EnvRobust:   "true",
		EnvLogLevel: "warn",
		EnvNATSURL:  "nats://broker:4222",
		EnvProjects: " 111, ,222 ",
	})
	cfg, err := l.Load(explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Monitor.Workers != 5 {
		t.Errorf("project config should override user config, got %d workers", cfg.Monitor.Workers)
	}
	if cfg.Monitor.AgentName != "User Agent" {
		t.Errorf("user config value lost, got %s", cfg.Monitor.AgentName)
	}
	if cfg.Monitor.PollInterval != time.Minute {
		t.Errorf("explicit config not applied, got %s", cfg.Monitor.PollInterval)
	}
	if !cfg.Orchestrator.Robust {
		t.Error("expected robust from environment")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("environment should override files, got level %s", cfg.Log.Level)
	}
	if !cfg.Events.Enabled || cfg.Events.Embedded || cfg.Events.URL != "nats://broker:4222" {
		t.Errorf("unexpected events config: %+v", cfg.Events)
	}
	if strings.Join(cfg.Tracker.Projects, ",") != "111,222" {
		t.Errorf("unexpected projects %v", cfg.Tracker.Projects)
	}

	paths := l.Paths(explicit)
	if len(paths) != 3 {
		t.Errorf("expected user, project and explicit paths, got %v", paths)
	}
}

func TestLoader_Errors(t *testing.T) {
	root := t.TempDir()

	l := testLoader(t, root, root, nil)
	if _, err := l.Load(filepath.Join(root, "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit file")
	}

	l = testLoader(t, root, root, map[string]string{EnvRobust: "sometimes"})
	if _, err := l.Load(""); err == nil {
		t.Error("expected error for an invalid boolean")
	}

	writeFile(t, filepath.Join(root, ProjectConfigFile), "monitor:\n  workers: 0\n")
	l = testLoader(t, root, root, nil)
	if _, err := l.Load(""); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	l := testLoader(t, home, home, nil)

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := LoadFromFile(path); err != nil {
		t.Errorf("created config does not load: %v", err)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigFile)
	writeFile(t, path, "monitor:\n  workers: 2\n")

	w, err := NewWatcher([]string{path}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.txt"), "x")
	select {
	case <-w.Changes():
		t.Fatal("unexpected change for an unwatched file")
	case <-time.After(100 * time.Millisecond):
	}

	writeFile(t, path, "monitor:\n  workers: 3\n")
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}
