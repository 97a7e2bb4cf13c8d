package model

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Backend kinds understood by the backend factory.
const (
	KindClaudeCLI = "claude-cli"
	KindGeminiCLI = "gemini-cli"
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindGemini    = "gemini-api"
	KindOllama    = "ollama"
)

// Registry resolves complexity tiers to backend fallback chains.
type Registry struct {
	mu        sync.RWMutex
	tiers     map[Complexity]*TierConfig
	endpoints map[string]*EndpointConfig
	health    *healthState
}

// Cost is the estimated USD price per 1k tokens.
type Cost struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// TierConfig defines the backends and limits for one complexity tier.
type TierConfig struct {
	// Backends lists endpoint names in fallback order.
	Backends []string `yaml:"backends" json:"backends"`

	// Timeout bounds each individual backend invocation.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries is the number of attempts made against each backend.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// CostPer1K is used for spend estimates only.
	CostPer1K Cost `yaml:"cost_per_1k" json:"cost_per_1k"`
}

// EndpointConfig defines one invocable backend.
type EndpointConfig struct {
	// Kind selects the adapter (claude-cli, gemini-cli, anthropic, openai,
	// gemini-api, ollama).
	Kind string `yaml:"kind" json:"kind"`

	// Model is the provider model identifier.
	Model string `yaml:"model" json:"model"`

	// URL is the API base URL for HTTP kinds.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`

	// Binary is the executable name or path for CLI kinds.
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`

	// SearchPaths are glob patterns tried when Binary is not on PATH.
	SearchPaths []string `yaml:"search_paths,omitempty" json:"search_paths,omitempty"`

	// Args are extra CLI arguments.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// UnsetEnv lists environment variables removed before starting a CLI.
	UnsetEnv []string `yaml:"unset_env,omitempty" json:"unset_env,omitempty"`

	// MaxTokens caps response length for HTTP kinds.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// NewRegistry creates a registry from tier and endpoint tables.
func NewRegistry(tiers map[Complexity]*TierConfig, endpoints map[string]*EndpointConfig) *Registry {
	if tiers == nil {
		tiers = make(map[Complexity]*TierConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		tiers:     tiers,
		endpoints: endpoints,
		health:    newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry returns the built-in tier table: Gemini first with
// Claude as fallback, both reached through their CLIs.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultTiers(), DefaultEndpoints())
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[Complexity]*TierConfig {
	return map[Complexity]*TierConfig{
		Simple: {
			Backends:   []string{"gemini-flash", "claude-haiku"},
			Timeout:    60 * time.Second,
			MaxRetries: 2,
			CostPer1K:  Cost{Input: 0.0003, Output: 0.0025},
		},
		Moderate: {
			Backends:   []string{"gemini-pro", "claude-sonnet"},
			Timeout:    3 * time.Minute,
			MaxRetries: 3,
			CostPer1K:  Cost{Input: 0.00125, Output: 0.01},
		},
		Complex: {
			Backends:   []string{"gemini-pro", "claude-sonnet"},
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
			CostPer1K:  Cost{Input: 0.003, Output: 0.015},
		},
	}
}

// DefaultEndpoints returns the built-in endpoint table.
func DefaultEndpoints() map[string]*EndpointConfig {
	geminiPaths := []string{"~/.nvm/versions/node/*/bin/gemini", "/opt/homebrew/bin/gemini", "/usr/local/bin/gemini"}
	claudePaths := []string{"~/.claude/local/claude", "~/.nvm/versions/node/*/bin/claude", "/opt/homebrew/bin/claude", "/usr/local/bin/claude"}

	return map[string]*EndpointConfig{
		"gemini-flash": {
			Kind:        KindGeminiCLI,
			Model:       "gemini-2.5-flash",
			Binary:      "gemini",
			SearchPaths: geminiPaths,
		},
		"gemini-pro": {
			Kind:        KindGeminiCLI,
			Model:       "gemini-2.5-pro",
			Binary:      "gemini",
			SearchPaths: geminiPaths,
		},
		"claude-haiku": {
			Kind:        KindClaudeCLI,
			Model:       "haiku",
			Binary:      "claude",
			SearchPaths: claudePaths,
			UnsetEnv:    []string{"ANTHROPIC_API_KEY"},
		},
		"claude-sonnet": {
			Kind:        KindClaudeCLI,
			Model:       "sonnet",
			Binary:      "claude",
			SearchPaths: claudePaths,
			UnsetEnv:    []string{"ANTHROPIC_API_KEY"},
		},
	}
}

// Tier returns a copy of the tier configuration, or nil if unknown.
func (r *Registry) Tier(c Complexity) *TierConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tiers[c]
	if !ok {
		return nil
	}
	cp := *t
	cp.Backends = slices.Clone(t.Backends)
	return &cp
}

// GetFallbackChain returns the backend names for a tier in order.
func (r *Registry) GetFallbackChain(c Complexity) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tiers[c]; ok {
		return slices.Clone(t.Backends)
	}
	return nil
}

// GetEndpoint returns the endpoint configuration for a backend name, or nil.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetTier updates or adds a tier.
func (r *Registry) SetTier(c Complexity, cfg *TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tiers[c] = cfg
}

// SetEndpoint updates or adds an endpoint.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints[name] = cfg
}

// ListEndpoints returns all endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every concrete tier exists, has at least one backend
// and references only configured endpoints.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range []Complexity{Simple, Moderate, Complex} {
		t, ok := r.tiers[c]
		if !ok {
			return fmt.Errorf("tier %s is not configured", c)
		}
		if len(t.Backends) == 0 {
			return fmt.Errorf("tier %s has no backends", c)
		}
		if t.Timeout <= 0 {
			return fmt.Errorf("tier %s timeout must be positive", c)
		}
		if t.MaxRetries < 1 {
			return fmt.Errorf("tier %s max_retries must be at least 1", c)
		}
		for _, name := range t.Backends {
			if _, ok := r.endpoints[name]; !ok {
				return fmt.Errorf("tier %s references unknown backend %q", c, name)
			}
		}
	}
	return nil
}
