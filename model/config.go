package model

import (
	"fmt"
	"maps"
)

// RegistryConfig is the serialized form of a Registry, embedded in the
// daemon configuration under "llm".
type RegistryConfig struct {
	Tiers    map[string]*TierConfig     `yaml:"tiers" json:"tiers"`
	Backends map[string]*EndpointConfig `yaml:"backends" json:"backends"`
}

// DefaultRegistryConfig returns the built-in tiers and backends.
func DefaultRegistryConfig() RegistryConfig {
	tiers := make(map[string]*TierConfig)
	for c, t := range DefaultTiers() {
		tiers[string(c)] = t
	}
	return RegistryConfig{Tiers: tiers, Backends: DefaultEndpoints()}
}

// Build validates the configuration and returns a Registry.
func (c RegistryConfig) Build() (*Registry, error) {
	tiers := make(map[Complexity]*TierConfig, len(c.Tiers))
	for name, t := range c.Tiers {
		cx := ParseComplexity(name)
		if cx == "" || cx == Auto {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		if t == nil {
			return nil, fmt.Errorf("tier %q is empty", name)
		}
		tiers[cx] = t
	}

	endpoints := maps.Clone(c.Backends)
	for name, ep := range endpoints {
		if ep == nil {
			return nil, fmt.Errorf("backend %q is empty", name)
		}
		if ep.Kind == "" {
			return nil, fmt.Errorf("backend %q has no kind", name)
		}
	}

	r := NewRegistry(tiers, endpoints)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
