package model

import (
	"sync"
	"time"
)

// BackendHealth is a snapshot of one backend's circuit breaker.
type BackendHealth struct {
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects calls before a
	// trial call is allowed.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the circuit breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Minute,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*BackendHealth
	now      func() time.Time
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*BackendHealth),
		now:      time.Now,
	}
}

func (h *healthState) status(name string) *BackendHealth {
	s, ok := h.statuses[name]
	if !ok {
		s = &BackendHealth{}
		h.statuses[name] = s
	}
	return s
}

// MarkBackendSuccess closes the backend's circuit.
func (r *Registry) MarkBackendSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastSuccess = h.now()
	s.FailureCount = 0
	s.CircuitOpen = false
}

// MarkBackendFailure records a failed call and opens the circuit once the
// failure threshold is reached.
func (r *Registry) MarkBackendFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastFailure = h.now()
	s.FailureCount++
	if s.FailureCount >= h.config.FailureThreshold && !s.CircuitOpen {
		s.CircuitOpen = true
		s.CircuitOpenedAt = h.now()
	}
}

// IsBackendAvailable reports whether calls may be sent to the backend. An
// open circuit allows a trial call once the recovery timeout has passed.
func (r *Registry) IsBackendAvailable(name string) bool {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok || !s.CircuitOpen {
		return true
	}
	return h.now().Sub(s.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// BackendHealth returns a copy of the backend's health, or nil if it has
// never been called.
func (r *Registry) BackendHealth(name string) *BackendHealth {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// GetAvailableFallbackChain returns the tier's chain without backends whose
// circuit is open. If every backend is open the full chain is returned.
func (r *Registry) GetAvailableFallbackChain(c Complexity) []string {
	chain := r.GetFallbackChain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsBackendAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig replaces the circuit breaker configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	r.health.config = cfg
}

// ResetBackendHealth forgets the backend's health history.
func (r *Registry) ResetBackendHealth(name string) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	delete(r.health.statuses, name)
}
