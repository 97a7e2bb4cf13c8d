// Package metrics exposes Prometheus collectors for the gateway, the
// orchestrator and the polling cycle.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpilot"

// Metrics holds every collector the daemon reports.
type Metrics struct {
	registry *prometheus.Registry

	llmCalls       *prometheus.CounterVec
	llmDuration    *prometheus.HistogramVec
	llmTokens      *prometheus.CounterVec
	llmCost        *prometheus.CounterVec
	rateLimitWaits *prometheus.CounterVec

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	steps        *prometheus.CounterVec
	findings     *prometheus.CounterVec
	cycles       *prometheus.CounterVec
	cycleItems   *prometheus.CounterVec
	ledgerErrors prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "invocations_total",
			Help:      "Backend invocations by backend and outcome.",
		}, []string{"backend", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "invocation_duration_seconds",
			Help:      "Backend invocation latency.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"backend"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by backend and direction (input or output).",
		}, []string{"backend", "direction"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated spend by complexity tier.",
		}, []string{"tier"}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Time spent waiting on the local per-backend rate limit.",
		}, []string{"backend"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Orchestrator runs by category and outcome.",
		}, []string{"category", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of orchestrator runs.",
			Buckets:   []float64{5, 30, 60, 180, 300, 600, 1200, 1800},
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "steps_total",
			Help:      "Decomposed steps by outcome.",
		}, []string{"outcome"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "findings_total",
			Help:      "Risk findings in model output by severity.",
		}, []string{"severity"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Polling cycles by outcome (completed, skipped, failed).",
		}, []string{"outcome"}),
		cycleItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "items_total",
			Help:      "Tasks and comments handled by kind and action.",
		}, []string{"kind", "action"}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_errors_total",
			Help:      "Failed ledger persists.",
		}),
	}

	m.registry.MustRegister(
		m.llmCalls, m.llmDuration, m.llmTokens, m.llmCost, m.rateLimitWaits,
		m.runs, m.runDuration, m.steps, m.findings,
		m.cycles, m.cycleItems, m.ledgerErrors,
	)
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveInvocation records one backend invocation.
func (m *Metrics) ObserveInvocation(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(backend, outcome).Inc()
	m.llmDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// AddTokens records token usage for a backend.
func (m *Metrics) AddTokens(backend string, input, output int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(backend, "input").Add(float64(input))
	m.llmTokens.WithLabelValues(backend, "output").Add(float64(output))
}

// AddCost records estimated spend for a tier.
func (m *Metrics) AddCost(tier string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.llmCost.WithLabelValues(tier).Add(usd)
}

// AddRateLimitWait records time spent waiting on the local rate limit.
func (m *Metrics) AddRateLimitWait(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(backend).Add(d.Seconds())
}

// ObserveRun records a finished orchestrator run.
func (m *Metrics) ObserveRun(category, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(category, outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// IncStep records a finished decomposed step.
func (m *Metrics) IncStep(outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(outcome).Inc()
}

// AddFindings records validator findings of one severity.
func (m *Metrics) AddFindings(severity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.findings.WithLabelValues(severity).Add(float64(n))
}

// IncCycle records a polling cycle outcome.
func (m *Metrics) IncCycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

// IncItem records a handled task or comment.
func (m *Metrics) IncItem(kind, action string) {
	if m == nil {
		return
	}
	m.cycleItems.WithLabelValues(kind, action).Inc()
}

// IncLedgerError records a failed ledger persist.
func (m *Metrics) IncLedgerError() {
	if m == nil {
		return
	}
	m.ledgerErrors.Inc()
}
