// Package llm routes prompts to LLM backends by complexity tier.
//
// The Gateway walks a tier's fallback chain in order. Each backend gets a
// bounded number of attempts with exponential backoff, a hard per-invocation
// timeout and a sliding-window call budget. Timeouts, rate limits and fatal
// errors move straight to the next backend; transient and invalid responses
// are retried in place. A call never panics or returns a Go error: failures
// come back as a Result with Success false.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskpilot/metrics"
	"github.com/c360studio/taskpilot/model"
)

// Result is the outcome of one Gateway.Call.
type Result struct {
	RequestID  string           `json:"request_id"`
	Success    bool             `json:"success"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorClass string           `json:"error_class,omitempty"`
	Backend    string           `json:"backend,omitempty"`
	Model      string           `json:"model,omitempty"`
	Complexity model.Complexity `json:"complexity"`
	Usage      TokenUsage       `json:"usage"`
	Cost       float64          `json:"cost"`
	Confidence float64          `json:"confidence"`

	// Attempts counts every invocation made, successful or not.
	Attempts int `json:"attempts"`

	// FailedAttempts counts invocations that did not produce the result.
	FailedAttempts int `json:"failed_attempts"`

	// AttemptedBackends lists each backend in the tier that the call
	// reached, in order, once per backend. Backends passed over with an open
	// circuit are included.
	AttemptedBackends []string `json:"attempted_backends"`

	// SkippedBackends lists the backends passed over because their circuit
	// was open.
	SkippedBackends []string `json:"skipped_backends,omitempty"`

	Duration time.Duration `json:"duration"`

	// Err is the final error for failed results.
	Err error `json:"-"`
}

// Gateway routes prompts through the registry's tiers.
type Gateway struct {
	registry *model.Registry
	backends map[string]Backend

	retry             RetryConfig
	limiter           *RateLimiter
	rateLimitCooldown time.Duration

	metrics  *metrics.Metrics
	recorder CallRecorder
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRetryConfig sets the backoff schedule.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(g *Gateway) {
		g.retry = cfg
	}
}

// WithRateLimit replaces the per-backend sliding window.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(g *Gateway) {
		g.limiter = NewRateLimiter(cfg)
	}
}

// WithRateLimitCooldown enables one retry against the same backend after a
// rate-limit error, following a fixed pause. Zero disables it.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(g *Gateway) {
		g.rateLimitCooldown = d
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithCallRecorder sets where per-invocation records are sent.
func WithCallRecorder(r CallRecorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// NewGateway creates a gateway over backends keyed by endpoint name.
func NewGateway(registry *model.Registry, backends map[string]Backend, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		backends: backends,
		retry:    DefaultRetryConfig(),
		limiter:  NewRateLimiter(DefaultRateLimitConfig()),
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the registry the gateway routes through.
func (g *Gateway) Registry() *model.Registry {
	return g.registry
}

// Call sends prompt to the tier for complexity, falling back through the
// tier's backends until one returns an acceptable response.
func (g *Gateway) Call(ctx context.Context, prompt string, complexity model.Complexity) (result *Result) {
	started := time.Now()
	result = &Result{
		RequestID:  uuid.New().String(),
		Complexity: resolveComplexity(prompt, complexity),
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("LLM gateway panic", "request_id", result.RequestID, "panic", r)
			result.fail(fmt.Errorf("gateway panic: %v", r))
		}
		result.Duration = time.Since(started)
	}()

	tier := g.registry.Tier(result.Complexity)
	chain := g.registry.GetFallbackChain(result.Complexity)
	if tier == nil || len(chain) == 0 {
		result.fail(fmt.Errorf("tier %s: %w", result.Complexity, ErrNoBackends))
		return result
	}

	g.logger.Info("LLM call", "request_id", result.RequestID,
		"complexity", result.Complexity, "chain", chain)

	available := make(map[string]bool, len(chain))
	for _, name := range g.registry.GetAvailableFallbackChain(result.Complexity) {
		available[name] = true
	}

	var lastErr error
	for _, name := range chain {
		result.AttemptedBackends = append(result.AttemptedBackends, name)
		if !available[name] {
			result.SkippedBackends = append(result.SkippedBackends, name)
			g.logger.Debug("Circuit open, skipping backend",
				"request_id", result.RequestID, "backend", name)
			continue
		}

		out, err := g.tryBackend(ctx, name, prompt, tier, result)
		if err == nil {
			g.accept(result, name, prompt, out, tier)
			return result
		}
		lastErr = err

		g.logger.Warn("Backend failed, trying fallback",
			"request_id", result.RequestID,
			"backend", name,
			"class", ErrorClass(err),
			"error", err)

		if ctx.Err() != nil {
			break
		}
	}

	g.logger.Error("All LLM backends failed",
		"request_id", result.RequestID,
		"attempted", result.AttemptedBackends,
		"error", lastErr)
	result.fail(lastErr)
	return result
}

// tryBackend runs the retry loop for one backend and returns its accepted
// output or the last error.
func (g *Gateway) tryBackend(ctx context.Context, name, prompt string, tier *model.TierConfig, result *Result) (*Output, error) {
	backend := g.backends[name]
	ep := g.registry.GetEndpoint(name)
	if backend == nil || ep == nil {
		result.FailedAttempts++
		return nil, NewFatalError(fmt.Errorf("backend %q is not configured", name))
	}

	attempts := max(tier.MaxRetries, 1)
	cooledDown := false
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := g.retry.Backoff(attempt)
			g.logger.Debug("Retrying backend", "backend", name, "attempt", attempt, "backoff", delay)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		out, err := g.attempt(ctx, name, ep, prompt, tier.Timeout, result)
		if err == nil {
			g.registry.MarkBackendSuccess(name)
			return out, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return nil, err
		case errors.Is(err, ErrTimeout):
			g.registry.MarkBackendFailure(name)
			return nil, err
		case IsRateLimited(err):
			if g.rateLimitCooldown <= 0 || cooledDown {
				return nil, err
			}
			cooledDown = true
			g.logger.Warn("Backend rate limited, cooling down before one retry",
				"backend", name, "cooldown", g.rateLimitCooldown)
			g.metrics.AddRateLimitWait(name, g.rateLimitCooldown)
			if err := g.sleep(ctx, g.rateLimitCooldown); err != nil {
				return nil, err
			}
			out, err := g.attempt(ctx, name, ep, prompt, tier.Timeout, result)
			if err == nil {
				g.registry.MarkBackendSuccess(name)
				return out, nil
			}
			return nil, err
		case IsFatal(err):
			return nil, err
		}
	}

	g.registry.MarkBackendFailure(name)
	return nil, lastErr
}

// attempt makes a single rate-limited, time-bounded, validated invocation.
func (g *Gateway) attempt(ctx context.Context, name string, ep *model.EndpointConfig, prompt string, timeout time.Duration, result *Result) (*Output, error) {
	waited, err := g.limiter.Wait(ctx, name)
	if waited > 0 {
		g.logger.Warn("Rate limit window full, waited", "backend", name, "wait", waited)
		g.metrics.AddRateLimitWait(name, waited)
	}
	if err != nil {
		return nil, err
	}

	result.Attempts++
	started := time.Now()
	out, err := g.invoke(ctx, g.backends[name], ep.Model, prompt, timeout)
	if err == nil {
		err = validateRaw(out)
	}
	elapsed := time.Since(started)

	outcome := "success"
	if err != nil {
		outcome = ErrorClass(err)
		result.FailedAttempts++
	}
	g.metrics.ObserveInvocation(name, outcome, elapsed)
	g.record(ctx, &CallRecord{
		RequestID:  result.RequestID,
		Backend:    name,
		Model:      ep.Model,
		Complexity: result.Complexity,
		Attempt:    result.Attempts,
		Outcome:    outcome,
		StartedAt:  started,
		Duration:   elapsed,
		Usage:      usageOf(out),
		Error:      errString(err),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invoke calls the backend under a hard deadline. A backend that ignores
// cancellation is abandoned once the deadline passes.
func (g *Gateway) invoke(ctx context.Context, b Backend, modelName, prompt string, timeout time.Duration) (*Output, error) {
	if timeout <= 0 {
		return b.Invoke(ctx, modelName, prompt)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out *Output
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		out, err := b.Invoke(callCtx, modelName, prompt)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("after %s: %w", timeout, ErrTimeout)
		}
		return r.out, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("after %s: %w", timeout, ErrTimeout)
	}
}

func (g *Gateway) accept(result *Result, name, prompt string, out *Output, tier *model.TierConfig) {
	usage := out.Usage
	if usage.Total() == 0 {
		usage = TokenUsage{Input: EstimateTokens(prompt), Output: EstimateTokens(out.Text)}
	}
	cost := float64(usage.Input)/1000*tier.CostPer1K.Input +
		float64(usage.Output)/1000*tier.CostPer1K.Output

	result.Success = true
	result.Output = out.Text
	result.Backend = name
	result.Model = out.Model
	if result.Model == "" {
		if ep := g.registry.GetEndpoint(name); ep != nil {
			result.Model = ep.Model
		}
	}
	result.Usage = usage
	result.Cost = cost
	result.Confidence = Confidence(out.Text, result.FailedAttempts)

	g.metrics.AddTokens(name, usage.Input, usage.Output)
	g.metrics.AddCost(string(result.Complexity), cost)

	g.logger.Info("LLM call succeeded",
		"request_id", result.RequestID,
		"backend", name,
		"attempts", result.Attempts,
		"tokens", usage.Total(),
		"cost", fmt.Sprintf("$%.4f", cost))
}

func (g *Gateway) record(ctx context.Context, rec *CallRecord) {
	if g.recorder == nil {
		return
	}
	rec.ID = uuid.New().String()
	if rc, ok := RunContextFrom(ctx); ok {
		rec.RunID = rc.RunID
		rec.TaskID = rc.TaskID
		rec.Step = rc.Step
	}
	g.recorder.RecordCall(ctx, rec)
}

func (r *Result) fail(err error) {
	if err == nil {
		err = ErrNoBackends
	}
	r.Success = false
	r.Output = ""
	r.Err = err
	r.Error = err.Error()
	r.ErrorClass = ErrorClass(err)
}

// validateRaw rejects empty output and output with an unterminated code fence.
func validateRaw(out *Output) error {
	if out == nil || strings.TrimSpace(out.Text) == "" {
		return NewTransientError(fmt.Errorf("empty output: %w", ErrInvalidResponse))
	}
	if strings.Count(out.Text, "```")%2 != 0 {
		return NewTransientError(fmt.Errorf("unclosed code fence: %w", ErrInvalidResponse))
	}
	return nil
}

// Confidence scores an accepted response. Each failed attempt before it costs
// 0.1, error vocabulary in the output costs 0.2 and well-formed fences add
// 0.05. The floor is 0.1.
func Confidence(output string, failedAttempts int) float64 {
	c := 0.95 - 0.1*float64(failedAttempts)
	if strings.Contains(output, "error") || strings.Contains(output, "failed") {
		c -= 0.2
	}
	if strings.Contains(output, "```") && !strings.Contains(output, "```\n```") {
		c += 0.05
	}
	return min(max(c, 0.1), 1.0)
}

func usageOf(out *Output) TokenUsage {
	if out == nil {
		return TokenUsage{}
	}
	return out.Usage
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
