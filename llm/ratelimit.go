package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds calls per backend over a sliding window.
type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// DefaultRateLimitConfig allows 10 calls per backend per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxCalls: 10, Window: time.Minute}
}

// RateLimiter is a sliding-window call counter keyed by backend name.
// Wait blocks until the oldest call in the window has aged out.
type RateLimiter struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	calls map[string][]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter. A non-positive MaxCalls disables limiting.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:   cfg,
		calls: make(map[string][]time.Time),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Wait records a call against backend, blocking first if the window is full.
// It returns how long it waited.
func (l *RateLimiter) Wait(ctx context.Context, backend string) (time.Duration, error) {
	if l == nil || l.cfg.MaxCalls <= 0 || l.cfg.Window <= 0 {
		return 0, nil
	}

	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		recent := l.prune(backend, now)
		if len(recent) < l.cfg.MaxCalls {
			l.calls[backend] = append(recent, now)
			l.mu.Unlock()
			return waited, nil
		}
		delay := recent[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, delay); err != nil {
			return waited, err
		}
		waited += delay
	}
}

// Count returns the number of calls to backend inside the current window.
func (l *RateLimiter) Count(backend string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(backend, l.now()))
}

// prune drops calls older than the window. Caller holds mu.
func (l *RateLimiter) prune(backend string, now time.Time) []time.Time {
	calls := l.calls[backend]
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	calls = calls[i:]
	l.calls[backend] = calls
	return calls
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
