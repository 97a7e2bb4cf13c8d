package llm

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls the delay between attempts against one backend. The
// delay before retry n is BackoffBase * BackoffMultiplier^n plus up to Jitter
// of random noise, capped at MaxBackoff.
type RetryConfig struct {
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            time.Duration `yaml:"jitter"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// DefaultRetryConfig returns 2^n seconds plus up to one second of jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            time.Second,
		MaxBackoff:        time.Minute,
	}
}

// Backoff returns the delay before retry n (n >= 1).
func (c RetryConfig) Backoff(n int) time.Duration {
	d := time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffMultiplier, float64(n)))
	if c.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.Jitter)))
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
