package llm

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls how transient failures are retried.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BackoffBase is the wait before the second attempt.
	BackoffBase time.Duration
	// BackoffMultiplier grows the wait on each further attempt.
	BackoffMultiplier float64
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns 3 attempts with 2s exponential backoff capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff returns the wait after the given failed attempt (1-based), with ±25% jitter.
func (r RetryConfig) backoff(attempt int) time.Duration {
	if r.BackoffBase <= 0 {
		return 0
	}
	mult := r.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(r.BackoffBase) * math.Pow(mult, float64(attempt-1)))
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
