package llm

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultRetryBase is the first-attempt backoff delay.
	DefaultRetryBase = time.Second
	// DefaultMaxAttempts bounds the retry schedule.
	DefaultMaxAttempts = 3
	// maxRetryAfter caps how long a server-provided Retry-After hint is honored.
	maxRetryAfter = 30 * time.Second
	// jitterFraction bounds the uniform jitter applied to each delay.
	jitterFraction = 0.25
)

// RetryPolicy produces the exponential-backoff schedule for the gateway.
// Attempt i (1-based) waits base*2^(i-1) scaled by a uniform ±25% jitter.
type RetryPolicy struct {
	Base        time.Duration
	MaxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy builds a policy, filling zero values with defaults.
func NewRetryPolicy(base time.Duration, maxAttempts int) *RetryPolicy {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryPolicy{
		Base:        base,
		MaxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retrying after attempt (1-based). A positive
// retryAfter hint from the server wins, capped at 30s.
func (p *RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxRetryAfter {
			return maxRetryAfter
		}
		return retryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base << uint(attempt-1)

	p.mu.Lock()
	jitter := (p.rng.Float64()*2 - 1) * jitterFraction
	p.mu.Unlock()

	return time.Duration(float64(base) * (1 + jitter))
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
