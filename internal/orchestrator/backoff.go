package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures how a task is re-attempted after a failure.
type RetryPolicy struct {
	MaxAttempts  int           // Total attempts including the first (default 5)
	BaseDelay    time.Duration // Delay before the first retry (default 1s)
	MaxDelay     time.Duration // Upper bound before jitter (default 60s)
	JitterFactor float64       // delay *= 1 + JitterFactor*rand (default 0.5)

	// Retryable classifies executor failures. Nil treats every error that is
	// not marked Terminal as retryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.5,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if IsTerminal(err) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// backOff returns a backoff.BackOff bounded by MaxAttempts and ctx.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(&jitteredBackOff{policy: p}, uint64(retries)),
		ctx,
	)
}

// jitteredBackOff implements
// delay = min(maxDelay, base*2^attempt) * (1 + jitterFactor*random()).
type jitteredBackOff struct {
	policy  RetryPolicy
	attempt int
	rand    func() float64 // Overridden in tests
}

// Delay returns the delay for a zero-based retry attempt.
func (b *jitteredBackOff) Delay(attempt int) time.Duration {
	base := float64(b.policy.BaseDelay)
	delay := base * math.Pow(2, float64(attempt))
	if ceiling := float64(b.policy.MaxDelay); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	jitter := b.policy.JitterFactor
	if jitter < 0 {
		jitter = 0
	}
	return time.Duration(delay * (1 + jitter*r()))
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *jitteredBackOff) Reset() { b.attempt = 0 }
