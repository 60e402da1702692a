// Package domain defines retry policies shared by publishers and handlers.
package domain

import (
	"strings"
	"time"
)

// RetryPolicy defines bounded retry behavior. One policy object is shared by
// every publisher instead of re-implementing backoff per call site.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
}

// DefaultPublishRetryPolicy mirrors the broker-facing discipline: up to 7
// attempts with delays doubling from 500ms and capped at 8s.
func DefaultPublishRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  7,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultModelRetryPolicy bounds retries of the generative collaborator
// inside a handler: 3 attempts with linear backoff. Exhaustion is recorded
// as a failed job, never escalated to the DLQ.
func DefaultModelRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.0,
		Jitter:       false,
	}
}

// Delay returns the backoff delay preceding the given attempt (attempt 1 has
// no delay). Deterministic; jitter is applied by the executor, not here.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.InitialDelay
	for i := 2; i < attempt; i++ {
		if p.Multiplier <= 1.0 {
			// Linear policy: grow by the initial delay each attempt.
			d += p.InitialDelay
		} else {
			d = time.Duration(float64(d) * p.Multiplier)
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryableModelError reports whether a generative-call failure is worth
// another attempt. Schema garbage and timeouts are retryable; context
// cancellation is not.
func RetryableModelError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return !strings.Contains(s, "context canceled")
}
