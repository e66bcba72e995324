// Package retry re-runs idempotent operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy controls how often and how far apart an operation is retried.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts counts the first call. Values below 1 mean one call.
	MaximumAttempts int
	// NonRetryable reports errors that must not be retried.
	NonRetryable func(error) bool
}

// DefaultPolicy returns a policy of three attempts backing off from 50ms.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval:    50 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    2 * time.Second,
		MaximumAttempts:    3,
	}
}

func (p *Policy) WithInitialInterval(d time.Duration) *Policy {
	p.InitialInterval = d
	return p
}

func (p *Policy) WithMaximumInterval(d time.Duration) *Policy {
	p.MaximumInterval = d
	return p
}

func (p *Policy) WithMaximumAttempts(n int) *Policy {
	p.MaximumAttempts = n
	return p
}

func (p *Policy) WithNonRetryable(fn func(error) bool) *Policy {
	p.NonRetryable = fn
	return p
}

// ShouldRetry reports whether another call may follow a failed attempt
// (1-based).
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaximumAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.NonRetryable != nil && p.NonRetryable(err) {
		return false
	}
	return true
}

// Do calls fn until it succeeds, the policy gives up, or ctx is done. A nil
// policy calls fn once. The last error is returned.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p == nil || !p.ShouldRetry(attempt, err) {
			if attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}

		timer := time.NewTimer(p.NextRetryDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
