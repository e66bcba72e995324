package retry

import (
	"math"
	"math/rand"
	"time"
)

// NextRetryDelay is the wait after the given failed attempt: exponential in
// the attempt, jittered by +-20%, capped at MaximumInterval.
func (p *Policy) NextRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}

	multiplier := math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff := float64(p.InitialInterval) * multiplier

	jitterFactor := 0.8 + rand.Float64()*0.4
	backoff *= jitterFactor

	if p.MaximumInterval > 0 && backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}
	return time.Duration(backoff)
}
