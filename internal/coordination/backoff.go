package coordination

import (
	"math/rand"
	"time"
)

// RetryPolicy shapes retry delays for lock acquisition, cursor commits and
// sink writes.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier int
}

// DefaultRetryPolicy is a safe default when configuration omits a policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       5,
	BaseDelay:         100 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2,
}

// Backoff returns the delay before retry number attempt (0-based) with up
// to 50% random jitter added.
func Backoff(p RetryPolicy, attempt int) time.Duration {
	return backoff(p, attempt, rand.Float64())
}

// backoff is the deterministic core of Backoff: jitter in [0,1) scales the
// extra delay so the schedule is unit-testable without a clock or rand seed.
func backoff(p RetryPolicy, attempt int, jitter float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultRetryPolicy.MaxDelay
	}
	mult := p.BackoffMultiplier
	if mult < 2 {
		mult = 2
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(mult)
		if delay >= max {
			delay = max
			break
		}
	}

	delay += time.Duration(jitter * 0.5 * float64(delay))
	if delay > max {
		delay = max
	}
	return delay
}
