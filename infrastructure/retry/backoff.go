// Package retry computes exponential backoff with jitter, shared by the
// Execution Orchestrator's job retry policy and the Event Bus Adapter's
// publish retries (§4.G, §6).
package retry

import (
	"math/rand"
	"time"
)

// Policy mirrors the executionRetryPolicy / externalRetryPolicy config
// objects from §6.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction in [0,1)
}

// DefaultPolicy matches the default policy spelled out in §4.G.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.1}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay computes baseDelay * multiplier^(attempt-1), capped at maxDelay, with
// ±jitterFactor random jitter, matching §4.G's retry policy exactly.
// attempt is 1-indexed (the first retry is attempt 1).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * ipow(p.Multiplier, attempt-1)
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be scheduled given the
// attempt count already made.
func (p Policy) ShouldRetry(attemptsMade int) bool {
	return attemptsMade < p.normalized().MaxAttempts
}

func ipow(base float64, exp int) float64 {
	result := 1.0
	for exp > 0 {
		if exp%2 == 1 {
			result *= base
		}
		base *= base
		exp /= 2
	}
	return result
}
