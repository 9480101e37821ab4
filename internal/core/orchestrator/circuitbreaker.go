// Circuit breakers wrap external-service calls made by orchestrator job
// handlers (scan store, blob store), one breaker per service name (§4.G).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ste-bah/rollup-engine/domain/execution"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
)

// CircuitBreakerConfig mirrors §6's circuitBreaker configuration block.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	FailureWindow    time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second, FailureWindow: 60 * time.Second}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	return c
}

// circuitBreaker is a single named service's breaker.
type circuitBreaker struct {
	mu               sync.Mutex
	config           CircuitBreakerConfig
	state            execution.CircuitState
	failureTimestamps []time.Time
	successes        int
	openedAt         time.Time
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{config: cfg.normalized(), state: execution.CircuitClosed}
}

// Execute runs fn, tripping the breaker per §4.G's state machine. fallback
// is invoked (if non-nil) when the circuit is open instead of calling fn.
func (cb *circuitBreaker) Execute(ctx context.Context, service string, fn func(context.Context) error, fallback func(context.Context) error) error {
	if err := cb.beforeCall(service); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}
	err := fn(ctx)
	cb.afterCall(err == nil)
	return err
}

func (cb *circuitBreaker) beforeCall(service string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case execution.CircuitOpen:
		elapsed := time.Since(cb.openedAt)
		if elapsed >= cb.config.ResetTimeout {
			cb.transition(execution.CircuitHalfOpen)
			return nil
		}
		retryAfter := (cb.config.ResetTimeout - elapsed).Milliseconds()
		return svcerrors.NewCircuitOpen(service, retryAfter)
	default:
		return nil
	}
}

func (cb *circuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *circuitBreaker) onSuccess() {
	switch cb.state {
	case execution.CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(execution.CircuitClosed)
		}
	case execution.CircuitClosed:
		cb.failureTimestamps = nil
	}
}

func (cb *circuitBreaker) onFailure() {
	now := time.Now()
	switch cb.state {
	case execution.CircuitHalfOpen:
		cb.transition(execution.CircuitOpen)
	case execution.CircuitClosed:
		cb.failureTimestamps = append(prune(cb.failureTimestamps, now, cb.config.FailureWindow), now)
		if len(cb.failureTimestamps) >= cb.config.FailureThreshold {
			cb.transition(execution.CircuitOpen)
		}
	}
}

func prune(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	out := timestamps[:0]
	for _, t := range timestamps {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

func (cb *circuitBreaker) transition(next execution.CircuitState) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.failureTimestamps = nil
	cb.successes = 0
	if next == execution.CircuitOpen {
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) State() execution.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerRegistry owns one circuitBreaker per external service name.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*circuitBreaker
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{config: cfg.normalized(), breakers: make(map[string]*circuitBreaker)}
}

func (r *CircuitBreakerRegistry) get(service string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[service]
	if !ok {
		cb = newCircuitBreaker(r.config)
		r.breakers[service] = cb
	}
	return cb
}

func (r *CircuitBreakerRegistry) Execute(ctx context.Context, service string, fn func(context.Context) error, fallback func(context.Context) error) error {
	return r.get(service).Execute(ctx, service, fn, fallback)
}

func (r *CircuitBreakerRegistry) State(service string) execution.CircuitState {
	return r.get(service).State()
}
