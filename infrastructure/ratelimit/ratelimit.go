// Package ratelimit throttles background work against external
// dependencies. The rollup cache's warming processor (§4.H) is the one
// caller today: it must not flood the L2 store with concurrent Set calls
// when draining its priority queue.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 200}
}

type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow()
}

func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a warming-queue slot is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()
	return limiter.Wait(ctx)
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
}

// priorityMultiplier scales the configured rate by warming-queue priority in
// proportion to the warming weights high=10, normal=5, low=1 (§4.H),
// normalized so "normal" runs at the configured rate.
var priorityMultiplier = map[string]float64{
	"high":   2.0,
	"normal": 1.0,
	"low":    0.2,
}

// ForPriority returns a RateLimiter scaled for the named warming-queue
// priority band, sharing the base config's burst.
func ForPriority(cfg Config, priority string) *RateLimiter {
	mult, ok := priorityMultiplier[priority]
	if !ok {
		mult = 1.0
	}
	scaled := cfg
	scaled.RequestsPerSecond = cfg.RequestsPerSecond * mult
	return New(scaled)
}
