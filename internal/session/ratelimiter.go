// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"
)

// RateLimiter is a per-consumer token bucket throttling inbound frames
// (spec.md §4.11).
type RateLimiter struct {
	capacity         float64
	refillInterval   time.Duration
	tokensPerInterval float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiterConfig holds a bucket's tunables.
type RateLimiterConfig struct {
	Capacity          float64
	RefillInterval    time.Duration
	TokensPerInterval float64
}

// DefaultRateLimiterConfig matches a generous interactive-typing budget: 20
// burst, refilling 10 tokens/second.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{Capacity: 20, RefillInterval: time.Second, TokensPerInterval: 10}
}

// NewRateLimiter constructs a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Capacity <= 0 {
		cfg = DefaultRateLimiterConfig()
	}
	return &RateLimiter{
		capacity:          cfg.Capacity,
		refillInterval:    cfg.RefillInterval,
		tokensPerInterval: cfg.TokensPerInterval,
		tokens:            cfg.Capacity,
		lastRefill:        time.Now(),
	}
}

// refillLocked computes elapsed-since-last-refill and adds
// elapsed/refillIntervalMs * tokensPerInterval, clamped to capacity.
func (r *RateLimiter) refillLocked(now time.Time) {
	if r.refillInterval <= 0 {
		return
	}
	elapsed := now.Sub(r.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := elapsed.Seconds() / r.refillInterval.Seconds() * r.tokensPerInterval
	r.tokens += add
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

// TryConsume refills, then atomically subtracts n if available. Returns
// false (no mutation) if fewer than n tokens are available (spec.md §8
// invariant 7).
func (r *RateLimiter) TryConsume(n float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(time.Now())
	if r.tokens < n {
		return false
	}
	r.tokens -= n
	return true
}

// Reset restores the bucket to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = r.capacity
	r.lastRefill = time.Now()
}
