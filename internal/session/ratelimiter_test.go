// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterConsumesWithinCapacity(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 3, RefillInterval: time.Hour, TokensPerInterval: 0})
	require.True(t, rl.TryConsume(1))
	require.True(t, rl.TryConsume(2))
	assert.False(t, rl.TryConsume(1))
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 2, RefillInterval: 10 * time.Millisecond, TokensPerInterval: 2})
	require.True(t, rl.TryConsume(2))
	assert.False(t, rl.TryConsume(1))

	time.Sleep(15 * time.Millisecond)
	assert.True(t, rl.TryConsume(1))
}

func TestRateLimiterNeverReturnsTrueBelowTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 5, RefillInterval: time.Hour, TokensPerInterval: 0})
	require.True(t, rl.TryConsume(5))
	for i := 0; i < 10; i++ {
		assert.False(t, rl.TryConsume(0.5))
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillInterval: time.Hour, TokensPerInterval: 0})
	require.True(t, rl.TryConsume(1))
	require.False(t, rl.TryConsume(1))
	rl.Reset()
	assert.True(t, rl.TryConsume(1))
}
