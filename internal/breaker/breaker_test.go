// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Window: time.Minute, RecoveryTime: 20 * time.Millisecond, SuccessThreshold: 1})

	require.True(t, b.CanExecute())
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Closed, b.State())
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerRecoversToHalfOpenThenCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, RecoveryTime: 10 * time.Millisecond, SuccessThreshold: 2})
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.CanExecute())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.CanExecute())
	require.Equal(t, HalfOpen, b.State())

	// Only one execution permitted at a time while half-open.
	assert.False(t, b.CanExecute())

	b.RecordSuccess()
	require.Equal(t, HalfOpen, b.State())
	require.True(t, b.CanExecute())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Minute, RecoveryTime: 5 * time.Millisecond, SuccessThreshold: 2})
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, b.CanExecute())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerSlidingWindowExpiresOldFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Window: 10 * time.Millisecond, RecoveryTime: time.Second, SuccessThreshold: 1})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.RecordFailure()
	// The first failure should have aged out of the window.
	assert.Equal(t, Closed, b.State())
}

func TestSnapshotNilWhenClosed(t *testing.T) {
	b := New(DefaultConfig())
	assert.Nil(t, b.Snapshot())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	snap := b.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, Open, snap.State)
}
