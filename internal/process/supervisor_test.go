// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/events"
)

func TestValidateBinaryAcceptsBasenameAndAbsolute(t *testing.T) {
	assert.NoError(t, ValidateBinary("claude"))
	assert.NoError(t, ValidateBinary("/usr/local/bin/claude"))
	assert.Error(t, ValidateBinary("claude; rm -rf /"))
	assert.Error(t, ValidateBinary("../claude"))
	assert.Error(t, ValidateBinary(""))
}

func TestSpawnRejectsInvalidBinaryWithoutExec(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	h, err := s.Spawn(context.Background(), "sess-1", Spec{Path: "not a valid path!"})
	require.Error(t, err)
	assert.Nil(t, h)
	var invalid *ErrInvalidBinary
	assert.ErrorAs(t, err, &invalid)
}

func TestBeforeSpawnHookCanAbort(t *testing.T) {
	s := NewSupervisor(nil, func(sessionID string, spec *Spec) error {
		return assert.AnError
	}, nil)
	h, err := s.Spawn(context.Background(), "sess-1", Spec{Path: "/bin/sleep", Args: []string{"1"}})
	require.Error(t, err)
	assert.Nil(t, h)
}

func TestSpawnAndExitFeedsBreakerAndEmitsEvent(t *testing.T) {
	bus := events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Minute})
	defer bus.Close()

	exitedEvents := make(chan events.Event, 4)
	_, err := bus.Subscribe("process.exited", func(ctx context.Context, e events.Event) error {
		exitedEvents <- e
		return nil
	})
	require.NoError(t, err)

	s := NewSupervisor(bus, nil, nil)
	s.crashThreshold = 10 * time.Millisecond

	h, err := s.Spawn(context.Background(), "sess-1", Spec{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)
	require.NotNil(t, h)

	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	result := h.Result()
	require.NotNil(t, result.Code)
	assert.Equal(t, 0, *result.Code)

	select {
	case evt := <-exitedEvents:
		assert.Equal(t, "sess-1", evt.Payload["sessionId"])
	case <-time.After(time.Second):
		t.Fatal("process:exited event never published")
	}
}

func TestSpawnStripsDeniedEnvironment(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	env := s.buildEnv(map[string]string{"LD_PRELOAD": "evil.so", "FOO": "bar"})
	for _, kv := range env {
		assert.NotContains(t, kv, "LD_PRELOAD=")
		assert.NotContains(t, kv, "CLAUDECODE=")
	}
	assert.Contains(t, env, "FOO=bar")
}

func TestKillProcessEscalatesToSigkillOnTimeout(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	s.killGracePeriod = 30 * time.Millisecond

	// A process that ignores SIGTERM so KillProcess must escalate.
	h, err := s.Spawn(context.Background(), "sess-1", Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "trap '' TERM; sleep 5"},
	})
	require.NoError(t, err)

	start := time.Now()
	s.KillProcess(h)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, s.killGracePeriod)
	assert.Less(t, elapsed, 2*time.Second)

	select {
	case <-h.Exited():
	default:
		t.Fatal("handle should be resolved after KillProcess returns")
	}
}

func TestKillAllConcurrent(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	s.killGracePeriod = 20 * time.Millisecond

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(context.Background(), "sess", Spec{Path: "/bin/sleep", Args: []string{"5"}})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	start := time.Now()
	require.NoError(t, s.KillAll(context.Background(), handles))
	elapsed := time.Since(start)

	// Concurrent kill of 3 processes should take roughly one grace period,
	// not three.
	assert.Less(t, elapsed, 500*time.Millisecond)
	for _, h := range handles {
		select {
		case <-h.Exited():
		default:
			t.Fatal("handle not resolved")
		}
	}
}
