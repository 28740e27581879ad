// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/breaker"
	"github.com/teng-lin/beamcode/internal/registry"
)

type countingRelauncher struct {
	calls int32
}

func (r *countingRelauncher) Relaunch(ctx context.Context, sessionID string) error {
	atomic.AddInt32(&r.calls, 1)
	return nil
}

// TestRelaunchDedup is spec.md §8 scenario (f): firing process:exited twice
// within the dedup window invokes relaunch exactly once.
func TestRelaunchDedup(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.Info{ID: "s1", AdapterName: "claude-sdk", PID: 1234, State: registry.Connected}))

	c := newTestCoordinator(t, &fakeAdapter{name: "claude-sdk"})
	relauncher := &countingRelauncher{}
	rec := NewRecovery(reg, c, relauncher, RecoveryConfig{DedupWindow: 200 * time.Millisecond})

	rec.HandleTrigger(context.Background(), "s1")
	rec.HandleTrigger(context.Background(), "s1")

	assert.Equal(t, int32(1), atomic.LoadInt32(&relauncher.calls))
}

func TestRelaunchSkippedWhileStarting(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.Info{ID: "s1", AdapterName: "claude-sdk", PID: 1234, State: registry.Starting}))

	c := newTestCoordinator(t, &fakeAdapter{name: "claude-sdk"})
	relauncher := &countingRelauncher{}
	rec := NewRecovery(reg, c, relauncher, RecoveryConfig{DedupWindow: time.Second})

	rec.HandleTrigger(context.Background(), "s1")
	assert.Equal(t, int32(0), atomic.LoadInt32(&relauncher.calls))
}

func TestRelaunchSkippedForArchivedSession(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.Info{ID: "s1", AdapterName: "claude-sdk", PID: 1234, State: registry.Connected, Archived: true}))

	c := newTestCoordinator(t, &fakeAdapter{name: "claude-sdk"})
	relauncher := &countingRelauncher{}
	rec := NewRecovery(reg, c, relauncher, RecoveryConfig{DedupWindow: time.Second})

	rec.HandleTrigger(context.Background(), "s1")
	assert.Equal(t, int32(0), atomic.LoadInt32(&relauncher.calls))
}

func TestDirectConnectReconnectsWhenNotConnected(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)

	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)
	c.lifecycle.DisconnectBackend(context.Background(), sess)

	reg := c.registry
	backend2 := newFakeAdapterSession()
	ad.sess = backend2

	rec := NewRecovery(reg, c, nil, RecoveryConfig{DedupWindow: 50 * time.Millisecond})
	rec.HandleTrigger(context.Background(), sess.ID)

	assert.NotNil(t, sess.Backend())
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

// breakerProviderFake is a minimal BreakerProvider backed by real
// *breaker.Breaker instances, keyed by session id like
// *process.Supervisor.Breaker.
type breakerProviderFake struct {
	mu       sync.Mutex
	cfg      breaker.Config
	breakers map[string]*breaker.Breaker
}

func newBreakerProviderFake(cfg breaker.Config) *breakerProviderFake {
	return &breakerProviderFake{cfg: cfg, breakers: make(map[string]*breaker.Breaker)}
}

func (p *breakerProviderFake) Breaker(id string) *breaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[id]
	if !ok {
		b = breaker.New(p.cfg)
		p.breakers[id] = b
	}
	return b
}

// failingRelauncher always fails, simulating a backend whose relaunch
// attempt itself never succeeds.
type failingRelauncher struct {
	calls int32
}

func (r *failingRelauncher) Relaunch(ctx context.Context, sessionID string) error {
	atomic.AddInt32(&r.calls, 1)
	return fmt.Errorf("relaunch boom")
}

// TestRecoveryStopsRelaunchingOnceBreakerOpens is spec.md §8 invariant 6
// exercised through the Recovery Service + circuit breaker integration
// (spec.md §4.3, §4.10): a crash loop that keeps failing every relaunch
// attempt must stop reaching Relauncher.Relaunch once the breaker trips
// open, not merely pause for the dedup window.
func TestRecoveryStopsRelaunchingOnceBreakerOpens(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.Info{ID: "s1", AdapterName: "claude-sdk", PID: 1234, State: registry.Connected}))

	c := newTestCoordinator(t, &fakeAdapter{name: "claude-sdk"})
	relauncher := &failingRelauncher{}
	breakers := newBreakerProviderFake(breaker.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		RecoveryTime:     time.Hour,
		SuccessThreshold: 1,
	})
	rec := NewRecovery(reg, c, relauncher, RecoveryConfig{DedupWindow: 5 * time.Millisecond}, WithBreakers(breakers))

	for i := 0; i < 10; i++ {
		rec.HandleTrigger(context.Background(), "s1")
		time.Sleep(15 * time.Millisecond) // let the dedup window elapse between attempts
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&relauncher.calls), "relaunch must stop once the breaker opens after FailureThreshold failures")
	assert.Equal(t, breaker.Open, breakers.Breaker("s1").State())
}
