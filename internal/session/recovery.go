// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/teng-lin/beamcode/internal/breaker"
	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/registry"
)

// RecoveryConfig holds the Recovery Service's timing knobs (spec.md §5).
type RecoveryConfig struct {
	DedupWindow time.Duration
}

// DefaultRecoveryConfig matches spec.md's illustrative defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{DedupWindow: 3 * time.Second}
}

// Relauncher is the launcher collaborator the Recovery Service calls for
// inverted-connection (pid != 0) sessions (spec.md §4.10).
type Relauncher interface {
	Relaunch(ctx context.Context, sessionID string) error
}

// BreakerProvider is the subset of *process.Supervisor the Recovery Service
// needs to gate restarts on the same per-session circuit breaker the
// Process Supervisor trips on fast-crash loops (spec.md §4.3 "Used by...
// the Recovery Service to block relaunches when the breaker is open").
type BreakerProvider interface {
	Breaker(sessionID string) *breaker.Breaker
}

// RecoveryOption configures optional Recovery collaborators.
type RecoveryOption func(*Recovery)

// WithBreakers wires the circuit breaker gate into the Recovery Service.
// Without it, Recovery never consults a breaker (restarts are ungated) —
// callers that own a *process.Supervisor should always pass it.
func WithBreakers(bp BreakerProvider) RecoveryOption {
	return func(r *Recovery) { r.breakers = bp }
}

// Recovery is the Recovery Service (spec.md §4.10): deduplicated
// relaunch/reconnect triggered by backend exit or disconnect events.
type Recovery struct {
	registry    *registry.Registry
	coordinator *Coordinator
	relauncher  Relauncher
	breakers    BreakerProvider
	cfg         RecoveryConfig

	mu          sync.Mutex
	relaunching map[string]bool
}

// NewRecovery constructs a Recovery Service.
func NewRecovery(reg *registry.Registry, coord *Coordinator, relauncher Relauncher, cfg RecoveryConfig, opts ...RecoveryOption) *Recovery {
	if cfg.DedupWindow <= 0 {
		cfg = DefaultRecoveryConfig()
	}
	r := &Recovery{registry: reg, coordinator: coord, relauncher: relauncher, cfg: cfg, relaunching: make(map[string]bool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe wires the Recovery Service onto the domain bus for
// process.exited and backend.disconnected events (spec.md §4.10
// "Triggered by backend:relaunch_needed or on process:exited for
// non-archived sessions").
func (r *Recovery) Subscribe(bus events.EventBus) {
	if bus == nil {
		return
	}
	_, _ = bus.Subscribe(events.EventProcessExited, func(ctx context.Context, ev events.Event) error {
		id, _ := ev.Payload["sessionId"].(string)
		r.HandleTrigger(ctx, id)
		return nil
	})
	_, _ = bus.Subscribe(events.EventBackendDisconnected, func(ctx context.Context, ev events.Event) error {
		id, _ := ev.Payload["sessionId"].(string)
		r.HandleTrigger(ctx, id)
		return nil
	})
}

// HandleTrigger implements spec.md §4.10's decision logic.
func (r *Recovery) HandleTrigger(ctx context.Context, sessionID string) {
	info, err := r.registry.GetSession(sessionID)
	if err != nil {
		return // unknown
	}
	if info.Archived {
		return
	}

	if info.PID != 0 {
		r.handleInvertedConnect(ctx, info)
		return
	}
	r.handleDirectConnect(ctx, info)
}

func (r *Recovery) handleInvertedConnect(ctx context.Context, info registry.Info) {
	if info.State == registry.Starting {
		return // still connecting
	}
	if !r.tryMark(info.ID) {
		return
	}
	defer r.scheduleUnmark(info.ID)

	if r.relauncher == nil {
		return
	}

	b := r.breakerFor(info.ID)
	if b != nil && !b.CanExecute() {
		log.Printf("recovery[%s]: circuit breaker open, skipping relaunch", info.ID)
		return
	}

	if err := r.relauncher.Relaunch(ctx, info.ID); err != nil {
		log.Printf("recovery[%s]: relaunch failed: %v", info.ID, err)
		if b != nil {
			b.RecordFailure()
		}
		return
	}
	if b != nil {
		b.RecordSuccess()
	}
	r.publish(ctx, events.EventRecoveryRelaunch, info.ID)
}

func (r *Recovery) handleDirectConnect(ctx context.Context, info registry.Info) {
	sess, ok := r.coordinator.GetSession(info.ID)
	if !ok {
		return
	}
	if sess.Backend() != nil {
		return // already connected
	}
	if !r.tryMark(info.ID) {
		return
	}
	defer r.scheduleUnmark(info.ID)

	b := r.breakerFor(info.ID)
	if b != nil && !b.CanExecute() {
		log.Printf("recovery[%s]: circuit breaker open, skipping reconnect", info.ID)
		return
	}

	ad, ok := r.coordinator.Resolve(info.AdapterName)
	if !ok {
		log.Printf("recovery[%s]: unknown adapter %q", info.ID, info.AdapterName)
		if b != nil {
			b.RecordFailure()
		}
		return
	}

	err := r.coordinator.Lifecycle().ConnectBackend(ctx, sess, ConnectInput{
		Adapter: ad,
		Resume:  info.BackendSessionID != "",
		AdapterOptions: map[string]interface{}{"cwd": info.CWD},
	})
	if err != nil {
		log.Printf("recovery[%s]: reconnect failed: %v", info.ID, err) // do not re-queue, per spec.md §4.10
		if b != nil {
			b.RecordFailure()
		}
		return
	}
	if b != nil {
		b.RecordSuccess()
	}
	_ = r.registry.MarkConnected(info.ID)
	r.publish(ctx, events.EventRecoveryRelaunch, info.ID)
}

// breakerFor returns the circuit breaker gating restarts for id, or nil if
// no BreakerProvider was wired in (spec.md §4.3).
func (r *Recovery) breakerFor(id string) *breaker.Breaker {
	if r.breakers == nil {
		return nil
	}
	return r.breakers.Breaker(id)
}

// tryMark returns false (no-op) if a relaunch is already in flight for id
// (spec.md §8 invariant 6).
func (r *Recovery) tryMark(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relaunching[id] {
		return false
	}
	r.relaunching[id] = true
	return true
}

func (r *Recovery) scheduleUnmark(id string) {
	time.AfterFunc(r.cfg.DedupWindow, func() {
		r.mu.Lock()
		delete(r.relaunching, id)
		r.mu.Unlock()
	})
}

func (r *Recovery) publish(ctx context.Context, typ, sessionID string) {
	bus := r.coordinator.bus
	if bus == nil {
		return
	}
	_ = bus.Publish(ctx, events.Event{Type: typ, Payload: map[string]interface{}{"sessionId": sessionID}})
}
