// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/unified"
)

// SlashExecutor is the shape of an adapter-specific slash command handler.
// ConnectBackend does not install one, and the coordinator's slash dispatch
// does not call one.
type SlashExecutor func(ctx context.Context, command string, args []string) (unified.Message, error)

// ConnectInput bundles ConnectBackend's parameters.
type ConnectInput struct {
	Adapter        adapter.Adapter
	Resume         bool
	AdapterOptions map[string]interface{}
}

// Lifecycle is the per-session-pool Backend Lifecycle Manager (spec.md
// §4.5). A single Lifecycle instance is shared across sessions; per-session
// bookkeeping (the abort signal, consumer-loop goroutine) lives in runState.
type Lifecycle struct {
	bus         events.EventBus
	broadcaster *Broadcaster
	mediator    *PermissionMediator
	reducer     *Reducer
	idGen       unified.IDGenerator
	router      func(ctx context.Context, sess *Session, msg unified.Message) // routeUnifiedMessage

	mu    sync.Mutex
	runs  map[string]*runState
}

type runState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycle constructs a Lifecycle. router is invoked for every inbound
// backend message and does the state/history/broadcast bookkeeping itself —
// wired by the coordinator to record permission requests, update the
// reducer, append to history, and broadcast.
func NewLifecycle(bus events.EventBus, b *Broadcaster, m *PermissionMediator, r *Reducer, idGen unified.IDGenerator, router func(context.Context, *Session, unified.Message)) *Lifecycle {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	return &Lifecycle{bus: bus, broadcaster: b, mediator: m, reducer: r, idGen: idGen, router: router, runs: make(map[string]*runState)}
}

// ConnectBackend implements spec.md §4.5 step 1: closes any existing adapter
// session, connects a fresh one, flushes pendingMessages, and spawns the
// background consumer task.
func (l *Lifecycle) ConnectBackend(ctx context.Context, sess *Session, in ConnectInput) error {
	l.closeExisting(sess)

	connectOpts := adapter.ConnectOptions{
		SessionID:      sess.ID,
		CWD:            sess.CWD,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		AdapterOptions: in.AdapterOptions,
	}
	if in.Resume {
		connectOpts.Resume = sess.BackendSessionID()
	}

	backendSess, err := in.Adapter.Connect(ctx, connectOpts)
	if err != nil {
		return fmt.Errorf("lifecycle: connect: %w", err)
	}

	sess.setBackend(backendSess)
	sess.setCLIConnected(true)

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runState{cancel: cancel, done: make(chan struct{})}
	l.mu.Lock()
	l.runs[sess.ID] = rs
	l.mu.Unlock()

	go l.consumerLoop(runCtx, sess, backendSess, rs)

	l.flushPending(ctx, sess, backendSess)

	l.publish(ctx, events.EventBackendConnected, sess.ID, nil)
	notice := unified.New(l.idGen, unified.TypeCLIConnected, unified.RoleSystem, nil, nil)
	sess.AppendHistory(notice)
	l.broadcaster.Broadcast(ctx, sess, notice)
	return nil
}

// flushPending sends queued outbound frames queued while disconnected. A
// send failure drops the remaining queue with a warning rather than
// retrying indefinitely (spec.md §4.5 step 1 "direct-connect adapters
// rarely queue").
func (l *Lifecycle) flushPending(ctx context.Context, sess *Session, backendSess adapter.Session) {
	pending := sess.DrainPending()
	for i, msg := range pending {
		if err := backendSess.Send(ctx, msg); err != nil {
			log.Printf("lifecycle[%s]: dropping %d queued message(s): %v", sess.ID, len(pending)-i, err)
			return
		}
	}
}

// consumerLoop iterates the adapter's inbound sequence until it ends or the
// abort signal fires (spec.md §4.5 step 1, §5 "consumer loop... suspends on
// messages.next()"). An abort-triggered termination is silent; any other
// termination is treated as a clean disconnect (spec.md §4.5 "Consumer loop
// failure mode").
func (l *Lifecycle) consumerLoop(ctx context.Context, sess *Session, backendSess adapter.Session, rs *runState) {
	defer close(rs.done)
	msgs := backendSess.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return // abort-triggered: silent
				}
				if err := backendSess.Err(); err != nil {
					log.Printf("lifecycle[%s]: consumer loop error: %v", sess.ID, err)
					l.publish(ctx, events.EventBackendDisconnected, sess.ID, map[string]interface{}{"error": err.Error()})
				}
				l.handleDisconnect(ctx, sess)
				return
			}
			sess.TouchActivity()
			if l.router != nil {
				l.router(ctx, sess, msg)
			}
		}
	}
}

// DisconnectBackend implements spec.md §4.5 step 2.
func (l *Lifecycle) DisconnectBackend(ctx context.Context, sess *Session) {
	l.closeExisting(sess)
	l.handleDisconnect(ctx, sess)
}

func (l *Lifecycle) handleDisconnect(ctx context.Context, sess *Session) {
	sess.setBackend(nil)
	sess.setCLIConnected(false)
	l.publish(ctx, events.EventBackendDisconnected, sess.ID, nil)

	l.mediator.CancelAll(ctx, sess)

	notice := unified.New(l.idGen, unified.TypeCLIDisconnected, unified.RoleSystem, nil, nil)
	sess.AppendHistory(notice)
	l.broadcaster.Broadcast(ctx, sess, notice)
}

func (l *Lifecycle) closeExisting(sess *Session) {
	l.mu.Lock()
	rs, ok := l.runs[sess.ID]
	if ok {
		delete(l.runs, sess.ID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	rs.cancel()
	<-rs.done

	if backend := sess.Backend(); backend != nil {
		_ = backend.Close()
	}
}

// SendToBackend forwards msg to the adapter; on failure it emits an error
// UnifiedMessage rather than killing the session (spec.md §4.5 step 3, §7
// "Adapter send failure").
func (l *Lifecycle) SendToBackend(ctx context.Context, sess *Session, msg unified.Message) {
	backend := sess.Backend()
	if backend == nil {
		sess.EnqueuePending(msg)
		return
	}
	if err := backend.Send(ctx, msg); err != nil {
		errMsg := unified.New(l.idGen, unified.TypeError, unified.RoleSystem, []unified.ContentBlock{
			unified.Text(fmt.Sprintf("send to backend failed: %v", err)),
		}, nil)
		sess.AppendHistory(errMsg)
		l.broadcaster.Broadcast(ctx, sess, errMsg)
	}
}

func (l *Lifecycle) publish(ctx context.Context, typ, sessionID string, payload map[string]interface{}) {
	if l.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["sessionId"] = sessionID
	_ = l.bus.Publish(ctx, events.Event{Type: typ, Payload: payload})
}
