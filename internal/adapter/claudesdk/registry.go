// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claudesdk implements the Claude Code inverted-connection adapter
// (spec.md §4.1): the coordinator opens a local listener, launches the CLI
// with --sdk-url pointing back at it, and the CLI dials in. The wire codec
// (StreamEvent/ParsedMessage shapes) and process-management idioms are
// adapted from internal/claude.Session's stdin/stdout NDJSON handling —
// here the same message shapes travel over a WebSocket frame instead of a
// stdio pipe, since the CLI is launched with --sdk-url (alongside
// --output-format stream-json) and dials back in.
package claudesdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Registry resolves a sessionId to the WebSocket connection the CLI dials
// back on, as described in spec.md §4.1 ("Registry (inside the adapter)
// resolves sessionId → waiting socket promise").
type Registry struct {
	mu      sync.Mutex
	waiters map[string]chan *websocket.Conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string]chan *websocket.Conn)}
}

// Await blocks until the CLI for sessionID connects, ctx is done, or the
// wait is cancelled via Cancel.
func (r *Registry) Await(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	r.mu.Lock()
	ch, ok := r.waiters[sessionID]
	if !ok {
		ch = make(chan *websocket.Conn, 1)
		r.waiters[sessionID] = ch
	}
	r.mu.Unlock()

	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("claudesdk: wait for %s cancelled", sessionID)
		}
		return conn, nil
	case <-ctx.Done():
		r.Cancel(sessionID)
		return nil, ctx.Err()
	}
}

// Resolve is called by the /ws/cli/:sessionId handler when the CLI
// connects. It returns false if no one is waiting — callers should reject
// the connection with close code 4000 per spec.md §6.
func (r *Registry) Resolve(sessionID string, conn *websocket.Conn) bool {
	r.mu.Lock()
	ch, ok := r.waiters[sessionID]
	if ok {
		delete(r.waiters, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- conn
	return true
}

// IsAwaited reports whether sessionID has an outstanding Await — used by
// the /ws/cli/:sessionId handler to decide whether to accept the upgrade at
// all.
func (r *Registry) IsAwaited(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[sessionID]
	return ok
}

// Cancel aborts a pending Await, e.g. on initialize timeout.
func (r *Registry) Cancel(sessionID string) {
	r.mu.Lock()
	ch, ok := r.waiters[sessionID]
	if ok {
		delete(r.waiters, sessionID)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}
