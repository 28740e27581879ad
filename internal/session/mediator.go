// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/unified"
)

// PermissionMediator correlates backend permission requests with consumer
// responses (spec.md §4.7).
type PermissionMediator struct {
	bus         events.EventBus
	broadcaster *Broadcaster
	idGen       unified.IDGenerator
}

// NewPermissionMediator constructs a mediator shared across sessions.
func NewPermissionMediator(bus events.EventBus, b *Broadcaster, idGen unified.IDGenerator) *PermissionMediator {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	return &PermissionMediator{bus: bus, broadcaster: b, idGen: idGen}
}

// HandleRequest records an inbound permission_request, broadcasts it to
// participants, and persists it in history so late-joining consumers replay
// it (spec.md §4.7, §8 invariant 4).
func (m *PermissionMediator) HandleRequest(ctx context.Context, sess *Session, msg unified.Message) {
	requestID := msg.Metadata.String("request_id")
	if requestID == "" {
		log.Printf("mediator[%s]: permission_request missing request_id", sess.ID)
		return
	}
	sess.AddPendingPermission(PermissionRequest{
		RequestID:   requestID,
		ToolName:    msg.Metadata.String("tool_name"),
		ToolUseID:   msg.Metadata.String("tool_use_id"),
		Message:     msg,
		RequestedAt: time.Now(),
	})
	sess.AppendHistory(msg)
	m.broadcaster.BroadcastToParticipants(ctx, sess, msg)
	m.publish(ctx, events.EventPermissionRequested, sess.ID, requestID)
}

// HandleResponse looks up the pending request, forwards a permission_response
// to the backend, deletes the entry, and emits permission:resolved (spec.md
// §4.7, §8 invariant 2). An unknown request_id is dropped with a debug log
// (spec.md §7 "Permission mismatch").
func (m *PermissionMediator) HandleResponse(ctx context.Context, sess *Session, msg unified.Message) error {
	requestID := msg.Metadata.String("request_id")
	if _, ok := sess.TakePendingPermission(requestID); !ok {
		log.Printf("mediator[%s]: permission_response for unknown request_id %q", sess.ID, requestID)
		return nil
	}

	backend := sess.Backend()
	if backend == nil {
		return fmt.Errorf("mediator: session %s has no backend to forward permission_response", sess.ID)
	}
	if err := backend.Send(ctx, msg); err != nil {
		return fmt.Errorf("mediator: forward permission_response: %w", err)
	}
	m.publish(ctx, events.EventPermissionResolved, sess.ID, requestID)
	return nil
}

// CancelAll emits permission_cancelled for every pending request and clears
// the map (spec.md §4.5, §4.7, §8 invariant 3). Called on backend disconnect.
func (m *PermissionMediator) CancelAll(ctx context.Context, sess *Session) {
	for _, p := range sess.DrainPendingPermissions() {
		msg := unified.New(m.idGen, unified.TypePermissionCancelled, unified.RoleSystem, nil, unified.Metadata{
			"request_id": p.RequestID,
		})
		sess.AppendHistory(msg)
		m.broadcaster.BroadcastToParticipants(ctx, sess, msg)
		m.publish(ctx, events.EventPermissionCancelled, sess.ID, p.RequestID)
	}
}

// ReplayPending re-emits every currently pending permission_request to a
// newly attached consumer, resilient to messageHistory trimming (spec.md
// §4.7 "Late-join replay invariant").
func (m *PermissionMediator) ReplayPending(sess *Session, c *Consumer) {
	for _, p := range sess.PendingPermissions() {
		m.broadcaster.SendTo(sess, c, p.Message)
	}
}

func (m *PermissionMediator) publish(ctx context.Context, typ, sessionID, requestID string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Event{Type: typ, Payload: map[string]interface{}{
		"sessionId":  sessionID,
		"request_id": requestID,
	}})
}
