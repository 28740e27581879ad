// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process domain event bus that the session
// coordinator, process supervisor, and recovery service publish onto and
// that the tracer/metrics tap and HTTP facade subscribe to. The bus shape
// (Event/EventBus/EventFilter) is carried over from trellis unchanged; only
// the well-known event type constants below are BeamCode's own.
package events

import (
	"context"
	"time"
)

// Event represents an immutable event record.
type Event struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Worktree  string                 `json:"worktree"`
	Payload   map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types    []string  // Event types to match (supports wildcards)
	Worktree string    // Filter by worktree
	Since    time.Time // Events after this time
	Until    time.Time // Events before this time
	Limit    int       // Maximum events to return
}

// EventBus is the core event pub/sub system.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// SetDefaultWorktree sets the default worktree for events that don't specify one.
	SetDefaultWorktree(worktree string)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Well-known event types published onto the domain bus. message:inbound is
// deliberately absent — the coordinator never republishes consumer frames
// onto the bus (spec.md §4.9).
const (
	// Session lifecycle
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
	EventSessionPruned  = "session.pruned"

	// Backend process supervision
	EventProcessSpawned        = "process.spawned"
	EventProcessSpawnRejected  = "process.spawn_rejected"
	EventProcessExited         = "process.exited"
	EventProcessStdout         = "process.stdout"
	EventProcessStderr         = "process.stderr"

	// Backend connection lifecycle
	EventBackendConnected    = "backend.connected"
	EventBackendDisconnected = "backend.disconnected"
	EventBackendInitTimeout  = "backend.init_timeout"

	// Circuit breaker
	EventBreakerOpened   = "breaker.opened"
	EventBreakerHalfOpen = "breaker.half_open"
	EventBreakerClosed   = "breaker.closed"

	// Consumer fan-out
	EventConsumerAttached  = "consumer.attached"
	EventConsumerDetached  = "consumer.detached"
	EventConsumerBackpressure = "consumer.backpressure_closed"

	// Permission mediation
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventPermissionCancelled = "permission.cancelled"

	// Recovery
	EventRecoveryRelaunch  = "recovery.relaunch"
	EventRecoveryDropped   = "recovery.relaunch_deduped"
)

// RecoveryTrigger indicates why the recovery service attempted a relaunch.
type RecoveryTrigger string

const (
	RecoveryTriggerCrash      RecoveryTrigger = "crash"
	RecoveryTriggerDisconnect RecoveryTrigger = "disconnect"
	RecoveryTriggerManual     RecoveryTrigger = "manual"
)
