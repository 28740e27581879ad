// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package adapter defines the polymorphism every backend protocol
// translator implements (spec.md §4.1). Concrete adapters live in
// subpackages (claudesdk, codex, gemini, opencode, acp); this package only
// holds the shared contract and the connect-timeout helper every adapter's
// Connect is expected to honor.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/teng-lin/beamcode/internal/unified"
)

// DefaultInitializeTimeout bounds every adapter's Connect call.
const DefaultInitializeTimeout = 20 * time.Second

// Capabilities describes what an adapter instance supports.
type Capabilities struct {
	Streaming     bool
	Permissions   bool
	SlashCommands bool
	Availability  bool
	Teams         bool
}

// ConnectOptions parameterizes a single Connect call.
type ConnectOptions struct {
	SessionID      string
	CWD            string
	Model          string
	PermissionMode string
	Resume         string // vendor backendSessionId to resume, if any
	AdapterOptions map[string]interface{}
}

// PassthroughHandler lets the lifecycle manager short-circuit echoes for
// pending passthrough slash commands; adapters that don't support
// passthrough simply never call it.
type PassthroughHandler func(raw []byte) (handled bool)

// Session is one live connection to a vendor CLI instance (the "backend
// session" of the glossary). Implementations are not required to be safe
// for concurrent use by more than one goroutine reading Messages()
// concurrently with a single writer calling Send/SendRaw/Close.
type Session interface {
	// Messages is the lazy, finite-on-disconnect inbound sequence. The
	// channel is closed when the backend disconnects; Err returns the
	// reason (nil on a clean close).
	Messages() <-chan unified.Message
	Err() error

	Send(ctx context.Context, msg unified.Message) error

	// SendRaw is optional; adapters that cannot accept raw frames return
	// ErrSendRawUnsupported.
	SendRaw(ctx context.Context, data []byte) error

	// Close is idempotent.
	Close() error

	// SetPassthroughHandler is optional; adapters without passthrough
	// support make this a no-op.
	SetPassthroughHandler(h PassthroughHandler)
}

// ErrSendRawUnsupported is returned by Session.SendRaw when the adapter
// doesn't expose raw frame sending.
var ErrSendRawUnsupported = fmt.Errorf("adapter: sendRaw not supported")

// Adapter is one vendor protocol translator. A single Adapter instance is
// reused across sessions; Connect returns a new Session per call.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// WithInitializeTimeout wraps ctx with DefaultInitializeTimeout (or the
// override, if positive) so every adapter's Connect shares one cancellation
// discipline instead of each reimplementing the bound.
func WithInitializeTimeout(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	d := DefaultInitializeTimeout
	if override > 0 {
		d = override
	}
	return context.WithTimeout(ctx, d)
}
