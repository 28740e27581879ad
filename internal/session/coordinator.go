// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/registry"
	"github.com/teng-lin/beamcode/internal/tracer"
	"github.com/teng-lin/beamcode/internal/unified"
)

// AdapterResolver maps an adapter name to its Adapter instance (spec.md §9
// "the adapter registry (immutable after construction)").
type AdapterResolver func(name string) (adapter.Adapter, bool)

// CreateOptions parameterizes CreateSession.
type CreateOptions struct {
	CWD            string
	Model          string
	PermissionMode string
	AdapterName    string
	AdapterOptions map[string]interface{}
}

// InboundFrame is the JSON shape of a consumer WebSocket frame before it is
// resolved into a typed action (spec.md §6).
type InboundFrame struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	Behavior   string          `json:"behavior,omitempty"`
	Text       string          `json:"text,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Command    string          `json:"command,omitempty"`
	Args       []string        `json:"args,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// stateMutatingTypes is the set of inbound frame types the Consumer
// Broadcaster's participation rule gates to participants only (spec.md
// §4.6).
var stateMutatingTypes = map[string]bool{
	"user_message":          true,
	"permission_response":   true,
	"interrupt":             true,
	"set_permission_mode":   true,
	"slash_command":         true,
}

// Coordinator is the Session Coordinator (spec.md §4.9): it owns every
// Session and wires the other components together.
type Coordinator struct {
	registry    *registry.Registry
	broadcaster *Broadcaster
	mediator    *PermissionMediator
	reducer     *Reducer
	lifecycle   *Lifecycle
	resolve     AdapterResolver
	bus         events.EventBus
	tracer      *tracer.Tracer
	idGen       unified.IDGenerator
	historyCap  int

	slashEmulator func(ctx context.Context, sess *Session, command string, args []string) (unified.Message, bool)

	mu       sync.Mutex
	sessions map[string]*Session
}

// Config bundles the Coordinator's collaborators.
type Config struct {
	Registry    *registry.Registry
	Broadcaster *Broadcaster
	Mediator    *PermissionMediator
	Reducer     *Reducer
	Resolve     AdapterResolver
	Bus         events.EventBus
	Tracer      *tracer.Tracer
	HistoryCap  int
}

// New constructs a Coordinator. Lifecycle is built internally so its router
// closes over the coordinator's own routeUnifiedMessage.
func New(cfg Config) *Coordinator {
	idGen := func() string { return uuid.NewString() }
	c := &Coordinator{
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		mediator:    cfg.Mediator,
		reducer:     cfg.Reducer,
		resolve:     cfg.Resolve,
		bus:         cfg.Bus,
		tracer:      cfg.Tracer,
		idGen:       idGen,
		historyCap:  cfg.HistoryCap,
		sessions:    make(map[string]*Session),
	}
	c.lifecycle = NewLifecycle(cfg.Bus, cfg.Broadcaster, cfg.Mediator, cfg.Reducer, idGen, c.routeUnifiedMessage)
	return c
}

// Lifecycle exposes the coordinator's lifecycle manager (used by the
// Recovery Service and the inverted-connection launcher).
func (c *Coordinator) Lifecycle() *Lifecycle { return c.lifecycle }

// Resolve exposes the adapter resolver (used by the Recovery Service).
func (c *Coordinator) Resolve(name string) (adapter.Adapter, bool) { return c.resolve(name) }

// GetSession returns the in-memory Session object for id, if the
// coordinator currently owns it.
func (c *Coordinator) GetSession(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// ListSessions returns every session the coordinator owns.
func (c *Coordinator) ListSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// CreateSession resolves the adapter, registers the session, and — for
// direct-connect adapters — connects the backend immediately, rolling back
// the registration on failure (spec.md §4.9 "createSession").
func (c *Coordinator) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	ad, ok := c.resolve(opts.AdapterName)
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown adapter %q", opts.AdapterName)
	}

	id := uuid.NewString()
	sess := New(id, opts.AdapterName, opts.CWD, c.historyCap)
	sess.Model = opts.Model
	sess.PermissionMode = opts.PermissionMode

	if err := c.registry.Register(registry.Info{
		ID:             id,
		AdapterName:    opts.AdapterName,
		CWD:            opts.CWD,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		State:          registry.Starting,
	}); err != nil {
		return nil, fmt.Errorf("coordinator: register: %w", err)
	}

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()

	// Every Adapter.Connect call, inverted or direct, blocks until the
	// backend session is live (the claude-sdk adapter spawns the child and
	// awaits its callback internally; direct-connect adapters dial out
	// themselves) — so the coordinator connects the same way regardless of
	// mode, and rolls the registration back on failure either way (spec.md
	// §4.9 "On connect failure for direct-connect, the registered session
	// is rolled back").
	if err := c.lifecycle.ConnectBackend(ctx, sess, ConnectInput{Adapter: ad, AdapterOptions: opts.AdapterOptions}); err != nil {
		c.rollback(ctx, id)
		return nil, fmt.Errorf("coordinator: connect backend: %w", err)
	}
	_ = c.registry.MarkConnected(id)

	c.publish(ctx, events.EventSessionCreated, id, nil)
	return sess, nil
}

func (c *Coordinator) rollback(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	_ = c.registry.RemoveSession(ctx, id)
	if c.tracer != nil {
		c.tracer.Forget(id)
	}
}

// DeleteSession kills the backend, detaches every consumer, and removes the
// session (spec.md §4.9 "deleteSession").
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return registry.ErrNotFound
	}

	c.lifecycle.DisconnectBackend(ctx, sess)
	for _, consumer := range sess.Consumers() {
		_ = consumer.Transport.Close(closeNormal, "session deleted")
		c.broadcaster.Detach(ctx, sess, consumer.ConnectionID)
	}

	if err := c.registry.RemoveSession(ctx, id); err != nil && err != registry.ErrNotFound {
		return err
	}
	if c.tracer != nil {
		c.tracer.Forget(id)
	}
	c.publish(ctx, events.EventSessionDeleted, id, nil)
	return nil
}

// Attach adds a consumer to sess via the broadcaster, then replays pending
// permission requests (spec.md §4.7).
func (c *Coordinator) Attach(ctx context.Context, sess *Session, consumer *Consumer) {
	c.broadcaster.Attach(ctx, sess, consumer)
	c.mediator.ReplayPending(sess, consumer)
}

// Detach removes a consumer from sess.
func (c *Coordinator) Detach(ctx context.Context, sess *Session, connectionID string) {
	c.broadcaster.Detach(ctx, sess, connectionID)
}

// sendToBackend is the core->backend half of the data flow; it taps the
// tracer before delegating to the lifecycle manager.
func (c *Coordinator) sendToBackend(ctx context.Context, sess *Session, msg unified.Message) {
	if c.tracer != nil {
		c.tracer.Observe(sess.ID, tracer.DirectionOutbound, msg)
	}
	c.lifecycle.SendToBackend(ctx, sess, msg)
}

// routeUnifiedMessage is the backend->core half of the data flow (spec.md
// §2): it updates derived state, records/cancels permission bookkeeping,
// appends to history, and broadcasts.
func (c *Coordinator) routeUnifiedMessage(ctx context.Context, sess *Session, msg unified.Message) {
	if c.tracer != nil {
		c.tracer.Observe(sess.ID, tracer.DirectionInbound, msg)
	}

	if msg.Type == unified.TypePermissionRequest {
		c.mediator.HandleRequest(ctx, sess, msg)
		return
	}

	next := c.reducer.Reduce(sess.State(), msg)
	sess.setState(next)

	sess.AppendHistory(msg)
	c.broadcaster.Broadcast(ctx, sess, msg)
}

// RouteInboundConsumerFrame is the consumer->core half of the data flow
// (spec.md §4.9 "routeInboundConsumerFrame").
func (c *Coordinator) RouteInboundConsumerFrame(ctx context.Context, sess *Session, consumer *Consumer, raw []byte) {
	if len(raw) > MaxInboundFrameBytes {
		_ = consumer.Transport.Close(closeOversize, "frame too large")
		c.broadcaster.Detach(ctx, sess, consumer.ConnectionID)
		return
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError(consumer, fmt.Sprintf("invalid frame: %v", err))
		return
	}
	frame.Raw = raw

	if !consumer.RateLimiter.TryConsume(1) {
		c.sendError(consumer, "rate limit exceeded")
		return
	}

	if stateMutatingTypes[frame.Type] && consumer.Role != RoleParticipant {
		c.sendError(consumer, fmt.Sprintf("Observers cannot send %s messages", frame.Type))
		return
	}

	switch frame.Type {
	case "user_message":
		msg := unified.New(c.idGen, unified.TypeUserMessage, unified.RoleUser, []unified.ContentBlock{unified.Text(frame.Text)}, nil)
		sess.AppendHistory(msg)
		c.sendToBackend(ctx, sess, msg)

	case "permission_response":
		msg := unified.New(c.idGen, unified.TypePermissionResponse, unified.RoleUser, nil, unified.Metadata{
			"request_id": frame.RequestID,
			"behavior":   frame.Behavior,
		})
		if err := c.mediator.HandleResponse(ctx, sess, msg); err != nil {
			c.sendError(consumer, err.Error())
		}

	case "interrupt":
		msg := unified.New(c.idGen, unified.TypeInterrupt, unified.RoleUser, nil, nil)
		c.sendToBackend(ctx, sess, msg)

	case "set_permission_mode":
		sess.PermissionMode = frame.Mode
		backend := sess.Backend()
		if backend != nil {
			caps := adapter.Capabilities{}
			if ad, ok := c.resolve(sess.AdapterName); ok {
				caps = ad.Capabilities()
			}
			if caps.Permissions {
				msg := unified.New(c.idGen, unified.TypeControlRequest, unified.RoleUser, nil, unified.Metadata{"permissionMode": frame.Mode})
				c.sendToBackend(ctx, sess, msg)
				return
			}
		}
		next := c.reducer.Reduce(sess.State(), unified.Message{Type: unified.TypeStatusChange, Metadata: unified.Metadata{"permissionMode": frame.Mode}})
		sess.setState(next)

	case "slash_command":
		c.handleSlashCommand(ctx, sess, consumer, frame)

	default:
		c.sendError(consumer, fmt.Sprintf("unrecognized frame type %q", frame.Type))
	}
}

// handleSlashCommand runs the built-in emulator (/help, /status) installed
// with SetSlashEmulator and sends the consumer an error when no emulator is
// installed or it does not handle the command. Adapter slash executors are
// not consulted.
func (c *Coordinator) handleSlashCommand(ctx context.Context, sess *Session, consumer *Consumer, frame InboundFrame) {
	if c.slashEmulator != nil {
		if msg, ok := c.slashEmulator(ctx, sess, frame.Command, frame.Args); ok {
			sess.AppendHistory(msg)
			c.broadcaster.Broadcast(ctx, sess, msg)
			return
		}
	}
	c.sendError(consumer, fmt.Sprintf("unknown slash command /%s", frame.Command))
}

// SetSlashEmulator installs the built-in /help, /status style handler that
// handleSlashCommand runs for every slash_command frame.
func (c *Coordinator) SetSlashEmulator(fn func(ctx context.Context, sess *Session, command string, args []string) (unified.Message, bool)) {
	c.slashEmulator = fn
}

func (c *Coordinator) sendError(consumer *Consumer, text string) {
	msg := unified.New(c.idGen, unified.TypeError, unified.RoleSystem, []unified.ContentBlock{unified.Text(text)}, nil)
	c.broadcaster.sendTo(consumer, msg)
}

func (c *Coordinator) publish(ctx context.Context, typ, sessionID string, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["sessionId"] = sessionID
	_ = c.bus.Publish(ctx, events.Event{Type: typ, Payload: payload})
}
