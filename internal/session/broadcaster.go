// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/unified"
)

// closeBackpressure and closeOversize are the WebSocket close codes spec.md
// §4.6/§6 mandates for a slow consumer and an oversize inbound frame.
const (
	closeBackpressure = 1009
	closeOversize      = 1009
	closeNormal        = 1000
)

// Broadcaster is the per-session Consumer Broadcaster (spec.md §4.6).
type Broadcaster struct {
	bus               events.EventBus
	replayCap         int
	highWaterMark     int
	idGen             unified.IDGenerator
}

// BroadcasterConfig holds the broadcaster's tunables.
type BroadcasterConfig struct {
	ReplayCap     int
	HighWaterMark int
	IDGen         unified.IDGenerator
}

// NewBroadcaster constructs a Broadcaster shared across sessions (it holds
// no per-session state itself; callers pass the target *Session in).
func NewBroadcaster(bus events.EventBus, cfg BroadcasterConfig) *Broadcaster {
	if cfg.ReplayCap <= 0 {
		cfg.ReplayCap = DefaultReplayCap
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultBackpressureHighWaterMark
	}
	if cfg.IDGen == nil {
		cfg.IDGen = func() string { return "" }
	}
	return &Broadcaster{bus: bus, replayCap: cfg.ReplayCap, highWaterMark: cfg.HighWaterMark, idGen: cfg.IDGen}
}

// Attach adds c to sess, sending session_init, an optional cli_connected,
// then the bounded replay of messageHistory (spec.md §4.6, §8 invariant 4).
// The mediator additionally re-emits pending permission requests after
// Attach returns (spec.md §4.7 "Late-join replay invariant").
func (b *Broadcaster) Attach(ctx context.Context, sess *Session, c *Consumer) {
	sess.AddConsumer(c)

	initMsg := unified.New(b.idGen, unified.TypeSessionInit, unified.RoleSystem, nil, stateMetadata(sess.State()))
	b.sendTo(c, initMsg)

	if sess.CLIConnected() {
		b.sendTo(c, unified.New(b.idGen, unified.TypeCLIConnected, unified.RoleSystem, nil, nil))
	}

	for _, msg := range sess.HistoryTail(b.replayCap) {
		b.sendTo(c, msg)
	}

	b.publish(ctx, events.EventConsumerAttached, sess.ID, map[string]interface{}{"connectionId": c.ConnectionID, "role": string(c.Role)})
}

// Detach removes c from sess.
func (b *Broadcaster) Detach(ctx context.Context, sess *Session, connectionID string) {
	sess.RemoveConsumer(connectionID)
	b.publish(ctx, events.EventConsumerDetached, sess.ID, map[string]interface{}{"connectionId": connectionID})
}

// Broadcast sends msg to every attached consumer. The frame is serialized
// once (spec.md §4.6 "Serialization").
func (b *Broadcaster) Broadcast(ctx context.Context, sess *Session, msg unified.Message) {
	b.broadcastFiltered(ctx, sess, msg, nil)
}

// BroadcastToParticipants sends msg only to participant-role consumers.
func (b *Broadcaster) BroadcastToParticipants(ctx context.Context, sess *Session, msg unified.Message) {
	b.broadcastFiltered(ctx, sess, msg, func(c *Consumer) bool { return c.Role == RoleParticipant })
}

func (b *Broadcaster) broadcastFiltered(ctx context.Context, sess *Session, msg unified.Message, filter func(*Consumer) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcaster[%s]: marshal: %v", sess.ID, err)
		return
	}
	for _, c := range sess.Consumers() {
		if filter != nil && !filter(c) {
			continue
		}
		b.sendBytes(ctx, sess, c, data)
	}
}

// SendTo sends msg to exactly one consumer.
func (b *Broadcaster) SendTo(sess *Session, c *Consumer, msg unified.Message) {
	b.sendTo(c, msg)
}

func (b *Broadcaster) sendTo(c *Consumer, msg unified.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcaster: marshal: %v", err)
		return
	}
	_ = b.sendRawTo(c, data)
}

// sendBytes enforces the backpressure high-water mark before writing
// (spec.md §4.6 "Backpressure").
func (b *Broadcaster) sendBytes(ctx context.Context, sess *Session, c *Consumer, data []byte) {
	if c.Transport.BufferedAmount() > b.highWaterMark {
		_ = c.Transport.Close(closeBackpressure, "backpressure: buffered amount exceeded")
		sess.RemoveConsumer(c.ConnectionID)
		b.publish(ctx, events.EventConsumerBackpressure, sess.ID, map[string]interface{}{"connectionId": c.ConnectionID})
		return
	}
	_ = b.sendRawTo(c, data)
}

func (b *Broadcaster) sendRawTo(c *Consumer, data []byte) error {
	if err := c.Transport.Send(data); err != nil {
		return fmt.Errorf("broadcaster: send to %s: %w", c.ConnectionID, err)
	}
	return nil
}

func (b *Broadcaster) publish(ctx context.Context, typ, sessionID string, payload map[string]interface{}) {
	if b.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["sessionId"] = sessionID
	_ = b.bus.Publish(ctx, events.Event{Type: typ, Payload: payload})
}

func stateMetadata(st *State) unified.Metadata {
	data, err := json.Marshal(st)
	if err != nil {
		return unified.Metadata{}
	}
	var m unified.Metadata
	_ = json.Unmarshal(data, &m)
	return m
}
