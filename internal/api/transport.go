// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// transportQueueSize bounds the number of frames queued for a single slow
// consumer before Send starts reporting failures (spec.md §4.6
// "Backpressure"). The byte-based high-water-mark check in the broadcaster
// is expected to close the transport well before this fills.
const transportQueueSize = 1024

// wsTransport adapts a *websocket.Conn to session.Transport (spec.md §3
// "transport — WebSocketLike (only send(text), close(code, reason),
// bufferedAmount used)"). Writes are handed to a single per-connection
// writer goroutine over a buffered channel — the same per-subscriber
// queue-plus-drain-loop shape as trellis's claude.Session.Subscribe /
// fanOut (internal/claude/manager.go:640-678) — so a slow consumer's
// blocking network write never stalls the broadcaster goroutine fanning
// out to every other consumer. BufferedAmount reports the queue's current
// byte depth, which is what actually lets the high-water-mark check in
// internal/session/broadcaster.go trigger.
type wsTransport struct {
	conn  *websocket.Conn
	queue chan []byte

	pending int64 // bytes enqueued but not yet written; atomic

	writeMu sync.Mutex // serializes every write into conn (gorilla/websocket allows only one)

	closeMu sync.Mutex
	closed  bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn, queue: make(chan []byte, transportQueueSize)}
	go t.writeLoop()
	return t
}

// writeLoop is the transport's single writer goroutine: every call into
// *websocket.Conn's write methods (WriteMessage, WriteControl), including
// the keepalive ping and the close handshake Close issues, goes through
// writeMu so gorilla/websocket never sees two concurrent writers.
func (t *wsTransport) writeLoop() {
	ticker := time.NewTicker(consumerPingEvery)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-t.queue:
			if !ok {
				return
			}
			t.writeMu.Lock()
			_ = t.conn.WriteMessage(websocket.TextMessage, data)
			t.writeMu.Unlock()
			atomic.AddInt64(&t.pending, -int64(len(data)))
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send enqueues data for the writer goroutine without blocking the caller.
// The broadcaster is expected to consult BufferedAmount before calling
// Send; a full queue here means that check was bypassed or raced, so this
// is a last-resort drop rather than the primary backpressure mechanism.
func (t *wsTransport) Send(data []byte) error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return fmt.Errorf("wsTransport: send on closed transport")
	}

	atomic.AddInt64(&t.pending, int64(len(data)))
	select {
	case t.queue <- data:
		return nil
	default:
		atomic.AddInt64(&t.pending, -int64(len(data)))
		return fmt.Errorf("wsTransport: write queue full")
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.closeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}

func (t *wsTransport) BufferedAmount() int {
	return int(atomic.LoadInt64(&t.pending))
}
