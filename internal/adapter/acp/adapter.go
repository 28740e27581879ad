// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package acp implements the ACP adapter family. spec.md §4.1 gives this
// variant no protocol detail beyond "other variants use the same
// interface" — so this adapter is grounded on the codex adapter's
// direct-connect websocket shape (launch child, dial, minimal handshake),
// the closest-specified sibling, rather than inventing wire behavior
// spec.md never describes. Adapters speaking an actual ACP dialect can
// replace decode/encode in codec.go without touching the Adapter/Session
// shape below.
package acp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/process"
	"github.com/teng-lin/beamcode/internal/unified"
)

const dialRetryInterval = 100 * time.Millisecond

// Adapter is a direct-connect ACP backend.
type Adapter struct {
	supervisor *process.Supervisor
	binaryPath string
}

// New constructs an acp Adapter.
func New(supervisor *process.Supervisor, binaryPath string) *Adapter {
	return &Adapter{supervisor: supervisor, binaryPath: binaryPath}
}

func (a *Adapter) Name() string { return "acp" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true, SlashCommands: false, Availability: true, Teams: false}
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	ctx, cancel := adapter.WithInitializeTimeout(ctx, 0)
	defer cancel()

	port, err := freeLocalPort()
	if err != nil {
		return nil, fmt.Errorf("acp: reserve listen port: %w", err)
	}
	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)

	args := []string{"--listen", listenAddr}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}

	handle, err := a.supervisor.Spawn(ctx, opts.SessionID, process.Spec{
		Path: a.binaryPath,
		Args: args,
		Dir:  opts.CWD,
	})
	if err != nil {
		return nil, fmt.Errorf("acp: spawn: %w", err)
	}

	conn, err := dialWithRetry(ctx, fmt.Sprintf("ws://%s/", listenAddr), handle)
	if err != nil {
		a.supervisor.KillProcess(handle)
		return nil, fmt.Errorf("acp: dial: %w", err)
	}

	return newSession(opts.SessionID, conn, handle, a.supervisor), nil
}

func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func dialWithRetry(ctx context.Context, url string, handle *process.Handle) (*websocket.Conn, error) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-handle.Exited():
			res := handle.Result()
			return nil, fmt.Errorf("child exited before accepting connection (uptimeMs=%d)", res.UptimeMs)
		case <-time.After(dialRetryInterval):
		}
	}
}

// Session is one live direct-connect websocket to a running ACP agent.
type Session struct {
	sessionID string
	conn      *websocket.Conn
	handle    *process.Handle
	sup       *process.Supervisor

	out  chan unified.Message
	errV error

	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	passthrough adapter.PassthroughHandler
}

func newSession(sessionID string, conn *websocket.Conn, handle *process.Handle, sup *process.Supervisor) *Session {
	s := &Session{
		sessionID: sessionID,
		conn:      conn,
		handle:    handle,
		sup:       sup,
		out:       make(chan unified.Message, 64),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Session) Messages() <-chan unified.Message { return s.out }
func (s *Session) Err() error                       { return s.errV }

func (s *Session) readLoop() {
	defer close(s.out)
	gen := func() string { return uuid.NewString() }

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errV = err
			return
		}

		s.mu.Lock()
		ph := s.passthrough
		s.mu.Unlock()
		if ph != nil && ph(data) {
			continue
		}

		msg, ok, err := decode(gen, data)
		if err != nil || !ok {
			continue
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Session) Send(ctx context.Context, msg unified.Message) error {
	data, ok, err := encode(msg)
	if err != nil {
		return fmt.Errorf("acp: encode: %w", err)
	}
	if !ok {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		if s.handle != nil {
			s.sup.KillProcess(s.handle)
		}
	})
	return err
}

func (s *Session) SetPassthroughHandler(h adapter.PassthroughHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = h
}
