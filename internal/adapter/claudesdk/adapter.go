// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package claudesdk

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/process"
	"github.com/teng-lin/beamcode/internal/unified"
)

// Adapter is the Claude Code inverted-connection backend.
type Adapter struct {
	registry   *Registry
	supervisor *process.Supervisor
	binaryPath string
	listenAddr string // host:port the CLI's --sdk-url dials back into
}

// New constructs a claudesdk Adapter. listenAddr is the address the
// /ws/cli/:sessionId endpoint is served on (e.g. "127.0.0.1:8417").
func New(registry *Registry, supervisor *process.Supervisor, binaryPath, listenAddr string) *Adapter {
	return &Adapter{registry: registry, supervisor: supervisor, binaryPath: binaryPath, listenAddr: listenAddr}
}

func (a *Adapter) Name() string { return "claude-sdk" }

// CallbackRegistry exposes the adapter's callback Registry so the HTTP
// layer's /ws/cli/:sessionId handler can resolve the CLI's dial-back.
func (a *Adapter) CallbackRegistry() *Registry { return a.registry }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true, SlashCommands: true, Availability: true, Teams: true}
}

// Connect spawns the CLI with --sdk-url pointing at our listener, then
// awaits its callback connection. On timeout or failure, any spawned
// process is killed and the registry wait is cancelled (spec.md §4.1
// "Initialize timeout").
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	ctx, cancel := adapter.WithInitializeTimeout(ctx, 0)
	defer cancel()

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--include-partial-messages",
		"--sdk-url", fmt.Sprintf("ws://%s/ws/cli/%s", a.listenAddr, opts.SessionID),
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	handle, err := a.supervisor.Spawn(ctx, opts.SessionID, process.Spec{
		Path: a.binaryPath,
		Args: args,
		Dir:  opts.CWD,
	})
	if err != nil {
		return nil, fmt.Errorf("claudesdk: spawn: %w", err)
	}

	conn, err := a.registry.Await(ctx, opts.SessionID)
	if err != nil {
		a.supervisor.KillProcess(handle)
		return nil, fmt.Errorf("claudesdk: awaiting CLI callback: %w", err)
	}

	sess := newSession(opts.SessionID, conn, handle, a.supervisor)
	return sess, nil
}

// Session is one live inverted WebSocket connection to a running Claude CLI
// process, generalized from internal/claude.Session's readLoop/fanOut
// pattern but sourcing frames from a WebSocket instead of a stdio pipe.
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
		if ph != nil {
			if handled := ph(data); handled {
				continue
			}
		}

		msg, ok, err := decode(gen, data)
		if err != nil {
			log.Printf("claudesdk[%s]: decode: %v", s.sessionID, err)
			continue
		}
		if !ok {
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
		return fmt.Errorf("claudesdk: encode: %w", err)
	}
	if !ok {
		return nil // adapter-defined no-op, per spec.md §4.1
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

