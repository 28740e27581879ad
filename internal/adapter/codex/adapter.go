// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package codex implements the Codex direct-connect adapter (spec.md §4.1):
// unlike claudesdk's inverted connection, here the coordinator launches the
// child and then dials in, retrying while the child's listener comes up,
// before completing a JSON-RPC initialize/initialized handshake. Process
// ownership (Spawn/KillProcess, circuit-breaker feed) is the same
// internal/process.Supervisor every adapter shares; only the connection
// direction and wire codec are adapter-specific, per spec.md's "each adapter
// is a black box implementing a single interface."
package codex

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

// dialRetryInterval is how often Connect retries the websocket dial while
// the child process's listener is still coming up.
const dialRetryInterval = 100 * time.Millisecond

// Adapter is the Codex direct-connect backend.
type Adapter struct {
	supervisor *process.Supervisor
	binaryPath string
}

// New constructs a codex Adapter.
func New(supervisor *process.Supervisor, binaryPath string) *Adapter {
	return &Adapter{supervisor: supervisor, binaryPath: binaryPath}
}

func (a *Adapter) Name() string { return "codex" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true, SlashCommands: false, Availability: true, Teams: false}
}

// Connect launches the Codex child process with a free local port, dials
// its websocket (retrying until it accepts or the initialize timeout
// expires), and completes the JSON-RPC initialize/initialized handshake
// (spec.md §4.1 "Codex" row).
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	ctx, cancel := adapter.WithInitializeTimeout(ctx, 0)
	defer cancel()

	port, err := freeLocalPort()
	if err != nil {
		return nil, fmt.Errorf("codex: reserve listen port: %w", err)
	}
	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)

	args := []string{"--listen", listenAddr}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
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
		return nil, fmt.Errorf("codex: spawn: %w", err)
	}

	conn, err := dialWithRetry(ctx, fmt.Sprintf("ws://%s/", listenAddr), handle)
	if err != nil {
		a.supervisor.KillProcess(handle)
		return nil, fmt.Errorf("codex: dial: %w", err)
	}

	if err := handshake(ctx, conn, opts); err != nil {
		conn.Close()
		a.supervisor.KillProcess(handle)
		return nil, fmt.Errorf("codex: handshake: %w", err)
	}

	return newSession(opts.SessionID, conn, handle, a.supervisor), nil
}

// freeLocalPort asks the kernel for an unused TCP port, then releases it
// immediately; there is an unavoidable TOCTOU gap the child's own listener
// must tolerate by failing fast if the port is taken.
func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// dialWithRetry polls the websocket endpoint until it accepts, the child
// exits, or ctx expires (spec.md §4.1 "requires retry loop during child
// startup").
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

// handshake performs the JSON-RPC initialize/initialized exchange.
func handshake(ctx context.Context, conn *websocket.Conn, opts adapter.ConnectOptions) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}

	req := newRequest(1, "initialize", map[string]interface{}{
		"cwd":            opts.CWD,
		"model":          opts.Model,
		"permissionMode": opts.PermissionMode,
	})
	if err := writeJSONRPC(conn, req); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		resp, ok := parseResponse(data)
		if !ok {
			continue
		}
		if resp.ID != 1 {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("initialize failed: %s", resp.Error.Message)
		}
		break
	}

	conn.SetReadDeadline(time.Time{})
	return writeJSONRPC(conn, newNotification("initialized", nil))
}

// Session is one live direct-connect websocket to a running Codex process.
type Session struct {
	sessionID string
	conn      *websocket.Conn
	handle    *process.Handle
	sup       *process.Supervisor

	out  chan unified.Message
	errV error

	closeOnce sync.Once
	done      chan struct{}

	mu              sync.Mutex
	passthrough     adapter.PassthroughHandler
	approvalMethods map[string]string // request_id -> originating RPC method (spec.md §9)
}

func newSession(sessionID string, conn *websocket.Conn, handle *process.Handle, sup *process.Supervisor) *Session {
	s := &Session{
		sessionID:       sessionID,
		conn:            conn,
		handle:          handle,
		sup:             sup,
		out:             make(chan unified.Message, 64),
		done:            make(chan struct{}),
		approvalMethods: make(map[string]string),
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

		msg, method, ok, err := decode(gen, data)
		if err != nil {
			continue
		}
		if !ok {
			continue
		}
		if msg.Type == unified.TypePermissionRequest {
			s.mu.Lock()
			s.approvalMethods[msg.Metadata.String("request_id")] = method
			s.mu.Unlock()
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Session) Send(ctx context.Context, msg unified.Message) error {
	var sourceMethod string
	if msg.Type == unified.TypePermissionResponse {
		requestID := msg.Metadata.String("request_id")
		s.mu.Lock()
		sourceMethod = s.approvalMethods[requestID]
		delete(s.approvalMethods, requestID)
		s.mu.Unlock()
	}

	req, ok := encode(msg, sourceMethod)
	if !ok {
		return nil
	}
	return writeJSONRPC(s.conn, req)
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
