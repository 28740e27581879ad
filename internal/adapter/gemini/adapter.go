// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gemini implements the Gemini A2A direct-connect adapter (spec.md
// §4.1): a plain HTTP POST per outbound message, with the backend's
// response streamed back as text/event-stream SSE. Unlike codex/claudesdk,
// Gemini's backend is a long-running service the adapter talks to over
// HTTP rather than a child process the supervisor owns — there is no
// process.Supervisor involvement here, matching spec.md's A2A row ("no
// process lifecycle; talks to an already-running service").
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/unified"
)

// Adapter is the Gemini A2A direct-connect backend.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New constructs a gemini Adapter against a running A2A service at baseURL.
func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0}, // streaming responses: no blanket timeout
	}
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: false, SlashCommands: false, Availability: true, Teams: false}
}

// Connect validates the A2A service is reachable and returns a Session. No
// persistent connection is opened here: each outbound message is its own
// POST-and-stream-response turn (spec.md §4.1 "Gemini A2A" row).
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	ctx, cancel := adapter.WithInitializeTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: build health check: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: service unreachable: %w", err)
	}
	resp.Body.Close()

	return newSession(a.baseURL, a.client, opts), nil
}

// Session is one logical conversation against the A2A service; each Send
// opens and drains its own POST+SSE turn.
type Session struct {
	baseURL   string
	client    *http.Client
	sessionID string
	model     string

	out  chan unified.Message
	errV error

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(baseURL string, client *http.Client, opts adapter.ConnectOptions) *Session {
	s := &Session{
		baseURL:   baseURL,
		client:    client,
		sessionID: opts.SessionID,
		model:     opts.Model,
		out:       make(chan unified.Message, 64),
		done:      make(chan struct{}),
	}
	s.out <- unified.New(func() string { return uuid.NewString() }, unified.TypeSessionInit, unified.RoleSystem, nil, unified.Metadata{
		"model": opts.Model,
		"cwd":   opts.CWD,
	})
	return s
}

func (s *Session) Messages() <-chan unified.Message { return s.out }
func (s *Session) Err() error                       { return s.errV }

// Send POSTs the task and streams its SSE response into out, returning once
// the stream ends (or ctx is cancelled). spec.md §4.1 describes this as
// "direct-connect: POST task, consume text/event-stream SSE."
func (s *Session) Send(ctx context.Context, msg unified.Message) error {
	if msg.Type != unified.TypeUserMessage {
		return nil // no outbound representation for other types over A2A
	}

	text := collectText(msg)
	body, err := json.Marshal(map[string]interface{}{
		"sessionId": s.sessionID,
		"model":     s.model,
		"message":   text,
	})
	if err != nil {
		return fmt.Errorf("gemini: encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: task request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gemini: task request returned %s", resp.Status)
	}

	gen := func() string { return uuid.NewString() }
	return consumeSSE(resp.Body, func(event, data string) bool {
		msg, ok, err := decodeEvent(gen, event, data)
		if err != nil || !ok {
			return true
		}
		select {
		case s.out <- msg:
			return true
		case <-s.done:
			return false
		}
	})
}

func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return adapter.ErrSendRawUnsupported
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		close(s.out)
	})
	return nil
}

func (s *Session) SetPassthroughHandler(h adapter.PassthroughHandler) {
	// Gemini's A2A surface has no raw-frame passthrough concept.
}

func collectText(msg unified.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == unified.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// consumeSSE scans a text/event-stream body, calling fn(event, data) for
// each dispatched event (the "event:"/"data:" framing of the SSE spec).
// Returning false from fn stops the scan early.
func consumeSSE(r io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		ok := fn(event, strings.TrimSuffix(data.String(), "\n"))
		event = ""
		data.Reset()
		return ok
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
			data.WriteString("\n")
		case strings.HasPrefix(line, ":"):
			// comment/keep-alive line, ignored
		}
	}
	flush()
	return scanner.Err()
}

// decodeEvent maps one SSE (event, data) pair to a UnifiedMessage, per
// spec.md §1's "black box" framing: a minimal decode sufficient to drive the
// Session contract, not a full A2A task-state reproduction.
func decodeEvent(gen unified.IDGenerator, event, data string) (unified.Message, bool, error) {
	var payload struct {
		Text     string `json:"text"`
		State    string `json:"state"`
		IsError  bool   `json:"isError"`
		ErrorMsg string `json:"errorMessage"`
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return unified.Message{}, false, err
		}
	}

	switch event {
	case "", "message":
		if payload.Text == "" {
			return unified.Message{}, false, nil
		}
		return unified.New(gen, unified.TypeAssistant, unified.RoleAssistant, []unified.ContentBlock{unified.Text(payload.Text)}, nil), true, nil
	case "status":
		return unified.New(gen, unified.TypeStatusChange, unified.RoleSystem, nil, unified.Metadata{"status": payload.State}), true, nil
	case "done":
		meta := unified.Metadata{"is_error": payload.IsError}
		if payload.IsError {
			meta["error_code"] = unified.ErrorExecution
			meta["error_message"] = payload.ErrorMsg
		}
		return unified.New(gen, unified.TypeResult, unified.RoleAssistant, nil, meta), true, nil
	default:
		return unified.Message{}, false, nil
	}
}
