// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package opencode implements the OpenCode direct-connect adapter (spec.md
// §4.1): HTTP+SSE, turn-based — a prompt is POSTed and the reply arrives
// asynchronously over one long-lived SSE subscription opened at Connect
// time, rather than gemini's per-turn POST-and-stream-the-response-body
// shape.
package opencode

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

// Adapter is the OpenCode direct-connect backend.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New constructs an opencode Adapter against a running OpenCode service at baseURL.
func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string { return "opencode" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{Streaming: true, Permissions: true, SlashCommands: true, Availability: true, Teams: false}
}

// Connect creates a session on the OpenCode service, then opens its SSE
// event subscription in the background (spec.md §4.1 "OpenCode: direct
// connect: HTTP+SSE, turn based. POST prompt, subscribe via SSE").
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	initCtx, cancel := adapter.WithInitializeTimeout(ctx, 0)
	defer cancel()

	createBody, _ := json.Marshal(map[string]interface{}{
		"id":    opts.SessionID,
		"cwd":   opts.CWD,
		"model": opts.Model,
	})
	req, err := http.NewRequestWithContext(initCtx, http.MethodPost, a.baseURL+"/session", bytes.NewReader(createBody))
	if err != nil {
		return nil, fmt.Errorf("opencode: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opencode: create session: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("opencode: create session returned %s", resp.Status)
	}

	sub, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		fmt.Sprintf("%s/session/%s/events", a.baseURL, opts.SessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("opencode: build subscribe request: %w", err)
	}
	sub.Header.Set("Accept", "text/event-stream")

	subResp, err := a.client.Do(sub)
	if err != nil {
		return nil, fmt.Errorf("opencode: subscribe: %w", err)
	}
	if subResp.StatusCode >= 300 {
		subResp.Body.Close()
		return nil, fmt.Errorf("opencode: subscribe returned %s", subResp.Status)
	}

	sess := newSession(a.baseURL, a.client, opts, subResp.Body)
	return sess, nil
}

// Session is one OpenCode conversation: a stable SSE subscription feeding
// out, with Send doing a fire-and-forget POST per turn.
type Session struct {
	baseURL   string
	client    *http.Client
	sessionID string

	out  chan unified.Message
	errV error

	body      io.ReadCloser
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	passthrough adapter.PassthroughHandler
}

func newSession(baseURL string, client *http.Client, opts adapter.ConnectOptions, body io.ReadCloser) *Session {
	s := &Session{
		baseURL:   baseURL,
		client:    client,
		sessionID: opts.SessionID,
		out:       make(chan unified.Message, 64),
		body:      body,
		done:      make(chan struct{}),
	}
	go s.readLoop(body)
	return s
}

func (s *Session) Messages() <-chan unified.Message { return s.out }
func (s *Session) Err() error                       { return s.errV }

func (s *Session) readLoop(body io.ReadCloser) {
	defer close(s.out)
	gen := func() string { return uuid.NewString() }

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	emit := func() bool {
		if data.Len() == 0 {
			return true
		}
		msg, ok, err := decodeEvent(gen, event, strings.TrimSuffix(data.String(), "\n"))
		event = ""
		data.Reset()
		if err != nil || !ok {
			return true
		}
		select {
		case s.out <- msg:
			return true
		case <-s.done:
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !emit() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
			data.WriteString("\n")
		}
	}
	emit()
	s.errV = scanner.Err()
}

// Send POSTs the prompt; the reply streams back through the already-open
// SSE subscription rather than this call's response.
func (s *Session) Send(ctx context.Context, msg unified.Message) error {
	if msg.Type != unified.TypeUserMessage {
		return s.sendControl(ctx, msg)
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == unified.BlockText {
			text.WriteString(b.Text)
		}
	}
	body, _ := json.Marshal(map[string]interface{}{"prompt": text.String()})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/message", s.baseURL, s.sessionID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opencode: build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opencode: send message: %w", err)
	}
	resp.Body.Close()
	return nil
}

// sendControl handles non-user-message outbound types OpenCode supports
// (interrupt, permission_response) via dedicated control endpoints.
func (s *Session) sendControl(ctx context.Context, msg unified.Message) error {
	var path string
	var payload map[string]interface{}

	switch msg.Type {
	case unified.TypeInterrupt:
		path = fmt.Sprintf("%s/session/%s/abort", s.baseURL, s.sessionID)
	case unified.TypePermissionResponse:
		path = fmt.Sprintf("%s/session/%s/permission", s.baseURL, s.sessionID)
		payload = map[string]interface{}{
			"requestId": msg.Metadata["request_id"],
			"behavior":  msg.Metadata.String("behavior"),
		}
	default:
		return nil
	}

	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &body)
	if err != nil {
		return fmt.Errorf("opencode: build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opencode: control request: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (s *Session) SendRaw(ctx context.Context, data []byte) error {
	return adapter.ErrSendRawUnsupported
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
	return nil
}

func (s *Session) SetPassthroughHandler(h adapter.PassthroughHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough = h
}

// decodeEvent maps one OpenCode SSE event into a UnifiedMessage.
func decodeEvent(gen unified.IDGenerator, event, data string) (unified.Message, bool, error) {
	var payload struct {
		Text       string `json:"text"`
		Status     string `json:"status"`
		IsError    bool   `json:"isError"`
		ErrorMsg   string `json:"errorMessage"`
		RequestID  string `json:"requestId"`
		ToolName   string `json:"toolName"`
		ToolUseID  string `json:"toolUseId"`
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return unified.Message{}, false, err
		}
	}

	switch event {
	case "message":
		if payload.Text == "" {
			return unified.Message{}, false, nil
		}
		return unified.New(gen, unified.TypeAssistant, unified.RoleAssistant, []unified.ContentBlock{unified.Text(payload.Text)}, nil), true, nil
	case "status":
		return unified.New(gen, unified.TypeStatusChange, unified.RoleSystem, nil, unified.Metadata{"status": payload.Status}), true, nil
	case "permission_request":
		return unified.New(gen, unified.TypePermissionRequest, unified.RoleTool, nil, unified.Metadata{
			"request_id":  payload.RequestID,
			"tool_name":   payload.ToolName,
			"tool_use_id": payload.ToolUseID,
		}), true, nil
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
