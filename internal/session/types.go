// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the components spec.md identifies as the core
// of the broker: the Session entity and its Consumer Broadcaster,
// Permission Mediator, State Reducer, Backend Lifecycle Manager, Session
// Coordinator, and Recovery Service. Fan-out and per-session ownership are
// grounded on internal/claude.Session's subscriber map and fanOut loop,
// generalized from a single chan-of-StreamEvent subscriber list to the
// role-aware, history-replaying Consumer set spec.md §4.6 describes.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/unified"
)

// Role is a Consumer's participation level (spec.md §3, glossary).
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// DefaultHistoryCap is messageHistory's default cap (spec.md §3).
const DefaultHistoryCap = 10000

// DefaultReplayCap is the default bounded replay size on attach (spec.md §4.6).
const DefaultReplayCap = 100

// DefaultBackpressureHighWaterMark is the per-consumer bufferedAmount
// threshold past which the broadcaster closes the transport (spec.md §4.6).
const DefaultBackpressureHighWaterMark = 4 * 1024 * 1024

// MaxInboundFrameBytes bounds a single consumer->core frame (spec.md §4.6, §6).
const MaxInboundFrameBytes = 256 * 1024

// Transport is the minimal WebSocketLike surface the broadcaster needs
// (spec.md §3 "Consumer... transport"). Production implementations wrap
// *websocket.Conn; tests use an in-memory fake.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
	BufferedAmount() int
}

// PermissionRequest is one in-flight tool-use authorization awaiting a
// consumer decision (spec.md §4.7, glossary "Pending permission").
type PermissionRequest struct {
	RequestID  string
	ToolName   string
	ToolUseID  string
	Message    unified.Message // the original permission_request, for replay
	RequestedAt time.Time
}

// Consumer is a browser WebSocket client attached to a session (spec.md §3).
type Consumer struct {
	ConnectionID string
	Role         Role
	UserID       string
	DisplayName  string
	Transport    Transport
	RateLimiter  *RateLimiter
}

// TeamMember and Task are the derived team sub-entity spec.md §3 describes
// ("Optional team sub-entity (members, tasks) maintained by team-tool
// correlation").
type TeamMember struct {
	Name string `json:"name"`
}

type Task struct {
	ID       string `json:"id"`
	TeamName string `json:"team_name"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
}

// Team is SessionState's optional sub-entity.
type Team struct {
	Members []TeamMember `json:"members,omitempty"`
	Tasks   []Task       `json:"tasks,omitempty"`
}

// ModelUsage mirrors one entry of a result message's modelUsage metadata.
type ModelUsage struct {
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	ContextWindow int     `json:"contextWindow"`
	CostUSD       float64 `json:"costUSD"`
}

// State is the derived per-session snapshot owned by the State Reducer
// (spec.md §3 "SessionState"). It is treated as immutable once produced:
// reduce() either returns the same *State or a freshly allocated one.
type State struct {
	SessionID        string   `json:"session_id"`
	Model            string   `json:"model,omitempty"`
	CWD              string   `json:"cwd,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	PermissionMode   string   `json:"permissionMode,omitempty"`
	MCPServers       []string `json:"mcp_servers,omitempty"`
	Agents           []string `json:"agents,omitempty"`
	SlashCommands    []string `json:"slash_commands,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	ClaudeCodeVersion string  `json:"claude_code_version,omitempty"`

	TotalCostUSD        float64 `json:"total_cost_usd,omitempty"`
	NumTurns            int     `json:"num_turns,omitempty"`
	ContextUsedPercent  float64 `json:"context_used_percent,omitempty"`
	IsCompacting        bool    `json:"is_compacting,omitempty"`

	TotalLinesAdded   int `json:"total_lines_added,omitempty"`
	TotalLinesRemoved int `json:"total_lines_removed,omitempty"`

	LastDurationMS    int64             `json:"last_duration_ms,omitempty"`
	LastDurationAPIMS int64             `json:"last_duration_api_ms,omitempty"`
	LastModelUsage    *ModelUsage       `json:"last_model_usage,omitempty"`

	Team *Team `json:"team,omitempty"`
}

// clone returns a shallow-deep copy sufficient for reducer's
// copy-on-write discipline (spec.md §8 invariant 1): slices/maps and the
// Team pointer are re-allocated so mutating the copy never aliases state.
func (s *State) clone() *State {
	cp := *s
	cp.Tools = append([]string(nil), s.Tools...)
	cp.MCPServers = append([]string(nil), s.MCPServers...)
	cp.Agents = append([]string(nil), s.Agents...)
	cp.SlashCommands = append([]string(nil), s.SlashCommands...)
	cp.Skills = append([]string(nil), s.Skills...)
	if s.LastModelUsage != nil {
		mu := *s.LastModelUsage
		cp.LastModelUsage = &mu
	}
	if s.Team != nil {
		t := *s.Team
		t.Members = append([]TeamMember(nil), s.Team.Members...)
		t.Tasks = append([]Task(nil), s.Team.Tasks...)
		cp.Team = &t
	}
	return &cp
}

// NewState returns the zero-value state for a freshly created session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID}
}

// Session is the central entity (spec.md §3). The Session Coordinator owns
// it exclusively; other components are handed the pointer and synchronize
// through Session's own mutex, which guards the unexported fields below. The
// exported fields are not guarded by it. Mutations arrive on whichever
// goroutine delivers them (the lifecycle consumer loop, consumer WebSocket
// handlers); there is no per-session goroutine serializing them.
type Session struct {
	ID             string
	AdapterName    string
	CWD            string
	Model          string
	PermissionMode string
	CreatedAt      time.Time
	Name           string

	mu                sync.Mutex
	archived          bool
	backendSessionID  string
	backend           adapter.Session
	state             *State
	history           []unified.Message
	historyCap        int
	pendingMessages   []unified.Message
	pendingPermissions map[string]PermissionRequest
	consumers         map[string]*Consumer
	lastActivity      time.Time
	cliConnected      bool
}

// New constructs a Session with an empty derived state and history cap.
func New(id, adapterName, cwd string, historyCap int) *Session {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Session{
		ID:                 id,
		AdapterName:        adapterName,
		CWD:                cwd,
		CreatedAt:          time.Now(),
		state:              NewState(id),
		historyCap:         historyCap,
		pendingPermissions: make(map[string]PermissionRequest),
		consumers:          make(map[string]*Consumer),
		lastActivity:       time.Now(),
	}
}

// State returns the current derived state snapshot. Safe for concurrent use.
func (s *Session) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState installs a new (or unchanged) state produced by the reducer.
func (s *Session) setState(st *State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Archived reports the soft-delete flag.
func (s *Session) Archived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archived
}

func (s *Session) SetArchived(v bool) {
	s.mu.Lock()
	s.archived = v
	s.mu.Unlock()
}

// BackendSessionID returns the vendor-internal conversation id used for resume.
func (s *Session) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

func (s *Session) SetBackendSessionID(id string) {
	s.mu.Lock()
	s.backendSessionID = id
	s.mu.Unlock()
}

// Backend returns the currently attached adapter session, or nil between
// disconnect and reconnect.
func (s *Session) Backend() adapter.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

func (s *Session) setBackend(b adapter.Session) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// CLIConnected reports whether the backend is currently connected (used to
// decide whether an attaching consumer should be sent cli_connected, spec.md
// §4.6).
func (s *Session) CLIConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cliConnected
}

func (s *Session) setCLIConnected(v bool) {
	s.mu.Lock()
	s.cliConnected = v
	s.mu.Unlock()
}

// TouchActivity records the monotonic timestamp of the last inbound or
// outbound message.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AppendHistory appends msg to messageHistory, trimming from the head once
// historyCap is exceeded (spec.md §3 "Appends are append-only; trimming
// drops from the head").
func (s *Session) AppendHistory(msg unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if over := len(s.history) - s.historyCap; over > 0 {
		s.history = s.history[over:]
	}
}

// HistoryTail returns up to n of the most recent history messages (n <= 0
// means no cap).
func (s *Session) HistoryTail(n int) []unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.history) {
		out := make([]unified.Message, len(s.history))
		copy(out, s.history)
		return out
	}
	start := len(s.history) - n
	out := make([]unified.Message, n)
	copy(out, s.history[start:])
	return out
}

// EnqueuePending queues an outbound frame awaiting backend connection.
func (s *Session) EnqueuePending(msg unified.Message) {
	s.mu.Lock()
	s.pendingMessages = append(s.pendingMessages, msg)
	s.mu.Unlock()
}

// DrainPending returns and clears the queued outbound frames.
func (s *Session) DrainPending() []unified.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingMessages
	s.pendingMessages = nil
	return out
}

// AddPendingPermission records an in-flight permission request.
func (s *Session) AddPendingPermission(p PermissionRequest) {
	s.mu.Lock()
	s.pendingPermissions[p.RequestID] = p
	s.mu.Unlock()
}

// TakePendingPermission removes and returns a pending permission by id.
func (s *Session) TakePendingPermission(requestID string) (PermissionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	return p, ok
}

// DrainPendingPermissions removes and returns every pending permission, in
// no particular order (spec.md §4.5 "Cancels all pending permission
// requests").
func (s *Session) DrainPendingPermissions() []PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PermissionRequest, 0, len(s.pendingPermissions))
	for _, p := range s.pendingPermissions {
		out = append(out, p)
	}
	s.pendingPermissions = make(map[string]PermissionRequest)
	return out
}

// PendingPermissions returns a snapshot of currently pending requests
// (spec.md §4.7 "Late-join replay invariant").
func (s *Session) PendingPermissions() []PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PermissionRequest, 0, len(s.pendingPermissions))
	for _, p := range s.pendingPermissions {
		out = append(out, p)
	}
	return out
}

// AddConsumer attaches c to the session.
func (s *Session) AddConsumer(c *Consumer) {
	s.mu.Lock()
	s.consumers[c.ConnectionID] = c
	s.mu.Unlock()
}

// RemoveConsumer detaches a consumer by connection id.
func (s *Session) RemoveConsumer(connectionID string) {
	s.mu.Lock()
	delete(s.consumers, connectionID)
	s.mu.Unlock()
}

// Consumers returns a snapshot slice of attached consumers.
func (s *Session) Consumers() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// ConsumerCount reports the number of attached consumers.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// MarshalState returns the JSON encoding of the current derived state,
// convenience for HTTP handlers and session_init construction.
func (s *Session) MarshalState() ([]byte, error) {
	return json.Marshal(s.State())
}
