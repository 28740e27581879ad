// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/teng-lin/beamcode/internal/unified"
)

// teamToolTTL is how long a buffered tool_use waits for its matching
// tool_result before the correlation entry is dropped (spec.md §4.8, §5).
const teamToolTTL = 30 * time.Second

// teamTools is the fixed closed set of tool names carrying team semantics
// (spec.md §4.8, glossary "Team tool").
var teamTools = map[string]bool{
	"TeamCreate": true,
	"TeamDelete": true,
	"TaskCreate": true,
	"TaskUpdate": true,
	"TaskList":   true,
	"TaskGet":    true,
	"SendMessage": true,
}

// pendingTeamToolUse is a buffered tool_use awaiting its tool_result.
type pendingTeamToolUse struct {
	toolName  string
	input     map[string]interface{}
	bufferedAt time.Time
}

// Reducer is the pure State Reducer (spec.md §4.8), plus the stateful
// pre-stage that buffers team tool_use blocks until their tool_result
// arrives (or expires). The buffer is the only mutable state the reducer
// owns; reduce() itself never mutates its *State argument (spec.md §8
// invariant 1).
type Reducer struct {
	mu      sync.Mutex
	pending map[string]pendingTeamToolUse // tool_use_id -> buffered use
}

// NewReducer constructs an empty Reducer.
func NewReducer() *Reducer {
	return &Reducer{pending: make(map[string]pendingTeamToolUse)}
}

// Reduce applies msg to state, returning the identical pointer if nothing
// changed or a freshly cloned *State otherwise (spec.md §4.8, §8 invariant 1).
func (r *Reducer) Reduce(state *State, msg unified.Message) *State {
	next := state
	switch msg.Type {
	case unified.TypeSessionInit:
		next = r.reduceSessionInit(state, msg)
	case unified.TypeStatusChange:
		next = r.reduceStatusChange(state, msg)
	case unified.TypeResult:
		next = r.reduceResult(state, msg)
	case unified.TypeControlResponse:
		// No state mutation here; spec.md §4.8 assigns capability updates
		// to an out-of-band bridge handler, not the reducer.
	}

	if msg.Type == unified.TypeAssistant {
		next = r.bufferTeamToolUses(next, msg)
	}
	if msg.Role == unified.RoleTool || msg.Type == unified.TypeToolUseSummary {
		next = r.correlateToolResults(next, msg)
	}
	return next
}

func (r *Reducer) reduceSessionInit(state *State, msg unified.Message) *State {
	changed := false
	cp := state.clone()

	if v := msg.Metadata.String("model"); v != "" && v != state.Model {
		cp.Model = v
		changed = true
	}
	if v := msg.Metadata.String("cwd"); v != "" && v != state.CWD {
		cp.CWD = v
		changed = true
	}
	if v := msg.Metadata.String("permissionMode"); v != "" && v != state.PermissionMode {
		cp.PermissionMode = v
		changed = true
	}
	if v := msg.Metadata.String("claude_code_version"); v != "" && v != state.ClaudeCodeVersion {
		cp.ClaudeCodeVersion = v
		changed = true
	}
	if ss, ok := stringSlice(msg.Metadata["tools"]); ok {
		cp.Tools = ss
		changed = true
	}
	if ss, ok := stringSlice(msg.Metadata["mcp_servers"]); ok {
		cp.MCPServers = ss
		changed = true
	}
	if ss, ok := stringSlice(msg.Metadata["agents"]); ok {
		cp.Agents = ss
		changed = true
	}
	if ss, ok := stringSlice(msg.Metadata["slash_commands"]); ok {
		cp.SlashCommands = ss
		changed = true
	}
	if ss, ok := stringSlice(msg.Metadata["skills"]); ok {
		cp.Skills = ss
		changed = true
	}

	if !changed {
		return state
	}
	return cp
}

func (r *Reducer) reduceStatusChange(state *State, msg unified.Message) *State {
	status := msg.Metadata.String("status")
	compacting := status == "compacting"
	mode := msg.Metadata.String("permissionMode")

	if compacting == state.IsCompacting && (mode == "" || mode == state.PermissionMode) {
		return state
	}
	cp := state.clone()
	cp.IsCompacting = compacting
	if mode != "" {
		cp.PermissionMode = mode
	}
	return cp
}

func (r *Reducer) reduceResult(state *State, msg unified.Message) *State {
	cp := state.clone()
	changed := false

	if v, ok := numberMeta(msg.Metadata, "total_cost_usd"); ok {
		cp.TotalCostUSD = v
		changed = true
	}
	if v, ok := intMeta(msg.Metadata, "num_turns"); ok {
		cp.NumTurns = v
		changed = true
	}
	if v, ok := intMeta(msg.Metadata, "total_lines_added"); ok {
		cp.TotalLinesAdded = v
		changed = true
	}
	if v, ok := intMeta(msg.Metadata, "total_lines_removed"); ok {
		cp.TotalLinesRemoved = v
		changed = true
	}
	if v, ok := int64Meta(msg.Metadata, "duration_ms"); ok {
		cp.LastDurationMS = v
		changed = true
	}
	if v, ok := int64Meta(msg.Metadata, "duration_api_ms"); ok {
		cp.LastDurationAPIMS = v
		changed = true
	}

	if raw, ok := msg.Metadata["modelUsage"]; ok {
		if mu, pct, ok := firstModelUsage(raw); ok {
			cp.LastModelUsage = mu
			cp.ContextUsedPercent = pct
			changed = true
		}
	}

	if !changed {
		return state
	}
	return cp
}

// firstModelUsage decodes a result message's modelUsage map and uses the
// entry with the lexically smallest model key. JSON object key order is lost
// once metadata is decoded into a Go map, so "first" means first in sorted
// key order, which gives the same pick on every call.
func firstModelUsage(raw interface{}) (*ModelUsage, float64, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, 0, false
	}
	var m map[string]ModelUsage
	if err := json.Unmarshal(data, &m); err != nil || len(m) == 0 {
		return nil, 0, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mu := m[keys[0]]
	pct := 0.0
	if mu.ContextWindow > 0 {
		pct = math.Round(float64(mu.InputTokens+mu.OutputTokens) / float64(mu.ContextWindow) * 10000 / 100)
	}
	return &mu, pct, true
}

func stringSlice(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func numberMeta(m unified.Metadata, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func intMeta(m unified.Metadata, key string) (int, bool) {
	v, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func int64Meta(m unified.Metadata, key string) (int64, bool) {
	v, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

// bufferTeamToolUses scans an assistant message's tool_use blocks for the
// fixed team toolset (plus Task when both team_name and name are non-empty
// strings), buffering them by tool_use_id and optimistically applying
// spawn-shaped mutations immediately (spec.md §4.8).
func (r *Reducer) bufferTeamToolUses(state *State, msg unified.Message) *State {
	next := state
	for _, block := range msg.Content {
		if block.Type != unified.BlockToolUse {
			continue
		}
		var input map[string]interface{}
		_ = json.Unmarshal(block.Input, &input)

		isTeamTool := teamTools[block.Name]
		if block.Name == "Task" {
			teamName, _ := input["team_name"].(string)
			name, _ := input["name"].(string)
			if teamName != "" && name != "" {
				isTeamTool = true
			}
		}
		if !isTeamTool {
			continue
		}

		r.mu.Lock()
		r.pending[block.ID] = pendingTeamToolUse{toolName: block.Name, input: input, bufferedAt: time.Now()}
		r.mu.Unlock()

		next = r.applyOptimistic(next, block.Name, block.ID, input)
	}
	return next
}

// applyOptimistic applies the subset of team mutations spec.md §4.8 says MAY
// happen immediately on tool_use, before the tool_result arrives.
func (r *Reducer) applyOptimistic(state *State, toolName, toolUseID string, input map[string]interface{}) *State {
	cp := state.clone()
	if cp.Team == nil {
		cp.Team = &Team{}
	}

	switch toolName {
	case "TeamCreate":
		if name, _ := input["name"].(string); name != "" {
			cp.Team.Members = append(cp.Team.Members, TeamMember{Name: name})
		}
	case "Task":
		teamName, _ := input["team_name"].(string)
		name, _ := input["name"].(string)
		cp.Team.Tasks = append(cp.Team.Tasks, Task{ID: "tu-" + toolUseID, TeamName: teamName, Name: name, Status: "spawned"})
	case "TaskCreate":
		name, _ := input["name"].(string)
		teamName, _ := input["team_name"].(string)
		cp.Team.Tasks = append(cp.Team.Tasks, Task{ID: "tu-" + toolUseID, TeamName: teamName, Name: name})
	default:
		return state
	}
	return cp
}

// correlateToolResults matches an incoming tool_result against buffered
// team tool_uses and, on a match, hands the pair to the team mutator;
// entries older than teamToolTTL are dropped without applying.
func (r *Reducer) correlateToolResults(state *State, msg unified.Message) *State {
	next := state
	now := time.Now()
	for _, block := range msg.Content {
		if block.Type != unified.BlockToolResult {
			continue
		}
		r.mu.Lock()
		pending, ok := r.pending[block.ToolUseID]
		if ok {
			delete(r.pending, block.ToolUseID)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		if now.Sub(pending.bufferedAt) > teamToolTTL {
			continue
		}
		next = r.applyConfirmed(next, pending, block)
	}
	return next
}

// applyConfirmed reconciles the optimistic mutation against the confirmed
// tool_result (e.g. updating a TaskCreate's synthetic id once the backend's
// real task id is known).
func (r *Reducer) applyConfirmed(state *State, pending pendingTeamToolUse, result unified.ContentBlock) *State {
	if pending.toolName != "TaskCreate" || result.IsError {
		return state
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result.Content, &out); err != nil || out.ID == "" {
		return state
	}
	if state.Team == nil {
		return state
	}
	synthetic := "tu-" + result.ToolUseID
	for _, t := range state.Team.Tasks {
		if t.ID == synthetic {
			cp := state.clone()
			for i := range cp.Team.Tasks {
				if cp.Team.Tasks[i].ID == synthetic {
					cp.Team.Tasks[i].ID = out.ID
				}
			}
			return cp
		}
	}
	return state
}

// FlushExpired drops buffered team tool_uses older than teamToolTTL without
// applying them. Callers invoke this periodically; it performs no state
// mutation of its own (the optimistic mutation already applied on tool_use).
func (r *Reducer) FlushExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if now.Sub(p.bufferedAt) > teamToolTTL {
			delete(r.pending, id)
		}
	}
}
