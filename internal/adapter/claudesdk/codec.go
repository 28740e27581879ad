// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package claudesdk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teng-lin/beamcode/internal/unified"
)

// wireEvent mirrors the StreamEvent shape Claude's --output-format
// stream-json protocol emits, adapted from internal/claude.StreamEvent.
type wireEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Cost      float64         `json:"total_cost_usd,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	SlashCommands []string `json:"slash_commands,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Status        string   `json:"status,omitempty"`

	Event json.RawMessage `json:"event,omitempty"`

	NumTurns         int                        `json:"num_turns,omitempty"`
	DurationMs       int                        `json:"duration_ms,omitempty"`
	DurationAPIMs    int                        `json:"duration_api_ms,omitempty"`
	ModelUsage       map[string]json.RawMessage `json:"modelUsage,omitempty"`
	PermissionMode   string                     `json:"permissionMode,omitempty"`
	Model            string                     `json:"model,omitempty"`
	CWD              string                     `json:"cwd,omitempty"`
	Tools            []string                   `json:"tools,omitempty"`
	MCPServers       []string                   `json:"mcp_servers,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content []wireBlock     `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// decode converts one wire line into zero or one UnifiedMessages. Event
// kinds with no Unified counterpart (e.g. raw stream deltas already folded
// into an assistant message) return ok=false.
func decode(gen unified.IDGenerator, raw []byte) (unified.Message, bool, error) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return unified.Message{}, false, fmt.Errorf("claudesdk: decode: %w", err)
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			meta := unified.Metadata{
				"model":          ev.Model,
				"cwd":            ev.CWD,
				"permissionMode": ev.PermissionMode,
				"slash_commands": ev.SlashCommands,
				"skills":         ev.Skills,
			}
			if len(ev.Tools) > 0 {
				meta["tools"] = ev.Tools
			}
			if len(ev.MCPServers) > 0 {
				meta["mcp_servers"] = ev.MCPServers
			}
			return unified.New(gen, unified.TypeSessionInit, unified.RoleSystem, nil, meta), true, nil
		}
		if ev.Status != "" {
			return unified.New(gen, unified.TypeStatusChange, unified.RoleSystem, nil, unified.Metadata{
				"status":         ev.Status,
				"permissionMode": ev.PermissionMode,
			}), true, nil
		}
		return unified.Message{}, false, nil

	case "assistant", "user":
		var wm wireMessage
		if err := json.Unmarshal(ev.Message, &wm); err != nil {
			return unified.Message{}, false, fmt.Errorf("claudesdk: decode message: %w", err)
		}
		role := unified.RoleAssistant
		typ := unified.TypeAssistant
		if ev.Type == "user" {
			role = unified.RoleUser
			typ = unified.TypeUserMessage
		}
		content := make([]unified.ContentBlock, 0, len(wm.Content))
		for _, b := range wm.Content {
			content = append(content, blockFromWire(b))
		}
		return unified.New(gen, typ, role, content, nil), true, nil

	case "stream_event":
		return unified.New(gen, unified.TypeStreamEvent, unified.RoleAssistant, nil, unified.Metadata{
			"delta": json.RawMessage(ev.Event),
		}), true, nil

	case "result":
		errCode := unified.ErrorUnknown
		if ev.IsError {
			errCode = classifyResultError(ev.Result)
		}
		meta := unified.Metadata{
			"status":             ev.Subtype,
			"is_error":           ev.IsError,
			"total_cost_usd":     ev.Cost,
			"num_turns":          ev.NumTurns,
			"duration_ms":        ev.DurationMs,
			"duration_api_ms":    ev.DurationAPIMs,
		}
		if ev.IsError {
			meta["error_code"] = errCode
			meta["error_message"] = ev.Result
		}
		if len(ev.ModelUsage) > 0 {
			meta["modelUsage"] = ev.ModelUsage
		}
		return unified.New(gen, unified.TypeResult, unified.RoleAssistant, nil, meta), true, nil

	case "control_request":
		if ev.RequestID == "" {
			return unified.Message{}, false, nil
		}
		var req struct {
			ToolName  string          `json:"tool_name"`
			ToolUseID string          `json:"tool_use_id"`
			Input     json.RawMessage `json:"input"`
		}
		_ = json.Unmarshal(ev.Request, &req)
		return unified.New(gen, unified.TypePermissionRequest, unified.RoleTool, nil, unified.Metadata{
			"request_id":  ev.RequestID,
			"tool_name":   req.ToolName,
			"tool_use_id": req.ToolUseID,
			"input":       req.Input,
		}), true, nil

	default:
		return unified.Message{}, false, nil
	}
}

func blockFromWire(b wireBlock) unified.ContentBlock {
	switch b.Type {
	case "tool_use":
		return unified.ToolUse(b.ID, b.Name, b.Input)
	case "tool_result":
		return unified.ToolResult(b.ToolUseID, b.Content, b.IsError)
	default:
		return unified.Text(b.Text)
	}
}

func classifyResultError(result string) unified.ErrorCode {
	switch {
	case result == "":
		return unified.ErrorUnknown
	case containsAny(result, "rate limit", "rate_limit"):
		return unified.ErrorRateLimit
	case containsAny(result, "too long", "output_length", "max tokens"):
		return unified.ErrorOutputLength
	case containsAny(result, "aborted", "cancelled", "canceled"):
		return unified.ErrorAborted
	case containsAny(result, "api error", "api_error"):
		return unified.ErrorAPI
	default:
		return unified.ErrorExecution
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// encode converts an outbound UnifiedMessage to the wire frame sent over
// the CLI's inverted WebSocket, following the fixed mapping of spec.md
// §4.1. Types with no outbound representation return ok=false (adapter
// no-op).
func encode(msg unified.Message) ([]byte, bool, error) {
	switch msg.Type {
	case unified.TypeUserMessage:
		content := make([]wireBlock, 0, len(msg.Content))
		for _, b := range msg.Content {
			content = append(content, wireBlockFrom(b))
		}
		frame := struct {
			Type    string      `json:"type"`
			Message wireMessage `json:"message"`
		}{Type: "user", Message: wireMessage{Role: "user", Content: content}}
		data, err := json.Marshal(frame)
		return data, true, err

	case unified.TypePermissionResponse:
		behavior := msg.Metadata.String("behavior")
		frame := struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior string `json:"behavior"`
			} `json:"response"`
		}{Type: "control_response", RequestID: msg.Metadata.String("request_id")}
		frame.Response.Behavior = behavior
		data, err := json.Marshal(frame)
		return data, true, err

	case unified.TypeInterrupt:
		frame := struct {
			Type string `json:"type"`
		}{Type: "interrupt"}
		data, err := json.Marshal(frame)
		return data, true, err

	default:
		return nil, false, nil
	}
}

func wireBlockFrom(b unified.ContentBlock) wireBlock {
	switch b.Type {
	case unified.BlockToolUse:
		return wireBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input}
	case unified.BlockToolResult:
		return wireBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	default:
		return wireBlock{Type: "text", Text: b.Text}
	}
}
