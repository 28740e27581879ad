// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package unified defines the single envelope that traverses the session
// broker: every backend adapter decodes vendor wire frames into
// UnifiedMessages, and every consumer-facing component only ever speaks this
// format.
package unified

import (
	"encoding/json"
	"time"
)

// Type is the closed enumeration of UnifiedMessage kinds.
type Type string

const (
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeResult              Type = "result"
	TypeAssistant            Type = "assistant"
	TypeUserMessage          Type = "user_message"
	TypeStreamEvent          Type = "stream_event"
	TypeToolProgress         Type = "tool_progress"
	TypeToolUseSummary       Type = "tool_use_summary"
	TypePermissionRequest    Type = "permission_request"
	TypePermissionResponse   Type = "permission_response"
	TypePermissionCancelled  Type = "permission_cancelled"
	TypeInterrupt            Type = "interrupt"
	TypeControlRequest       Type = "control_request"
	TypeControlResponse      Type = "control_response"
	TypeAuthStatus           Type = "auth_status"
	TypeSlashCommandResult   Type = "slash_command_result"
	TypeSlashCommandError    Type = "slash_command_error"
	TypeCLIConnected         Type = "cli_connected"
	TypeCLIDisconnected      Type = "cli_disconnected"
	TypeError                Type = "error"
)

// Role mirrors the Messages-API-style role tag carried by a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrorCode is the normalized set of result-terminal error codes (spec §4.1, §7).
type ErrorCode string

const (
	ErrorRateLimit     ErrorCode = "rate_limit"
	ErrorOutputLength  ErrorCode = "output_length"
	ErrorAborted       ErrorCode = "aborted"
	ErrorExecution     ErrorCode = "execution_error"
	ErrorAPI           ErrorCode = "api_error"
	ErrorUnknown       ErrorCode = "unknown"
)

// PermissionBehavior is the outcome a consumer attaches to a permission_response.
type PermissionBehavior string

const (
	BehaviorAllow  PermissionBehavior = "allow"
	BehaviorDeny   PermissionBehavior = "deny"
	BehaviorAlways PermissionBehavior = "always"
)

// ContentBlockType tags the variant carried by a ContentBlock.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
	BlockRefusal    ContentBlockType = "refusal"
)

// ContentBlock is one ordered element of a message's content.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// {text}
	Text string `json:"text,omitempty"`

	// {tool_use}
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// {tool_result}
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Metadata is the free-form adapter-specific side channel (delta, request_id,
// tool_name, model, cwd, status, total_cost_usd, ... per spec §3).
type Metadata map[string]interface{}

// String returns the metadata value for key as a string, or "" if absent or
// not a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Bool returns the metadata value for key as a bool.
func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// Message is the single envelope traversing the core. Once constructed via
// New, a Message is immutable — callers must treat Content and Metadata as
// read-only after construction.
type Message struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Metadata  Metadata       `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IDGenerator produces the server-assigned stable identifier for a Message.
// Tests substitute a deterministic generator; production uses uuid.NewString.
type IDGenerator func() string

// New constructs an immutable Message, assigning id via gen.
func New(gen IDGenerator, typ Type, role Role, content []ContentBlock, meta Metadata) Message {
	if meta == nil {
		meta = Metadata{}
	}
	return Message{
		ID:        gen(),
		Type:      typ,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
}

// Text returns a convenience {text} content block.
func Text(s string) ContentBlock { return ContentBlock{Type: BlockText, Text: s} }

// ToolUse returns a convenience {tool_use} content block.
func ToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult returns a convenience {tool_result} content block.
func ToolResult(toolUseID string, content json.RawMessage, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}
