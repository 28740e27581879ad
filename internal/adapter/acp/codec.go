// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acp

import (
	"encoding/json"

	"github.com/teng-lin/beamcode/internal/unified"
)

// wireFrame is a minimal envelope {type, ...fields}, the smallest shape
// that can carry session lifecycle, assistant text, and permission
// requests generically — spec.md gives ACP no further protocol detail.
type wireFrame struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	Status     string          `json:"status,omitempty"`
	Model      string          `json:"model,omitempty"`
	CWD        string          `json:"cwd,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	ErrorMsg   string          `json:"errorMessage,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolUseID  string          `json:"toolUseId,omitempty"`
	Behavior   string          `json:"behavior,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func decode(gen unified.IDGenerator, raw []byte) (unified.Message, bool, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return unified.Message{}, false, err
	}

	switch f.Type {
	case "session_init":
		return unified.New(gen, unified.TypeSessionInit, unified.RoleSystem, nil, unified.Metadata{
			"model": f.Model,
			"cwd":   f.CWD,
		}), true, nil
	case "status":
		return unified.New(gen, unified.TypeStatusChange, unified.RoleSystem, nil, unified.Metadata{"status": f.Status}), true, nil
	case "assistant_text":
		return unified.New(gen, unified.TypeAssistant, unified.RoleAssistant, []unified.ContentBlock{unified.Text(f.Text)}, nil), true, nil
	case "permission_request":
		return unified.New(gen, unified.TypePermissionRequest, unified.RoleTool, nil, unified.Metadata{
			"request_id":  f.RequestID,
			"tool_name":   f.ToolName,
			"tool_use_id": f.ToolUseID,
			"input":       f.Input,
		}), true, nil
	case "result":
		meta := unified.Metadata{"is_error": f.IsError}
		if f.IsError {
			meta["error_code"] = unified.ErrorExecution
			meta["error_message"] = f.ErrorMsg
		}
		return unified.New(gen, unified.TypeResult, unified.RoleAssistant, nil, meta), true, nil
	default:
		return unified.Message{}, false, nil
	}
}

func encode(msg unified.Message) ([]byte, bool, error) {
	switch msg.Type {
	case unified.TypeUserMessage:
		var text string
		for _, b := range msg.Content {
			if b.Type == unified.BlockText {
				text += b.Text
			}
		}
		data, err := json.Marshal(wireFrame{Type: "user_message", Text: text})
		return data, true, err
	case unified.TypePermissionResponse:
		data, err := json.Marshal(wireFrame{
			Type:      "permission_response",
			RequestID: msg.Metadata.String("request_id"),
			Behavior:  msg.Metadata.String("behavior"),
		})
		return data, true, err
	case unified.TypeInterrupt:
		data, err := json.Marshal(wireFrame{Type: "interrupt"})
		return data, true, err
	default:
		return nil, false, nil
	}
}
