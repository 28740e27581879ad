// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package codex

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/teng-lin/beamcode/internal/unified"
)

// rpcRequest/rpcNotification/rpcResponse mirror the minimal JSON-RPC 2.0
// envelope Codex speaks over its websocket (spec.md §4.1: "direct-connect
// websocket + JSON-RPC initialize/initialized handshake"). Per spec.md §1's
// "Adapter-internal protocol parsing... is out of scope," the event/method
// surface below is the black-box minimum needed to drive the Adapter/Session
// contract, not a full reproduction of Codex's wire protocol.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func newRequest(id int, method string, params interface{}) rpcRequest {
	raw, _ := json.Marshal(params)
	return rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
}

func newNotification(method string, params interface{}) rpcRequest {
	raw, _ := json.Marshal(params)
	return rpcRequest{JSONRPC: "2.0", Method: method, Params: raw}
}

func writeJSONRPC(conn *websocket.Conn, req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// parseResponse reports ok=false for frames that aren't a response to a
// request we issued (i.e. server-originated notifications/requests).
func parseResponse(raw []byte) (rpcResponse, bool) {
	var probe struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == nil {
		return rpcResponse{}, false
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return rpcResponse{}, false
	}
	return resp, true
}

// codexEventParams is the payload shape of the "codex/event" notification
// Codex emits for session lifecycle and assistant output.
type codexEventParams struct {
	Kind       string          `json:"kind"`
	Role       string          `json:"role,omitempty"`
	Text       string          `json:"text,omitempty"`
	Model      string          `json:"model,omitempty"`
	CWD        string          `json:"cwd,omitempty"`
	Status     string          `json:"status,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	ErrorMsg   string          `json:"errorMessage,omitempty"`
	CostUSD    float64         `json:"costUsd,omitempty"`
	DurationMs int             `json:"durationMs,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// approvalMethods is the set of unrelated JSON-RPC methods Codex may use to
// request approval (spec.md §9: "Some adapters (Codex) may emit approval
// requests via multiple unrelated methods... the mediator treats all of
// them as permission_request but the reply mapping to each underlying
// method must be preserved in the adapter, not in the mediator"). decode
// normalizes all of them to TypePermissionRequest; Session tracks the
// originating method per request_id so Send can route the reply correctly.
var approvalMethods = map[string]bool{
	"codex/requestPermission":                  true,
	"codex/item/commandExecution/requestApproval": true,
	"codex/applyPatchApproval":                 true,
}

// decode converts one inbound JSON-RPC notification/request into zero or
// one UnifiedMessages. approvalMethod is set to the originating RPC method
// when the returned message is a permission_request, so the caller can
// remember it for routing the eventual reply (spec.md §9).
func decode(gen unified.IDGenerator, raw []byte) (msg unified.Message, approvalMethod string, ok bool, err error) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return unified.Message{}, "", false, err
	}
	if req.Method == "" {
		return unified.Message{}, "", false, nil // response to our own request, not an event
	}

	if approvalMethods[req.Method] {
		var p codexEventParams
		_ = json.Unmarshal(req.Params, &p)
		m := unified.New(gen, unified.TypePermissionRequest, unified.RoleTool, nil, unified.Metadata{
			"request_id":  fmt.Sprint(req.ID), // JSON-RPC ids may be numeric; normalize to the string id the mediator keys on
			"tool_name":   p.ToolName,
			"tool_use_id": p.ToolCallID,
			"input":       p.Input,
		})
		return m, req.Method, true, nil
	}

	switch req.Method {
	case "codex/event":
		var p codexEventParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return unified.Message{}, "", false, err
		}
		switch p.Kind {
		case "session_init":
			return unified.New(gen, unified.TypeSessionInit, unified.RoleSystem, nil, unified.Metadata{
				"model": p.Model,
				"cwd":   p.CWD,
			}), "", true, nil
		case "status":
			return unified.New(gen, unified.TypeStatusChange, unified.RoleSystem, nil, unified.Metadata{
				"status": p.Status,
			}), "", true, nil
		case "assistant_text":
			return unified.New(gen, unified.TypeAssistant, unified.RoleAssistant, []unified.ContentBlock{unified.Text(p.Text)}, nil), "", true, nil
		case "result":
			meta := unified.Metadata{
				"is_error":       p.IsError,
				"total_cost_usd": p.CostUSD,
				"duration_ms":    p.DurationMs,
			}
			if p.IsError {
				meta["error_code"] = unified.ErrorExecution
				meta["error_message"] = p.ErrorMsg
			}
			return unified.New(gen, unified.TypeResult, unified.RoleAssistant, nil, meta), "", true, nil
		default:
			return unified.Message{}, "", false, nil
		}

	default:
		return unified.Message{}, "", false, nil
	}
}

// approvalReplyMethod maps the RPC method that raised an approval request to
// the method its reply must be sent under (spec.md §9: "the reply mapping
// to each underlying method must be preserved in the adapter"). Unknown or
// untracked request_ids fall back to the generic respondPermission method.
var approvalReplyMethod = map[string]string{
	"codex/requestPermission":                     "codex/respondPermission",
	"codex/item/commandExecution/requestApproval": "codex/respondCommandExecutionApproval",
	"codex/applyPatchApproval":                    "codex/respondApplyPatchApproval",
}

// encode converts an outbound UnifiedMessage into a JSON-RPC
// request/notification. sourceMethod is the RPC method that originally
// raised the permission_request being answered (looked up by the caller
// from its own per-session tracking); it is ignored for every other
// message type.
func encode(msg unified.Message, sourceMethod string) (rpcRequest, bool) {
	switch msg.Type {
	case unified.TypeUserMessage:
		text := ""
		for _, b := range msg.Content {
			if b.Type == unified.BlockText {
				text += b.Text
			}
		}
		return newNotification("codex/sendUserMessage", map[string]interface{}{"text": text}), true

	case unified.TypePermissionResponse:
		method, ok := approvalReplyMethod[sourceMethod]
		if !ok {
			method = "codex/respondPermission"
		}
		return newNotification(method, map[string]interface{}{
			"requestId": msg.Metadata["request_id"],
			"behavior":  msg.Metadata.String("behavior"),
		}), true

	case unified.TypeInterrupt:
		return newNotification("codex/interrupt", nil), true

	default:
		return rpcRequest{}, false
	}
}
