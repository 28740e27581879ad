// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/unified"
)

// TestSessionInitMerge is spec.md §8 scenario (a).
func TestSessionInitMerge(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1", TotalCostUSD: 0.5, NumTurns: 3}

	msg := unified.Message{Type: unified.TypeSessionInit, Metadata: unified.Metadata{"model": "claude-opus-4-6"}}
	next := r.Reduce(start, msg)

	require.NotSame(t, start, next)
	assert.Equal(t, "claude-opus-4-6", next.Model)
	assert.Equal(t, 0.5, next.TotalCostUSD)
	assert.Equal(t, 3, next.NumTurns)

	// Original reference untouched.
	assert.Equal(t, 0.5, start.TotalCostUSD)
	assert.Equal(t, "", start.Model)
}

// TestSessionInitNoOpReturnsSameReference covers §8 invariant 1.
func TestSessionInitNoOpReturnsSameReference(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1", Model: "claude-opus-4-6"}
	msg := unified.Message{Type: unified.TypeSessionInit, Metadata: unified.Metadata{"model": "claude-opus-4-6"}}
	next := r.Reduce(start, msg)
	assert.Same(t, start, next)
}

// TestResultContextPercent is spec.md §8 scenario (b).
func TestResultContextPercent(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1"}

	usage := map[string]ModelUsage{
		"m1": {InputTokens: 50000, OutputTokens: 10000, ContextWindow: 200000, CostUSD: 0.05},
	}
	raw, err := json.Marshal(usage)
	require.NoError(t, err)
	var usageAny interface{}
	require.NoError(t, json.Unmarshal(raw, &usageAny))

	msg := unified.Message{Type: unified.TypeResult, Metadata: unified.Metadata{"modelUsage": usageAny}}
	next := r.Reduce(start, msg)

	assert.Equal(t, float64(30), next.ContextUsedPercent)
	require.NotNil(t, next.LastModelUsage)
	assert.Equal(t, 50000, next.LastModelUsage.InputTokens)
}

func TestStatusChangeCompacting(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1"}
	next := r.Reduce(start, unified.Message{Type: unified.TypeStatusChange, Metadata: unified.Metadata{"status": "compacting"}})
	assert.True(t, next.IsCompacting)
	assert.NotSame(t, start, next)

	next2 := r.Reduce(next, unified.Message{Type: unified.TypeStatusChange, Metadata: unified.Metadata{"status": "idle"}})
	assert.False(t, next2.IsCompacting)
}

func TestControlResponseDoesNotMutateState(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1", Model: "x"}
	next := r.Reduce(start, unified.Message{Type: unified.TypeControlResponse, Metadata: unified.Metadata{"slash_commands": []interface{}{"/foo"}}})
	assert.Same(t, start, next)
}

func TestTeamToolOptimisticThenConfirmed(t *testing.T) {
	r := NewReducer()
	start := &State{SessionID: "s1"}

	taskInput, _ := json.Marshal(map[string]string{"team_name": "alpha", "name": "write tests"})
	assistantMsg := unified.Message{
		Type: unified.TypeAssistant,
		Content: []unified.ContentBlock{
			unified.ToolUse("tu1", "TaskCreate", taskInput),
		},
	}
	next := r.Reduce(start, assistantMsg)
	require.NotNil(t, next.Team)
	require.Len(t, next.Team.Tasks, 1)
	assert.Equal(t, "tu-tu1", next.Team.Tasks[0].ID)

	resultContent, _ := json.Marshal(map[string]string{"id": "real-task-42"})
	toolResultMsg := unified.Message{
		Role:    unified.RoleTool,
		Content: []unified.ContentBlock{unified.ToolResult("tu1", resultContent, false)},
	}
	final := r.Reduce(next, toolResultMsg)
	require.Len(t, final.Team.Tasks, 1)
	assert.Equal(t, "real-task-42", final.Team.Tasks[0].ID)
}

func TestFlushExpiredDropsStaleBuffer(t *testing.T) {
	r := NewReducer()
	taskInput, _ := json.Marshal(map[string]string{"team_name": "alpha", "name": "x"})
	r.Reduce(&State{SessionID: "s1"}, unified.Message{
		Type:    unified.TypeAssistant,
		Content: []unified.ContentBlock{unified.ToolUse("tu1", "TaskCreate", taskInput)},
	})
	require.Len(t, r.pending, 1)
	r.FlushExpired(r.pending["tu1"].bufferedAt.Add(31 * teamToolTTL / 30))
	assert.Empty(t, r.pending)
}
