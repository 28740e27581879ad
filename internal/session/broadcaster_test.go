// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/unified"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(nil, BroadcasterConfig{ReplayCap: 100, HighWaterMark: DefaultBackpressureHighWaterMark, IDGen: testIDGen()})
}

// TestAttachOrdering is spec.md §8 invariant 4: session_init first, then
// cli_connected (if applicable), then replayed history, then only new
// messages.
func TestAttachOrdering(t *testing.T) {
	b := newTestBroadcaster()
	sess := New("s1", "claude-sdk", "/tmp", 0)
	sess.setCLIConnected(true)
	sess.AppendHistory(unified.Message{Type: unified.TypeAssistant, Content: []unified.ContentBlock{unified.Text("hello")}})

	c, tr := newConsumer("c1", RoleParticipant)
	b.Attach(context.Background(), sess, c)

	got := tr.messages()
	require.Len(t, got, 3)
	assert.Equal(t, unified.TypeSessionInit, got[0].Type)
	assert.Equal(t, unified.TypeCLIConnected, got[1].Type)
	assert.Equal(t, unified.TypeAssistant, got[2].Type)

	b.Broadcast(context.Background(), sess, unified.Message{Type: unified.TypeResult})
	got = tr.messages()
	require.Len(t, got, 4)
	assert.Equal(t, unified.TypeResult, got[3].Type)
}

func TestAttachWithoutCLIConnectedSkipsThatFrame(t *testing.T) {
	b := newTestBroadcaster()
	sess := New("s1", "codex", "/tmp", 0)
	c, tr := newConsumer("c1", RoleObserver)
	b.Attach(context.Background(), sess, c)

	got := tr.messages()
	require.Len(t, got, 1)
	assert.Equal(t, unified.TypeSessionInit, got[0].Type)
}

func TestReplayCapBoundsHistory(t *testing.T) {
	b := NewBroadcaster(nil, BroadcasterConfig{ReplayCap: 2, IDGen: testIDGen()})
	sess := New("s1", "codex", "/tmp", 0)
	for i := 0; i < 5; i++ {
		sess.AppendHistory(unified.Message{Type: unified.TypeAssistant})
	}
	c, tr := newConsumer("c1", RoleObserver)
	b.Attach(context.Background(), sess, c)
	// session_init + 2 replayed (not all 5).
	assert.Len(t, tr.messages(), 3)
}

func TestBroadcastToParticipantsOnly(t *testing.T) {
	b := newTestBroadcaster()
	sess := New("s1", "codex", "/tmp", 0)
	participant, ptr := newConsumer("p1", RoleParticipant)
	observer, otr := newConsumer("o1", RoleObserver)
	sess.AddConsumer(participant)
	sess.AddConsumer(observer)

	b.BroadcastToParticipants(context.Background(), sess, unified.Message{Type: unified.TypePermissionRequest})

	assert.Len(t, ptr.messages(), 1)
	assert.Empty(t, otr.messages())
}

// TestBackpressureClosesSlowConsumer is spec.md §4.6 "Backpressure".
func TestBackpressureClosesSlowConsumer(t *testing.T) {
	b := NewBroadcaster(nil, BroadcasterConfig{HighWaterMark: 10, IDGen: testIDGen()})
	sess := New("s1", "codex", "/tmp", 0)
	c, tr := newConsumer("c1", RoleParticipant)
	tr.buffered = 9999
	sess.AddConsumer(c)

	b.Broadcast(context.Background(), sess, unified.Message{Type: unified.TypeAssistant})

	assert.True(t, tr.closed)
	assert.Equal(t, 1009, tr.closeCode)
	assert.Equal(t, 0, sess.ConsumerCount())
}

func TestDetachRemovesConsumer(t *testing.T) {
	b := newTestBroadcaster()
	sess := New("s1", "codex", "/tmp", 0)
	c, _ := newConsumer("c1", RoleParticipant)
	sess.AddConsumer(c)
	b.Detach(context.Background(), sess, "c1")
	assert.Equal(t, 0, sess.ConsumerCount())
}

func TestStateMetadataRoundTrips(t *testing.T) {
	st := &State{SessionID: "s1", Model: "opus", Tools: []string{"Bash"}}
	meta := stateMetadata(st)
	assert.Equal(t, "opus", meta.String("model"))
	assert.True(t, strings.Contains(meta.String("session_id"), "s1"))
}
