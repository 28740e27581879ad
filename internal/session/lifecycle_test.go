// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/unified"
)

func newTestLifecycle() (*Lifecycle, *Broadcaster, []unified.Message, *Session) {
	b := newTestBroadcaster()
	m := NewPermissionMediator(nil, b, testIDGen())
	r := NewReducer()
	sess := New("s1", "codex", "/tmp", 0)

	var routed []unified.Message
	router := func(ctx context.Context, sess *Session, msg unified.Message) {
		routed = append(routed, msg)
		if msg.Type == unified.TypePermissionRequest {
			m.HandleRequest(ctx, sess, msg)
			return
		}
		next := r.Reduce(sess.State(), msg)
		sess.setState(next)
		sess.AppendHistory(msg)
		b.Broadcast(ctx, sess, msg)
	}
	l := NewLifecycle(nil, b, m, r, testIDGen(), router)
	return l, b, routed, sess
}

func TestConnectBackendDeliversInboundMessages(t *testing.T) {
	l, b, _, sess := newTestLifecycle()
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}

	c, tr := newConsumer("c1", RoleParticipant)
	b.Attach(context.Background(), sess, c)

	require.NoError(t, l.ConnectBackend(context.Background(), sess, ConnectInput{Adapter: ad}))

	backend.out <- unified.Message{Type: unified.TypeAssistant, Content: []unified.ContentBlock{unified.Text("hi")}}

	require.Eventually(t, func() bool {
		for _, msg := range tr.messages() {
			if msg.Type == unified.TypeAssistant {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectBackendCancelsPermissionsAndNotifies(t *testing.T) {
	l, b, _, sess := newTestLifecycle()
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c, tr := newConsumer("c1", RoleParticipant)
	b.Attach(context.Background(), sess, c)

	require.NoError(t, l.ConnectBackend(context.Background(), sess, ConnectInput{Adapter: ad}))
	backend.out <- unified.Message{Type: unified.TypePermissionRequest, Metadata: unified.Metadata{"request_id": "p1"}}

	require.Eventually(t, func() bool { return len(sess.PendingPermissions()) == 1 }, time.Second, 5*time.Millisecond)

	l.DisconnectBackend(context.Background(), sess)

	assert.Empty(t, sess.PendingPermissions())
	assert.Nil(t, sess.Backend())
	found := false
	for _, msg := range tr.messages() {
		if msg.Type == unified.TypeCLIDisconnected {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConsumerLoopCleanDisconnectOnStreamEnd(t *testing.T) {
	l, _, _, sess := newTestLifecycle()
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	require.NoError(t, l.ConnectBackend(context.Background(), sess, ConnectInput{Adapter: ad}))

	backend.Close() // ends the stream without an abort signal

	require.Eventually(t, func() bool { return sess.Backend() == nil }, time.Second, 5*time.Millisecond)
}

func TestSendToBackendQueuesWhenDisconnected(t *testing.T) {
	l, _, _, sess := newTestLifecycle()
	msg := unified.Message{Type: unified.TypeUserMessage}
	l.SendToBackend(context.Background(), sess, msg)
	pending := sess.DrainPending()
	require.Len(t, pending, 1)
}

func TestConnectBackendFailurePropagatesError(t *testing.T) {
	l, _, _, sess := newTestLifecycle()
	ad := &fakeAdapter{name: "codex", err: assertErr{}}
	err := l.ConnectBackend(context.Background(), sess, ConnectInput{Adapter: ad})
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

var _ adapter.Adapter = (*fakeAdapter)(nil)
