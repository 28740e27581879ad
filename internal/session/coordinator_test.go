// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/registry"
)

func newTestCoordinator(t *testing.T, ad adapter.Adapter) *Coordinator {
	t.Helper()
	reg := registry.New(nil)
	b := newTestBroadcaster()
	m := NewPermissionMediator(nil, b, testIDGen())
	r := NewReducer()
	return New(Config{
		Registry:    reg,
		Broadcaster: b,
		Mediator:    m,
		Reducer:     r,
		Resolve:     func(name string) (adapter.Adapter, bool) { return ad, ad != nil },
		HistoryCap:  0,
	})
}

func TestCreateSessionConnectsDirectConnectAdapter(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)

	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)
	assert.NotNil(t, sess.Backend())

	info, err := c.registry.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.Connected, info.State)
}

func TestCreateSessionRollsBackOnConnectFailure(t *testing.T) {
	ad := &fakeAdapter{name: "codex", err: assertErr{}}
	c := newTestCoordinator(t, ad)

	_, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.Error(t, err)

	assert.Equal(t, 0, len(c.ListSessions()))
	_, err = c.registry.GetSession("anything")
	assert.Error(t, err)
}

// TestOversizeFrameClosesTransport is spec.md §8 scenario (e).
func TestOversizeFrameClosesTransport(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)
	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)

	consumer, tr := newConsumer("c1", RoleParticipant)
	c.Attach(context.Background(), sess, consumer)

	oversize := bytes.Repeat([]byte("a"), MaxInboundFrameBytes+1)
	c.RouteInboundConsumerFrame(context.Background(), sess, consumer, oversize)

	assert.True(t, tr.closed)
	assert.Equal(t, 1009, tr.closeCode)
	assert.Equal(t, 0, sess.ConsumerCount())
}

// TestObserverCannotSendUserMessage is spec.md §8 invariant 5.
func TestObserverCannotSendUserMessage(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)
	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)

	observer, tr := newConsumer("o1", RoleObserver)
	c.Attach(context.Background(), sess, observer)

	before := backend.sentMessages()
	c.RouteInboundConsumerFrame(context.Background(), sess, observer, []byte(`{"type":"user_message","text":"hi"}`))

	assert.Equal(t, len(before), len(backend.sentMessages()))
	found := false
	for _, msg := range tr.messages() {
		if msg.Type == "error" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParticipantUserMessageReachesBackend(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)
	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)

	participant, _ := newConsumer("p1", RoleParticipant)
	c.Attach(context.Background(), sess, participant)

	c.RouteInboundConsumerFrame(context.Background(), sess, participant, []byte(`{"type":"user_message","text":"hi"}`))

	sent := backend.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Content[0].Text)
}

func TestRateLimitRejectsExcessFrames(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)
	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)

	participant, tr := newConsumer("p1", RoleParticipant)
	participant.RateLimiter = NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillInterval: 0})
	c.Attach(context.Background(), sess, participant)

	c.RouteInboundConsumerFrame(context.Background(), sess, participant, []byte(`{"type":"user_message","text":"a"}`))
	c.RouteInboundConsumerFrame(context.Background(), sess, participant, []byte(`{"type":"user_message","text":"b"}`))

	require.Len(t, backend.sentMessages(), 1)
	found := false
	for _, msg := range tr.messages() {
		if msg.Type == "error" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeleteSessionDetachesConsumersAndRemovesRegistry(t *testing.T) {
	backend := newFakeAdapterSession()
	ad := &fakeAdapter{name: "codex", sess: backend}
	c := newTestCoordinator(t, ad)
	sess, err := c.CreateSession(context.Background(), CreateOptions{CWD: "/tmp", AdapterName: "codex"})
	require.NoError(t, err)

	consumer, tr := newConsumer("c1", RoleParticipant)
	c.Attach(context.Background(), sess, consumer)

	require.NoError(t, c.DeleteSession(context.Background(), sess.ID))

	assert.True(t, tr.closed)
	_, ok := c.GetSession(sess.ID)
	assert.False(t, ok)
	_, err = c.registry.GetSession(sess.ID)
	assert.Error(t, err)
}
