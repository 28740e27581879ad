// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/unified"
)

// fakeTransport is an in-memory Transport double recording every sent frame.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeCode int
	buffered int
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeTransport) messages() []unified.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]unified.Message, 0, len(f.sent))
	for _, raw := range f.sent {
		var m unified.Message
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func newConsumer(id string, role Role) (*Consumer, *fakeTransport) {
	tr := &fakeTransport{}
	c := &Consumer{
		ConnectionID: id,
		Role:         role,
		Transport:    tr,
		RateLimiter:  NewRateLimiter(RateLimiterConfig{Capacity: 1000, RefillInterval: 0}),
	}
	return c, tr
}

// fakeAdapterSession is a controllable adapter.Session double.
type fakeAdapterSession struct {
	out    chan unified.Message
	sent   []unified.Message
	errV   error
	closed bool
	mu     sync.Mutex
}

func newFakeAdapterSession() *fakeAdapterSession {
	return &fakeAdapterSession{out: make(chan unified.Message, 16)}
}

func (f *fakeAdapterSession) Messages() <-chan unified.Message { return f.out }
func (f *fakeAdapterSession) Err() error                       { return f.errV }

func (f *fakeAdapterSession) Send(ctx context.Context, msg unified.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapterSession) SendRaw(ctx context.Context, data []byte) error {
	return adapter.ErrSendRawUnsupported
}

func (f *fakeAdapterSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func (f *fakeAdapterSession) SetPassthroughHandler(h adapter.PassthroughHandler) {}

func (f *fakeAdapterSession) sentMessages() []unified.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unified.Message(nil), f.sent...)
}

// fakeAdapter always returns a pre-built fakeAdapterSession.
type fakeAdapter struct {
	name string
	sess *fakeAdapterSession
	caps adapter.Capabilities
	err  error
}

func (f *fakeAdapter) Name() string                      { return f.name }
func (f *fakeAdapter) Capabilities() adapter.Capabilities { return f.caps }
func (f *fakeAdapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func testIDGen() unified.IDGenerator {
	n := 0
	return func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
}
