// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/teng-lin/beamcode/internal/session"
)

const (
	consumerPongWait  = 60 * time.Second
	consumerPingEvery = 50 * time.Second
)

var consumerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// consumerHandler serves /ws/consumer/:sessionId (spec.md §6), the
// role-filtered fan-out every browser client attaches through. The
// upgrade-then-pump shape is adapted from trellis's
// handlers.ClaudeHandler.serveSession / events.go's event WebSocket (ping
// loop, write mutex, read loop), generalized from a single manager/session
// type to the Coordinator + Broadcaster pair.
type consumerHandler struct {
	coord *session.Coordinator
	auth  Authenticator
	rl    session.RateLimiterConfig
}

func newConsumerHandler(coord *session.Coordinator, auth Authenticator, rl session.RateLimiterConfig) *consumerHandler {
	if auth == nil {
		auth = DefaultAuthenticator{}
	}
	return &consumerHandler{coord: coord, auth: auth, rl: rl}
}

func (h *consumerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	sess, ok := h.coord.GetSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound, "session not found")
		return
	}

	conn, err := consumerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	transport := newWSTransport(conn)
	defer transport.Close(websocket.CloseNormalClosure, "consumer disconnected")

	role, userID, displayName := h.auth.Authenticate(AttachRequest{
		SessionID:     sessionID,
		Headers:       r.Header,
		Query:         r.URL.Query(),
		RemoteAddress: r.RemoteAddr,
	})

	consumer := &session.Consumer{
		ConnectionID: uuid.NewString(),
		Role:         role,
		UserID:       userID,
		DisplayName:  displayName,
		Transport:    transport,
		RateLimiter:  session.NewRateLimiter(h.rl),
	}

	ctx := context.Background()
	h.coord.Attach(ctx, sess, consumer)
	defer h.coord.Detach(ctx, sess, consumer.ConnectionID)

	// The transport's writer goroutine owns every write to conn, including
	// the keepalive ping (see transport.go) — gorilla/websocket allows only
	// one writer, so no separate ping loop is started here.

	conn.SetReadLimit(int64(session.MaxInboundFrameBytes) + 1)
	conn.SetReadDeadline(time.Now().Add(consumerPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(consumerPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.coord.RouteInboundConsumerFrame(ctx, sess, consumer, data)
	}
}

