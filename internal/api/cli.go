// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/teng-lin/beamcode/internal/adapter/claudesdk"
)

var cliUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// cliHandler serves /ws/cli/:sessionId (spec.md §6), used only by the
// claude-sdk adapter's inverted-connection mode: the CLI we spawned dials
// back in here, and claudesdk.Registry resolves it to the Connect call that
// is blocked waiting for it.
type cliHandler struct {
	registry *claudesdk.Registry
}

func newCLIHandler(registry *claudesdk.Registry) *cliHandler {
	return &cliHandler{registry: registry}
}

func (h *cliHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.Error(w, "claude-sdk adapter not configured", http.StatusNotFound)
		return
	}

	sessionID := mux.Vars(r)["sessionId"]
	if !h.registry.IsAwaited(sessionID) {
		// spec.md §6: "reject unknown sessionIds with close 4000" — upgrade
		// first (gorilla has no pre-upgrade close-code hook), then close
		// immediately with the mandated code.
		conn, err := cliUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(4000, "unknown session")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := cliUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !h.registry.Resolve(sessionID, conn) {
		conn.Close()
	}
}
