// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/teng-lin/beamcode/internal/session"
)

// AttachRequest is what an injected Authenticator sees (spec.md §6 "Role
// assignment is done at attach time by an injected authenticator consuming
// {sessionId, transport: {headers, query, remoteAddress}}").
type AttachRequest struct {
	SessionID     string
	Headers       http.Header
	Query         map[string][]string
	RemoteAddress string
}

// Authenticator assigns a Consumer's role (and optional identity) at
// attach time. The default implementation never rejects a connection —
// BeamCode's only auth primitive is the optional bearer token already
// checked by middleware.RequireToken on /api/*; the consumer WebSocket
// itself only ever distinguishes participant from observer.
type Authenticator interface {
	Authenticate(req AttachRequest) (role session.Role, userID, displayName string)
}

// DefaultAuthenticator assigns participant unless the query string asks for
// an observer (?role=observer), and carries through user/display name query
// params for display purposes.
type DefaultAuthenticator struct{}

func (DefaultAuthenticator) Authenticate(req AttachRequest) (session.Role, string, string) {
	role := session.RoleParticipant
	if get(req.Query, "role") == "observer" {
		role = session.RoleObserver
	}
	return role, get(req.Query, "userId"), get(req.Query, "displayName")
}

func get(q map[string][]string, key string) string {
	if vs, ok := q[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
