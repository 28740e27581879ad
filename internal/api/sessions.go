// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"github.com/teng-lin/beamcode/internal/registry"
	"github.com/teng-lin/beamcode/internal/session"
)

const maxCreateBodyBytes = 1 << 20 // 1 MiB, spec.md §6 "413 if body > 1 MiB"

// sessionsHandler serves the /api/sessions* REST surface (spec.md §6). It
// is a thin facade: every mutation delegates to the Coordinator, every read
// delegates to the Registry (the launcher-visible source of truth),
// enriched with the Coordinator's live SessionState when the session is
// currently owned in memory.
type sessionsHandler struct {
	coord *session.Coordinator
	reg   *registry.Registry
}

func newSessionsHandler(coord *session.Coordinator, reg *registry.Registry) *sessionsHandler {
	return &sessionsHandler{coord: coord, reg: reg}
}

// sessionInfoView is the REST-facing shape of a session (spec.md §3, §6).
type sessionInfoView struct {
	ID               string        `json:"id"`
	AdapterName      string        `json:"adapterName"`
	CWD              string        `json:"cwd"`
	Model            string        `json:"model,omitempty"`
	PermissionMode   string        `json:"permissionMode,omitempty"`
	Name             string        `json:"name,omitempty"`
	Archived         bool          `json:"archived"`
	LifecycleState   string        `json:"lifecycleState"`
	PID              int           `json:"pid,omitempty"`
	BackendSessionID string        `json:"backendSessionId,omitempty"`
	CreatedAt        string        `json:"createdAt"`
	State            *session.State `json:"state,omitempty"`
}

func (h *sessionsHandler) view(info registry.Info) sessionInfoView {
	v := sessionInfoView{
		ID:               info.ID,
		AdapterName:      info.AdapterName,
		CWD:              info.CWD,
		Model:            info.Model,
		PermissionMode:   info.PermissionMode,
		Name:             info.Name,
		Archived:         info.Archived,
		LifecycleState:   string(info.State),
		PID:              info.PID,
		BackendSessionID: info.BackendSessionID,
		CreatedAt:        info.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if sess, ok := h.coord.GetSession(info.ID); ok {
		v.State = sess.State()
	}
	return v
}

// List handles GET /api/sessions.
func (h *sessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.reg.ListSessions()
	out := make([]sessionInfoView, 0, len(infos))
	for _, info := range infos {
		out = append(out, h.view(info))
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	CWD            string                 `json:"cwd"`
	Model          string                 `json:"model,omitempty"`
	PermissionMode string                 `json:"permissionMode,omitempty"`
	AdapterName    string                 `json:"adapterName,omitempty"`
	AdapterOptions map[string]interface{} `json:"adapterOptions,omitempty"`
}

// Create handles POST /api/sessions (spec.md §6 "validate cwd exists & is a
// directory; createSession; 201 with SessionInfo; 400 on invalid JSON / cwd;
// 413 if body > 1 MiB").
func (h *sessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxCreateBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errTooLarge, "request body exceeds 1 MiB")
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	if req.CWD == "" {
		writeError(w, http.StatusBadRequest, errBadRequest, "cwd is required")
		return
	}
	info, err := os.Stat(req.CWD)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, errBadRequest, "cwd does not exist or is not a directory")
		return
	}
	if req.AdapterName == "" {
		req.AdapterName = "claude-sdk"
	}

	sess, err := h.coord.CreateSession(r.Context(), session.CreateOptions{
		CWD:            req.CWD,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		AdapterName:    req.AdapterName,
		AdapterOptions: req.AdapterOptions,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, err.Error())
		return
	}

	regInfo, err := h.reg.GetSession(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternalError, "session created but not registered")
		return
	}
	writeJSON(w, http.StatusCreated, h.view(regInfo))
}

// Get handles GET /api/sessions/:id (spec.md §6 "fall back to bridge
// snapshot if launcher misses" — here, fall back to the in-memory
// Coordinator session if the registry doesn't know the id, which can
// happen transiently during CreateSession's registration race).
func (h *sessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := h.reg.GetSession(id)
	if err == nil {
		writeJSON(w, http.StatusOK, h.view(info))
		return
	}
	if sess, ok := h.coord.GetSession(id); ok {
		writeJSON(w, http.StatusOK, sessionInfoView{
			ID:             sess.ID,
			AdapterName:    sess.AdapterName,
			CWD:            sess.CWD,
			Model:          sess.Model,
			PermissionMode: sess.PermissionMode,
			Name:           sess.Name,
			Archived:       sess.Archived(),
			State:          sess.State(),
		})
		return
	}
	writeError(w, http.StatusNotFound, errNotFound, "session not found")
}

// Delete handles DELETE /api/sessions/:id.
func (h *sessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.coord.DeleteSession(r.Context(), id); err != nil {
		if err == registry.ErrNotFound {
			writeError(w, http.StatusNotFound, errNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, errInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename handles PUT /api/sessions/:id/rename (spec.md §6 "trim, cap to 100
// chars; 400 on empty").
func (h *sessionsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req renameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCreateBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errBadRequest, "name must not be empty")
		return
	}
	if len(name) > 100 {
		name = name[:100]
	}

	if err := h.reg.SetSessionName(id, name); err != nil {
		writeError(w, http.StatusNotFound, errNotFound, "session not found")
		return
	}
	if sess, ok := h.coord.GetSession(id); ok {
		sess.Name = name
	}

	info, _ := h.reg.GetSession(id)
	writeJSON(w, http.StatusOK, h.view(info))
}
