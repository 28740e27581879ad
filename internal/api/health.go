// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/teng-lin/beamcode/internal/registry"
	"github.com/teng-lin/beamcode/internal/tracer"
)

// healthHandler serves /health (spec.md §6 "{status, version, sessions,
// uptime}") and /metrics.
type healthHandler struct {
	reg       *registry.Registry
	tracer    *tracer.Tracer
	version   string
	startedAt time.Time
}

func newHealthHandler(reg *registry.Registry, tr *tracer.Tracer, version string) *healthHandler {
	return &healthHandler{reg: reg, tracer: tr, version: version, startedAt: time.Now()}
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	UptimeMS int64  `json:"uptimeMs"`
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  h.version,
		Sessions: len(h.reg.ListSessions()),
		UptimeMS: time.Since(h.startedAt).Milliseconds(),
	})
}

// Metrics serves a hand-rolled Prometheus text-exposition snapshot of the
// Message Tracer's per-session counters (spec.md's DOMAIN STACK leaves
// /metrics unbound by any third-party client: the example corpus carries no
// Prometheus library, so this format is produced directly against
// https://prometheus.io/docs/instrumenting/exposition_formats/ rather than
// importing one, and documented as a stdlib exception in DESIGN.md).
func (h *healthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var b strings.Builder
	infos := h.reg.ListSessions()
	fmt.Fprintf(&b, "# HELP beamcode_sessions_total Number of sessions currently registered.\n")
	fmt.Fprintf(&b, "# TYPE beamcode_sessions_total gauge\n")
	fmt.Fprintf(&b, "beamcode_sessions_total %d\n", len(infos))

	byState := map[registry.LifecycleState]int{}
	for _, info := range infos {
		byState[info.State]++
	}
	fmt.Fprintf(&b, "# HELP beamcode_sessions_by_state Number of sessions in each lifecycle state.\n")
	fmt.Fprintf(&b, "# TYPE beamcode_sessions_by_state gauge\n")
	states := make([]string, 0, len(byState))
	for s := range byState {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&b, "beamcode_sessions_by_state{state=%q} %d\n", s, byState[registry.LifecycleState(s)])
	}

	if h.tracer != nil {
		snap := h.tracer.Snapshot()
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(&b, "# HELP beamcode_messages_total Messages observed per session.\n")
		fmt.Fprintf(&b, "# TYPE beamcode_messages_total counter\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "beamcode_messages_total{session_id=%q} %d\n", id, snap[id].MessageCount)
		}

		fmt.Fprintf(&b, "# HELP beamcode_message_bytes_total Message bytes observed per session.\n")
		fmt.Fprintf(&b, "# TYPE beamcode_message_bytes_total counter\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "beamcode_message_bytes_total{session_id=%q} %d\n", id, snap[id].ByteTotal)
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
