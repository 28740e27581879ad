// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"log"

	"github.com/teng-lin/beamcode/internal/storage"
)

// payload is the shape persisted inside storage.Record.Data. The registry
// keeps this separate from Info so storage's on-disk layout can evolve
// independently of the in-memory type (spec.md §4.4's storage abstraction
// is deliberately opaque to its callers).
type payload struct {
	CWD              string `json:"cwd"`
	Model            string `json:"model,omitempty"`
	PermissionMode   string `json:"permission_mode,omitempty"`
	Name             string `json:"name,omitempty"`
	State            string `json:"state"`
	PID              int    `json:"pid,omitempty"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
}

func recordFromInfo(info Info) storage.Record {
	p := payload{
		CWD:              info.CWD,
		Model:            info.Model,
		PermissionMode:   info.PermissionMode,
		Name:             info.Name,
		State:            string(info.State),
		PID:              info.PID,
		BackendSessionID: info.BackendSessionID,
		ExitCode:         info.ExitCode,
	}
	data, err := json.Marshal(p)
	if err != nil {
		// Info fields are all primitives; this should never happen, but the
		// registry must not lose the record's identity if it does.
		log.Printf("registry: marshal session %s: %v", info.ID, err)
		data = nil
	}
	return storage.Record{
		SessionID: info.ID,
		Backend:   info.AdapterName,
		Archived:  info.Archived,
		CreatedAt: info.CreatedAt,
		Data:      data,
	}
}

func infoFromRecord(rec storage.Record) Info {
	info := Info{
		ID:          rec.SessionID,
		AdapterName: rec.Backend,
		Archived:    rec.Archived,
		CreatedAt:   rec.CreatedAt,
	}
	var p payload
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			log.Printf("registry: unmarshal session %s: %v", rec.SessionID, err)
			return info
		}
	}
	info.CWD = p.CWD
	info.Model = p.Model
	info.PermissionMode = p.PermissionMode
	info.Name = p.Name
	info.State = LifecycleState(p.State)
	info.PID = p.PID
	info.BackendSessionID = p.BackendSessionID
	info.ExitCode = p.ExitCode
	return info
}
