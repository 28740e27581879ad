// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tracer implements the best-effort Message Tracer/Metrics component
// (spec.md component 11): a sampling tap on every UnifiedMessage edge that
// accumulates per-session counters and periodically flushes a JSON report.
// The report shape (Summary/Entries, atomic temp-file-then-rename writes) is
// adapted from internal/trace's TraceReport and internal/storage's
// saveRecordsFile — the same "accumulate in memory, flush a timestamped
// snapshot to disk" idiom, retargeted from log-grepping to live message
// metrics.
package tracer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teng-lin/beamcode/internal/unified"
)

// Direction tags which edge of the session a message crossed.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // backend -> core
	DirectionOutbound Direction = "outbound" // core -> backend
)

// Entry is one sampled message observation.
type Entry struct {
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	Type      unified.Type `json:"type"`
	Bytes     int       `json:"bytes"`
	At        time.Time `json:"at"`
}

// SessionSummary aggregates counters for one session since its first
// observed message (or since Forget last dropped it).
type SessionSummary struct {
	SessionID     string           `json:"session_id"`
	MessageCount  int              `json:"message_count"`
	ByteTotal     int64            `json:"byte_total"`
	CountByType   map[unified.Type]int `json:"count_by_type"`
	FirstSeen     time.Time        `json:"first_seen"`
	LastSeen      time.Time        `json:"last_seen"`
}

// Report is the periodic snapshot written to ReportsDir.
type Report struct {
	Version    string                    `json:"version"`
	CreatedAt  time.Time                 `json:"created_at"`
	SampleRate float64                   `json:"sample_rate"`
	Sessions   map[string]SessionSummary `json:"sessions"`
}

// Config holds the tracer's tunables (spec.md's ambient DOMAIN STACK TracerConfig).
type Config struct {
	Enabled    bool
	ReportsDir string
	SampleRate float64 // 0..1; New treats a value <= 0 as 1.0 (every message sampled)
}

// Tracer is the Message Tracer/Metrics tap. It never blocks or errors the
// call path it's attached to — Observe is fire-and-forget bookkeeping only.
type Tracer struct {
	cfg  Config
	rand *rand.Rand

	mu       sync.Mutex
	sessions map[string]*SessionSummary
}

// New constructs a Tracer. A nil-equivalent (Enabled: false) Config makes
// Observe a no-op, so callers can wire a Tracer unconditionally.
func New(cfg Config) *Tracer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	return &Tracer{cfg: cfg, rand: rand.New(rand.NewSource(1)), sessions: make(map[string]*SessionSummary)}
}

// Observe samples msg and folds it into sessionID's running summary
// (spec.md "best-effort... never on the blocking path").
func (t *Tracer) Observe(sessionID string, dir Direction, msg unified.Message) {
	if !t.cfg.Enabled {
		return
	}
	if t.cfg.SampleRate < 1.0 && t.rand.Float64() > t.cfg.SampleRate {
		return
	}

	size, _ := json.Marshal(msg)

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &SessionSummary{SessionID: sessionID, CountByType: make(map[unified.Type]int), FirstSeen: time.Now()}
		t.sessions[sessionID] = s
	}
	s.MessageCount++
	s.ByteTotal += int64(len(size))
	s.CountByType[msg.Type]++
	s.LastSeen = time.Now()
}

// Snapshot returns a copy of every session's current summary.
func (t *Tracer) Snapshot() map[string]SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SessionSummary, len(t.sessions))
	for id, s := range t.sessions {
		cp := *s
		cp.CountByType = make(map[unified.Type]int, len(s.CountByType))
		for k, v := range s.CountByType {
			cp.CountByType[k] = v
		}
		out[id] = cp
	}
	return out
}

// Forget drops sessionID's accumulated counters (called on session deletion
// so the tracer doesn't grow unbounded over the daemon's lifetime).
func (t *Tracer) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Flush writes the current snapshot to ReportsDir as a timestamped JSON
// file, atomically (temp file + rename, matching storage.saveRecordsFile).
func (t *Tracer) Flush() (string, error) {
	if !t.cfg.Enabled {
		return "", nil
	}
	report := Report{
		Version:    "1",
		CreatedAt:  time.Now(),
		SampleRate: t.cfg.SampleRate,
		Sessions:   t.Snapshot(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("tracer: marshal report: %w", err)
	}

	if err := os.MkdirAll(t.cfg.ReportsDir, 0o755); err != nil {
		return "", fmt.Errorf("tracer: create reports dir: %w", err)
	}
	name := fmt.Sprintf("report-%d.json", report.CreatedAt.UnixNano())
	path := filepath.Join(t.cfg.ReportsDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("tracer: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("tracer: rename temp file: %w", err)
	}
	return path, nil
}

// Run flushes periodically until stop is closed. Callers launch it as a
// background goroutine; errors from individual flushes are swallowed after
// being surfaced via onError (which may be nil).
func (t *Tracer) Run(stop <-chan struct{}, interval time.Duration, onError func(error)) {
	if !t.cfg.Enabled || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := t.Flush(); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
