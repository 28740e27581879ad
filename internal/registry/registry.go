// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry is the Session Registry (spec.md §4.4): the source of
// truth for the set of sessions and their launcher-visible lifecycle state
// (starting/connected/exited). It persists through the storage façade and
// probes process liveness with github.com/mitchellh/go-ps on restart, the
// way trellis's service manager reconciles its own state against the OS on
// startup.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/teng-lin/beamcode/internal/storage"
	"github.com/teng-lin/beamcode/internal/watcher"
)

// LifecycleState is one of the three launcher-visible session states.
type LifecycleState string

const (
	Starting  LifecycleState = "starting"
	Connected LifecycleState = "connected"
	Exited    LifecycleState = "exited"
)

// ErrMaxSessions is returned by Register once the configured ceiling is hit.
var ErrMaxSessions = fmt.Errorf("registry: max concurrent sessions reached")

// ErrNotFound is returned by accessors for an unknown session id.
var ErrNotFound = fmt.Errorf("registry: session not found")

// ErrAlreadyRegistered is returned by Register for a duplicate id whose
// adapter name differs from the existing entry's (Register is otherwise
// idempotent; other fields are not compared).
var ErrAlreadyRegistered = fmt.Errorf("registry: session already registered")

// Info is the registry's view of a session — the subset of Session (spec.md
// §3) the registry is the source of truth for and persists.
type Info struct {
	ID              string
	AdapterName     string
	CWD             string
	Model           string
	PermissionMode  string
	CreatedAt       time.Time
	Archived        bool
	Name            string
	State           LifecycleState
	PID             int // 0 when not applicable (direct-connect adapters)
	BackendSessionID string
	ExitCode        *int
}

func (i Info) clone() Info {
	cp := i
	if i.ExitCode != nil {
		v := *i.ExitCode
		cp.ExitCode = &v
	}
	return cp
}

// Registry is the thread-safe in-memory session table backed by a storage
// façade. The persistence debounce window matches trellis's own
// watcher.Debouncer usage for its config/state writes.
type Registry struct {
	store      storage.Store
	debouncer  *watcher.Debouncer
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]Info
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithMaxSessions sets the concurrent-session ceiling (0 = unlimited).
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

// WithPersistDebounce overrides the default 250ms debounce window for
// storage writes.
func WithPersistDebounce(d time.Duration) Option {
	return func(r *Registry) { r.debouncer = watcher.NewDebouncer(d) }
}

// New constructs a Registry. store may be nil to disable persistence
// (useful in tests).
func New(store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		debouncer: watcher.NewDebouncer(250 * time.Millisecond),
		sessions:  make(map[string]Info),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register idempotently creates a session entry, enforcing the configured
// concurrent-session ceiling.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[info.ID]; ok {
		if existing.AdapterName != info.AdapterName {
			return ErrAlreadyRegistered
		}
		return nil
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return ErrMaxSessions
	}

	if info.State == "" {
		info.State = Starting
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	r.sessions[info.ID] = info
	r.persist(info.ID)
	return nil
}

// GetSession returns a copy of the registry's view of id.
func (r *Registry) GetSession(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info.clone(), nil
}

// ListSessions returns a snapshot of every registered session.
func (r *Registry) ListSessions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info.clone())
	}
	return out
}

// GetStartingSessions returns every session currently in the Starting state.
func (r *Registry) GetStartingSessions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, info := range r.sessions {
		if info.State == Starting {
			out = append(out, info.clone())
		}
	}
	return out
}

// SetBackendSessionID records the vendor-internal conversation id used for
// resume.
func (r *Registry) SetBackendSessionID(id, vendorID string) error {
	return r.mutate(id, func(info *Info) { info.BackendSessionID = vendorID })
}

// MarkConnected transitions id to the Connected state.
func (r *Registry) MarkConnected(id string) error {
	return r.mutate(id, func(info *Info) { info.State = Connected })
}

// MarkExited transitions id to the Exited state, recording exitCode.
func (r *Registry) MarkExited(id string, exitCode int) error {
	return r.mutate(id, func(info *Info) {
		info.State = Exited
		info.ExitCode = &exitCode
	})
}

// SetArchived flips the soft-delete archived flag, preserved across restart.
func (r *Registry) SetArchived(id string, archived bool) error {
	return r.mutate(id, func(info *Info) { info.Archived = archived })
}

// SetSessionName sets the session's display name.
func (r *Registry) SetSessionName(id, name string) error {
	return r.mutate(id, func(info *Info) { info.Name = name })
}

func (r *Registry) mutate(id string, fn func(*Info)) error {
	r.mu.Lock()
	info, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	fn(&info)
	r.sessions[id] = info
	r.mu.Unlock()

	r.persist(id)
	return nil
}

// RemoveSession deletes id from the registry and storage immediately
// (unlike other mutations, removal is not debounced).
func (r *Registry) RemoveSession(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.debouncer.Cancel(id)
	if r.store != nil {
		if err := r.store.Remove(ctx, id); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	return nil
}

// PruneExited drops every entry in the Exited state and returns the ids
// removed.
func (r *Registry) PruneExited(ctx context.Context) []string {
	r.mu.Lock()
	var pruned []string
	for id, info := range r.sessions {
		if info.State == Exited {
			pruned = append(pruned, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range pruned {
		r.debouncer.Cancel(id)
		if r.store != nil {
			_ = r.store.Remove(ctx, id)
		}
	}
	return pruned
}

// IsAliveFunc probes whether pid still refers to a running process; tests
// substitute a fake. Production uses github.com/mitchellh/go-ps.
type IsAliveFunc func(pid int) bool

// DefaultIsAlive probes via go-ps, matching trellis's own liveness-check
// idiom for reconciling persisted state against the OS on startup.
func DefaultIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := ps.FindProcess(pid)
	return err == nil && proc != nil
}

// RestoreFromStorage loads every persisted Info on daemon startup. Per
// spec.md §4.4: entries with pid != 0 and state != exited are probed for
// liveness — alive sessions become Starting (the coordinator is expected to
// reconnect/relaunch them), dead ones become Exited with exitCode -1.
func (r *Registry) RestoreFromStorage(ctx context.Context, isAlive IsAliveFunc) error {
	if r.store == nil {
		return nil
	}
	if isAlive == nil {
		isAlive = DefaultIsAlive
	}

	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("registry: restore: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		info := infoFromRecord(rec)
		if info.PID != 0 && info.State != Exited {
			if isAlive(info.PID) {
				info.State = Starting
			} else {
				info.State = Exited
				code := -1
				info.ExitCode = &code
			}
		}
		r.sessions[info.ID] = info
	}
	return nil
}

func (r *Registry) persist(id string) {
	if r.store == nil {
		return
	}
	r.debouncer.Debounce(id, func() {
		r.mu.RLock()
		info, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			return
		}
		_ = r.store.Save(context.Background(), recordFromInfo(info))
	})
}

// Close stops the persistence debouncer; writes still waiting out their
// debounce window are dropped, not flushed.
func (r *Registry) Close() { r.debouncer.Stop() }
