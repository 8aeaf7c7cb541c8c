package service

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RunHandle represents one in-flight run. Cancellation is cooperative: the
// engine checks the flag at page and entity-type boundaries only.
type RunHandle struct {
	RunID     uuid.UUID
	cancelled atomic.Bool
}

// Cancel asks the run to stop at its next boundary.
func (h *RunHandle) Cancel() { h.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (h *RunHandle) Cancelled() bool { return h.cancelled.Load() }

// LockRegistry enforces single-flight per (tenant, provider).
//
// Locks live in process memory, which is a known single-instance limitation:
// a multi-instance deployment needs the lock backed by a shared store, e.g.
// a row-level advisory lock, before running more than one engine replica.
type LockRegistry struct {
	mu       sync.Mutex
	inflight map[Scope]*RunHandle
}

// NewLockRegistry constructs an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{inflight: make(map[Scope]*RunHandle)}
}

// Acquire claims the scope for a new run. The second return is false when a
// run is already in flight.
func (r *LockRegistry) Acquire(scope Scope, runID uuid.UUID) (*RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[scope]; busy {
		return nil, false
	}
	handle := &RunHandle{RunID: runID}
	r.inflight[scope] = handle
	return handle, true
}

// Release frees the scope after a run closes.
func (r *LockRegistry) Release(scope Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, scope)
}

// Get returns the in-flight handle for the scope, if any.
func (r *LockRegistry) Get(scope Scope) (*RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.inflight[scope]
	return handle, ok
}
