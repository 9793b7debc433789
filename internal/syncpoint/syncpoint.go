// Package syncpoint provides global sync point allocation and retirement.
//
// A sync point is an opaque id for a future completion event. Every id handed
// out by Allocate must be retired exactly once; waiters registered through
// Manager.Wait run when that happens.
package syncpoint

import (
	"log/slog"
	"sync"
)

// Coordinator allocates and retires sync point ids.
//
// Allocate is called while a channel's queue lock is held, Retire from the
// worker goroutine or from teardown. Implementations must be safe for
// concurrent use and must not call back into a channel.
type Coordinator interface {
	Allocate() uint32
	Retire(id uint32)
}

// Manager is the in-process Coordinator shared by all channels.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32][]func()
	retired map[uint32]struct{}
}

// NewManager creates a Manager whose first allocated id is 1.
func NewManager() *Manager {
	return &Manager{
		pending: make(map[uint32][]func()),
		retired: make(map[uint32]struct{}),
	}
}

// Allocate returns a fresh id. Ids are never reused; 0 is never returned.
func (m *Manager) Allocate() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	if m.next == 0 {
		m.next = 1
	}
	m.pending[m.next] = nil
	return m.next
}

// Retire resolves id and runs its waiters outside the lock.
// Retiring an unknown or already retired id is a logged no-op.
func (m *Manager) Retire(id uint32) {
	m.mu.Lock()
	waiters, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		slog.Debug("retire of unknown sync point ignored", "sync_point", id)
		return
	}
	delete(m.pending, id)
	m.retired[id] = struct{}{}
	m.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Wait registers fn to run when id retires. If id is already retired (or
// was never allocated) fn runs immediately on the calling goroutine.
func (m *Manager) Wait(id uint32, fn func()) {
	m.mu.Lock()
	if waiters, ok := m.pending[id]; ok {
		m.pending[id] = append(waiters, fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn()
}

// IsRetired reports whether id has been retired.
func (m *Manager) IsRetired(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.retired[id]
	return ok
}

// Outstanding returns the number of allocated ids not yet retired.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
