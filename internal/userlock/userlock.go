// Package userlock serializes balance-touching operations per user.
//
// Stake deduction, settlement credit, deposit, and withdrawal can all fire
// concurrently for one user (a settlement timer landing in the same instant
// as a withdrawal request). The storage layer's atomic guard protects single
// mutations, but multi-step sequences (read payout snapshot, compute profit,
// credit) must run as one unit. Manager provides that critical section.
package userlock

import (
	"context"
	"sync"
)

// Manager runs functions serially per key, in FIFO arrival order. Different
// keys proceed fully in parallel. A key's entry is removed once its queue
// drains, so once-used keys do not accumulate.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	last chan struct{} // closed when the most recent caller finishes
	refs int
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Do executes fn once all previously queued operations for key have finished.
// Callers for the same key run in the order they arrived. If ctx is cancelled
// while waiting, fn is not run and successors are released.
func (m *Manager) Do(ctx context.Context, key string, fn func() error) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{last: closedChan()}
		m.entries[key] = e
	}
	prev := e.last
	done := make(chan struct{})
	e.last = done
	e.refs++
	m.mu.Unlock()

	release := func() {
		close(done)
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}

	select {
	case <-prev:
	case <-ctx.Done():
		// Abandon the wait but keep the chain intact: our slot is released
		// only once the predecessor finishes, so successors never overtake
		// a still-running operation.
		go func() {
			<-prev
			release()
		}()
		return ctx.Err()
	}
	defer release()
	return fn()
}

// Pending reports how many keys currently hold queued or running operations.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
