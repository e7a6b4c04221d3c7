// Package locks implements exclusive, transaction-scoped locks over
// conversation groups. The manager is the sole arbiter of group-level
// concurrency: while one transaction holds a group, no other transaction may
// observe or mutate that group's messages.
//
// Locks are deliberately in-memory only. A transaction cannot outlive the
// process, so neither can a lock; a crash releases everything, which is the
// required recovery behavior.
package locks

import (
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	owner uint64
	depth int
}

// Manager tracks which transaction holds which group.
type Manager struct {
	mu      sync.Mutex
	held    map[uuid.UUID]*entry
	byOwner map[uint64]map[uuid.UUID]struct{}
}

func NewManager() *Manager {
	return &Manager{
		held:    make(map[uuid.UUID]*entry),
		byOwner: make(map[uint64]map[uuid.UUID]struct{}),
	}
}

// TryLock acquires group for txID, or reenters if txID already holds it.
// Returns false when another transaction is the holder. Never blocks;
// blocking acquisition is composed by callers from TryLock and a wakeup
// signal.
func (m *Manager) TryLock(group uuid.UUID, txID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.held[group]; ok {
		if e.owner != txID {
			return false
		}
		e.depth++
		return true
	}

	m.held[group] = &entry{owner: txID, depth: 1}
	owned, ok := m.byOwner[txID]
	if !ok {
		owned = make(map[uuid.UUID]struct{})
		m.byOwner[txID] = owned
	}
	owned[group] = struct{}{}
	return true
}

// Unlock undoes a single TryLock by the same transaction. It exists for the
// engine's group-selection backout (lock, re-check eligibility, step away);
// transactions themselves never unlock explicitly, they end.
func (m *Manager) Unlock(group uuid.UUID, txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[group]
	if !ok || e.owner != txID {
		return
	}
	e.depth--
	if e.depth > 0 {
		return
	}
	delete(m.held, group)
	m.forget(txID, group)
}

// ReleaseAll frees every group held by txID. Called exactly once per
// transaction, at commit or rollback. Returns the freed groups so the caller
// can signal waiters.
func (m *Manager) ReleaseAll(txID uint64) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.byOwner[txID]
	if !ok {
		return nil
	}
	freed := make([]uuid.UUID, 0, len(owned))
	for group := range owned {
		delete(m.held, group)
		freed = append(freed, group)
	}
	delete(m.byOwner, txID)
	return freed
}

// Holds reports whether txID currently owns group.
func (m *Manager) Holds(group uuid.UUID, txID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[group]
	return ok && e.owner == txID
}

// Locked reports whether any transaction owns group.
func (m *Manager) Locked(group uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.held[group]
	return ok
}

func (m *Manager) forget(txID uint64, group uuid.UUID) {
	owned, ok := m.byOwner[txID]
	if !ok {
		return
	}
	delete(owned, group)
	if len(owned) == 0 {
		delete(m.byOwner, txID)
	}
}
