package storage

import "sync"

// Claims registers tentative dequeues. A claimed row stays in the store but
// is invisible to every other transaction; the claim turns into a delete at
// commit and simply evaporates at rollback. The registry is in-memory on
// purpose: a crash forgets all claims, which restores the rows — exactly the
// rollback semantics a dead transaction must have.
type Claims struct {
	mu   sync.Mutex
	rows map[string]uint64
	byTx map[uint64]map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{
		rows: make(map[string]uint64),
		byTx: make(map[uint64]map[string]struct{}),
	}
}

// Claim marks a row key as tentatively dequeued by txID. Returns false when
// the row is already claimed, including by txID itself: a row is delivered at
// most once per transaction.
func (c *Claims) Claim(key string, txID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.rows[key]; taken {
		return false
	}
	c.rows[key] = txID
	keys, ok := c.byTx[txID]
	if !ok {
		keys = make(map[string]struct{})
		c.byTx[txID] = keys
	}
	keys[key] = struct{}{}
	return true
}

// Claimed reports whether any transaction holds a claim on key.
func (c *Claims) Claimed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, taken := c.rows[key]
	return taken
}

// ReleaseAll drops every claim of txID and returns the affected row keys.
// After a commit the rows are already deleted; after a rollback they become
// visible again.
func (c *Claims) ReleaseAll(txID uint64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byTx[txID]
	if !ok {
		return nil
	}
	released := make([]string, 0, len(keys))
	for key := range keys {
		delete(c.rows, key)
		released = append(released, key)
	}
	delete(c.byTx, txID)
	return released
}

// Len reports how many rows are currently claimed, for stats.
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.rows)
}
