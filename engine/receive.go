package engine

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

// ReceiveRequest addresses one Receive call. Group targets one locked group;
// when it is uuid.Nil the engine selects and locks an eligible group on the
// Queue itself. Max caps the batch (<=0 means no cap). Wait bounds the
// cooperative block when nothing is deliverable; zero returns immediately.
type ReceiveRequest struct {
	Queue string
	Group uuid.UUID
	Max   int
	Wait  time.Duration
}

// Receive dequeues messages in strict per-conversation order: local control
// rows first, then the sequenced band contiguously from RecvSeq. Returned
// rows are claimed — invisible to every other transaction — until the Tx
// commits (rows deleted) or rolls back (rows restored). An exhausted wait
// returns an empty batch, not an error.
func (b *Broker) Receive(tx *Tx, req ReceiveRequest) ([]domain.QueuedMessage, error) {
	if err := tx.live(); err != nil {
		return nil, err
	}
	if req.Group != uuid.Nil {
		return b.receiveTargeted(tx, req)
	}
	if req.Queue == "" {
		return nil, fmt.Errorf("receive: no queue and no group given: %w", domain.ErrInvalidState)
	}
	if !b.reg.HasQueue(req.Queue) {
		return nil, fmt.Errorf("receive: queue %s: %w", req.Queue, domain.ErrUnknownService)
	}
	return b.receiveAny(tx, req)
}

func (b *Broker) receiveTargeted(tx *Tx, req ReceiveRequest) ([]domain.QueuedMessage, error) {
	var g domain.ConversationGroup
	var found bool
	err := b.store.View(func(txn *badger.Txn) error {
		var err error
		g, found, err = storage.GetGroup(txn, req.Group)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("receive: conversation group %s: %w", req.Group, domain.ErrUnknownConversation)
	}
	if !b.locks.Holds(req.Group, tx.id) && !b.locks.TryLock(req.Group, tx.id) {
		return nil, fmt.Errorf("receive: group %s: %w", req.Group, domain.ErrGroupAlreadyLocked)
	}
	tx.noteQueue(g.Queue)

	deadline := time.Now().Add(req.Wait)
	for {
		ch := b.store.WaitChan(g.Queue)
		batch, err := tx.deliverGroup(g.Queue, req.Group, req.Max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		if !waitFor(tx, ch, deadline) {
			return nil, tx.ctx.Err()
		}
	}
}

func (b *Broker) receiveAny(tx *Tx, req ReceiveRequest) ([]domain.QueuedMessage, error) {
	deadline := time.Now().Add(req.Wait)
	skip := make(map[uuid.UUID]bool)
	for {
		ch := b.store.WaitChan(req.Queue)
		gid, alreadyHeld, ok, err := b.lockEligibleGroup(tx, req.Queue, skip)
		if err != nil {
			return nil, err
		}
		if ok {
			tx.noteQueue(req.Queue)
			batch, err := tx.deliverGroup(req.Queue, gid, req.Max)
			if err != nil {
				return nil, err
			}
			if len(batch) > 0 {
				return batch, nil
			}
			// Rows exist but none is deliverable yet (sequence gap).
			// Step away and look at the next group.
			if !alreadyHeld {
				b.locks.Unlock(gid, tx.id)
				// The release happened outside commit/rollback, so
				// lock waiters must be woken here.
				b.store.Notify(req.Queue)
			}
			skip[gid] = true
			continue
		}
		if !waitFor(tx, ch, deadline) {
			return nil, tx.ctx.Err()
		}
		// Fresh arrivals may have filled gaps; reconsider everything.
		skip = make(map[uuid.UUID]bool)
	}
}

// GetGroup atomically selects one lockable group with at least one visible
// unclaimed message on the queue, locks it for the Tx, and returns it.
// Selection scans the pending index oldest-first, so no group starves.
// ok=false when nothing became eligible within wait.
func (b *Broker) GetGroup(tx *Tx, queue string, wait time.Duration) (uuid.UUID, bool, error) {
	if err := tx.live(); err != nil {
		return uuid.Nil, false, err
	}
	if !b.reg.HasQueue(queue) {
		return uuid.Nil, false, fmt.Errorf("get group: queue %s: %w", queue, domain.ErrUnknownService)
	}

	deadline := time.Now().Add(wait)
	for {
		ch := b.store.WaitChan(queue)
		gid, _, ok, err := b.lockEligibleGroup(tx, queue, nil)
		if err != nil {
			return uuid.Nil, false, err
		}
		if ok {
			tx.noteQueue(queue)
			return gid, true, nil
		}
		if !waitFor(tx, ch, deadline) {
			return uuid.Nil, false, tx.ctx.Err()
		}
	}
}

// waitFor blocks on the queue notifier until the deadline or the Tx context
// ends. It reports whether the caller should rescan; false means give up
// (the context error, if any, is the caller's to read).
func waitFor(tx *Tx, ch <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-tx.ctx.Done():
		return false
	}
}

// lockEligibleGroup makes one non-blocking selection pass over the queue's
// pending index, oldest entry first. It returns the first group that has an
// unclaimed row and could be locked (or is already held by this Tx);
// verification happens on a fresh snapshot after the lock is won, since the
// scan snapshot may predate another transaction's commit.
func (b *Broker) lockEligibleGroup(tx *Tx, queue string, skip map[uuid.UUID]bool) (uuid.UUID, bool, bool, error) {
	var candidates []uuid.UUID
	seen := make(map[uuid.UUID]bool)

	err := b.store.View(func(txn *badger.Txn) error {
		return storage.PendingEntries(txn, queue, func(e storage.PendingEntry) bool {
			if skip[e.GroupID] || seen[e.GroupID] {
				return false
			}
			if b.store.Claims().Claimed(e.RowKey) {
				return false
			}
			seen[e.GroupID] = true
			candidates = append(candidates, e.GroupID)
			return len(candidates) >= 64
		})
	})
	if err != nil {
		return uuid.Nil, false, false, err
	}

	for _, gid := range candidates {
		if b.locks.Holds(gid, tx.id) {
			return gid, true, true, nil
		}
		if !b.locks.TryLock(gid, tx.id) {
			continue
		}
		has, err := b.groupHasUnclaimedRow(queue, gid)
		if err != nil {
			b.locks.Unlock(gid, tx.id)
			b.store.Notify(queue)
			return uuid.Nil, false, false, err
		}
		if has {
			return gid, false, true, nil
		}
		// Consumed between snapshot and lock; step away and wake any
		// lock waiter that lost the race while we held it.
		b.locks.Unlock(gid, tx.id)
		b.store.Notify(queue)
	}
	return uuid.Nil, false, false, nil
}

func (b *Broker) groupHasUnclaimedRow(queue string, gid uuid.UUID) (bool, error) {
	var has bool
	err := b.store.View(func(txn *badger.Txn) error {
		rows, err := storage.GroupRows(txn, queue, gid)
		if err != nil {
			return err
		}
		for _, m := range rows {
			if !b.store.Claims().Claimed(storage.RowKeyOf(m)) {
				has = true
				return nil
			}
		}
		return nil
	})
	return has, err
}

// deliverGroup walks one locked group's rows in key order — conversation by
// conversation, local band ahead of the sequenced band — claiming what it
// hands out. The sequenced band is gated at RecvSeq: a missing sequence
// number stops that conversation's delivery until the gap fills.
func (tx *Tx) deliverGroup(queue string, gid uuid.UUID, max int) ([]domain.QueuedMessage, error) {
	var out []domain.QueuedMessage
	err := tx.b.store.View(func(txn *badger.Txn) error {
		rows, err := storage.GroupRows(txn, queue, gid)
		if err != nil {
			return err
		}
		var blocked uuid.UUID // conversation whose sequenced band hit a gap
		for _, m := range rows {
			if max > 0 && len(out) >= max {
				break
			}
			if m.Handle == blocked && !m.Local {
				continue
			}
			tc, found, err := tx.convInTxn(txn, m.Handle, queue)
			if err != nil {
				return err
			}
			if !found || tc.closed {
				continue
			}
			if m.Local {
				if tx.b.store.Claims().Claim(storage.RowKeyOf(m), tx.id) {
					out = append(out, m)
					tx.reads = append(tx.reads, m)
				}
				continue
			}
			switch {
			case m.Seq < tc.c.RecvSeq:
				// Already taken by this Tx, or a late duplicate.
			case m.Seq > tc.c.RecvSeq:
				blocked = m.Handle
			default:
				if !tx.b.store.Claims().Claim(storage.RowKeyOf(m), tx.id) {
					blocked = m.Handle
					continue
				}
				out = append(out, m)
				tx.reads = append(tx.reads, m)
				tc.c.RecvSeq++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
