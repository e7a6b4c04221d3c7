package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

// Tx is the ambient transaction every operation runs in. Effects are staged
// in memory and applied in one atomic store update at Commit; Rollback
// discards them all. Group locks and row claims acquired along the way are
// held until the Tx ends, whichever way it ends.
//
// A Tx belongs to one logical worker; it is not safe for concurrent use.
type Tx struct {
	id   uint64
	ctx  context.Context
	b    *Broker
	done bool

	convs  map[uuid.UUID]*txConv
	groups map[uuid.UUID]*txGroup
	reads  []domain.QueuedMessage
	frames []stagedFrame
	timers map[uuid.UUID]timerChange
	queues map[string]struct{}
}

// txConv is the transaction's working copy of one endpoint. SendSeq/RecvSeq
// advance here as the Tx stages work; a close is recorded but its state
// transition is applied only at commit, against the freshest peer flags.
type txConv struct {
	c       domain.Conversation
	queue   string
	created bool
	closed  bool
	mode    domain.CloseMode
	errCode int
	errText string
}

// sendable tells whether the Tx may stage another outbound message on this
// endpoint. The one carve-out from the plain state check: replies staged
// after a NO_ERROR close in the same Tx still go out, sequenced before the
// END frame.
func (tc *txConv) sendable() error {
	if tc.closed {
		if tc.mode == domain.CloseNoError && !tc.c.PeerClosed {
			return nil
		}
		return fmt.Errorf("conversation %s closed %s in this transaction: %w",
			tc.c.Handle, tc.mode, domain.ErrInvalidState)
	}
	return tc.c.SendableState()
}

type txGroup struct {
	g       domain.ConversationGroup
	created bool
}

type stagedFrame struct {
	handle uuid.UUID
	f      domain.Frame
}

type timerChange struct {
	arm bool
	t   domain.Timer
}

func (tx *Tx) live() error {
	if tx.done {
		return domain.ErrTxDone
	}
	return nil
}

func (tx *Tx) noteQueue(queue string) {
	tx.queues[queue] = struct{}{}
}

func (tx *Tx) queueList() []string {
	out := make([]string, 0, len(tx.queues))
	for q := range tx.queues {
		out = append(out, q)
	}
	return out
}

// lockGroup blocks until the Tx owns the group or the wait budget runs out.
// Lock holders release at commit/rollback and every release signals the
// queue's notifier, so waiting here is a channel wait, never a spin.
func (tx *Tx) lockGroup(group uuid.UUID, queue string) error {
	deadline := time.Now().Add(tx.b.opts.LockWait)
	for {
		// Grab the wait channel before trying: a release between the
		// failed try and the wait would otherwise be missed.
		ch := tx.b.store.WaitChan(queue)
		if tx.b.locks.TryLock(group, tx.id) {
			tx.noteQueue(queue)
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("lock group %s: %w", group, domain.ErrTimeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("lock group %s: %w", group, domain.ErrTimeout)
		case <-tx.ctx.Done():
			timer.Stop()
			return tx.ctx.Err()
		}
	}
}

// touch brings an endpoint under the Tx: resolves it, acquires its group
// lock, and caches a working copy read after the lock was won, so the copy
// cannot be stale against other transactions.
func (tx *Tx) touch(handle uuid.UUID) (*txConv, error) {
	if tc, ok := tx.convs[handle]; ok {
		return tc, nil
	}

	var c domain.Conversation
	var found bool
	err := tx.b.store.View(func(txn *badger.Txn) error {
		var err error
		c, found, err = storage.GetConversation(txn, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("conversation %s: %w", handle, domain.ErrUnknownConversation)
	}
	queue, ok := tx.b.reg.QueueOf(c.LocalService)
	if !ok {
		return nil, fmt.Errorf("conversation %s references service %s: %w",
			handle, c.LocalService, domain.ErrUnknownService)
	}

	// GroupID never changes, so locking on the pre-lock read is safe; the
	// record itself is re-read once the lock is ours.
	if err := tx.lockGroup(c.GroupID, queue); err != nil {
		return nil, err
	}
	err = tx.b.store.View(func(txn *badger.Txn) error {
		var err error
		c, found, err = storage.GetConversation(txn, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("conversation %s: %w", handle, domain.ErrUnknownConversation)
	}

	tc := &txConv{c: c, queue: queue}
	tx.convs[handle] = tc
	return tc, nil
}

// convInTxn is touch's little sibling for the receive path, which already
// holds the group lock and reads through an open store transaction.
func (tx *Tx) convInTxn(txn *badger.Txn, handle uuid.UUID, queue string) (*txConv, bool, error) {
	if tc, ok := tx.convs[handle]; ok {
		return tc, true, nil
	}
	c, found, err := storage.GetConversation(txn, handle)
	if err != nil || !found {
		return nil, false, err
	}
	tc := &txConv{c: c, queue: queue}
	tx.convs[handle] = tc
	return tc, true, nil
}

// Rollback discards every staged effect. Claims evaporate (the rows become
// visible again), locks release, waiters are signaled.
func (tx *Tx) Rollback() error {
	if err := tx.live(); err != nil {
		return err
	}
	tx.finish()
	return nil
}

// finish releases the cross-transaction state a Tx holds. Claims go before
// locks so the next lock holder never sees leftover claims of this Tx.
func (tx *Tx) finish() {
	tx.b.store.Claims().ReleaseAll(tx.id)
	tx.b.locks.ReleaseAll(tx.id)
	tx.b.store.Notify(tx.queueList()...)
	tx.done = true
}

// Commit applies the full staged effect set in one atomic store update:
// endpoint upserts and close transitions (merged against fresh peer flags),
// group membership, claimed-row deletion, timer rows, and outbox frames.
// On success it releases locks and claims, syncs the scheduler, wakes queue
// waiters, and nudges the dispatcher. Any failure rolls the Tx back.
func (tx *Tx) Commit() error {
	if err := tx.live(); err != nil {
		return err
	}
	if err := tx.ctx.Err(); err != nil {
		tx.finish()
		return err
	}

	now := time.Now().UTC()
	var (
		emits     []domain.Frame           // END/ERROR frames, built post-merge
		dropData  = map[uuid.UUID]bool{}   // convs whose staged DATA dies (cleanup)
		armAfter  []domain.Timer           // scheduler arms once durable
		disarm    []uuid.UUID              // scheduler disarms
		survivors = map[uuid.UUID][]uuid.UUID{} // created-group id -> member handles
		appended  bool
	)

	err := tx.b.store.Apply(func(txn *badger.Txn) error {
		for handle, tc := range tx.convs {
			switch {
			case tc.created && tc.closed:
				if err := tx.commitEphemeral(handle, tc, &emits, dropData); err != nil {
					return err
				}
			case tc.created:
				if err := storage.PutConversation(txn, tc.c); err != nil {
					return err
				}
				if err := storage.PutDialogIndex(txn, tc.c.LocalService, tc.c.DialogID, handle); err != nil {
					return err
				}
				survivors[tc.c.GroupID] = append(survivors[tc.c.GroupID], handle)
			default:
				if err := tx.commitStored(txn, now, handle, tc, &emits, dropData, &armAfter, &disarm); err != nil {
					return err
				}
			}
		}

		for id, tg := range tx.groups {
			members := survivors[id]
			if len(members) == 0 {
				continue
			}
			if tg.created {
				tg.g.Members = members
				if err := storage.PutGroup(txn, tg.g); err != nil {
					return err
				}
				continue
			}
			// Joined a stored group: append the surviving new members.
			g, found, err := storage.GetGroup(txn, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("conversation group %s vanished during commit: %w",
					id, domain.ErrUnknownConversation)
			}
			g.Members = append(g.Members, members...)
			if err := storage.PutGroup(txn, g); err != nil {
				return err
			}
		}

		for _, m := range tx.reads {
			if err := storage.DeleteRow(txn, m); err != nil {
				return err
			}
		}

		for handle, change := range tx.timers {
			tc := tx.convs[handle]
			if tc.closed {
				continue // the close path already settled the timer row
			}
			if !change.arm {
				if err := storage.DeleteTimer(txn, handle); err != nil {
					return err
				}
				disarm = append(disarm, handle)
				continue
			}
			if err := storage.PutTimer(txn, change.t); err != nil {
				return err
			}
			armAfter = append(armAfter, change.t)
		}

		for _, sf := range tx.frames {
			if dropData[sf.handle] {
				continue
			}
			if err := tx.appendOutbox(txn, now, sf.f); err != nil {
				return err
			}
			appended = true
		}
		for _, f := range emits {
			if err := tx.appendOutbox(txn, now, f); err != nil {
				return err
			}
			appended = true
		}
		return nil
	})
	if err != nil {
		tx.finish()
		return fmt.Errorf("commit: %w", err)
	}

	// Disarms first: a close both disarms the old timer and may arm the
	// purge replacement for the same handle.
	for _, h := range disarm {
		tx.b.sched.Disarm(h)
	}
	for _, t := range armAfter {
		tx.b.sched.Arm(t)
	}
	tx.finish()
	if appended {
		tx.b.nudgeDispatcher()
	}
	return nil
}

// commitEphemeral settles an endpoint opened and closed within this Tx. It
// was never visible, so nothing is persisted; staged frames still flow for
// the announced modes (fire-and-forget), die for cleanup. An initiator that
// never sent has no peer endpoint anywhere and emits nothing.
func (tx *Tx) commitEphemeral(handle uuid.UUID, tc *txConv, emits *[]domain.Frame, dropData map[uuid.UUID]bool) error {
	if tc.mode == domain.CloseWithCleanup {
		dropData[handle] = true
		return nil
	}
	if tc.c.SendSeq == 0 {
		return nil
	}
	*emits = append(*emits, tx.closeFrame(tc.c, tc))
	return nil
}

// commitStored merges a touched stored endpoint and, when a close was
// staged, applies the transition against the freshest peer flags: an END
// that landed while this Tx was open turns CLOSING into CLOSED right here.
func (tx *Tx) commitStored(txn *badger.Txn, now time.Time, handle uuid.UUID, tc *txConv,
	emits *[]domain.Frame, dropData map[uuid.UUID]bool, armAfter *[]domain.Timer, disarm *[]uuid.UUID) error {

	stored, found, err := storage.GetConversation(txn, handle)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("conversation %s vanished during commit: %w",
			handle, domain.ErrUnknownConversation)
	}

	merged := stored
	merged.SendSeq = tc.c.SendSeq
	merged.RecvSeq = tc.c.RecvSeq

	if !tc.closed {
		return storage.PutConversation(txn, merged)
	}

	if err := merged.ApplyLocalClose(tc.mode); err != nil {
		return err
	}
	// Every close mode drops this endpoint's undelivered rows and its timer.
	if err := storage.DeleteConversationRows(txn, tc.queue, merged.GroupID, handle); err != nil {
		return err
	}
	if err := storage.DeleteTimer(txn, handle); err != nil {
		return err
	}
	*disarm = append(*disarm, handle)

	reclaim := func() error {
		if err := tx.b.reclaim(txn, merged, tc.queue); err != nil {
			return err
		}
		return removeFromGroup(txn, merged.GroupID, handle)
	}

	// An initiator that never sent has no peer endpoint to notify.
	shortCircuit := merged.Role == domain.INITIATOR && merged.SendSeq == 0 && !merged.PeerClosed

	switch tc.mode {
	case domain.CloseWithCleanup:
		dropData[handle] = true
		return reclaim()
	case domain.CloseNoError:
		if shortCircuit {
			return reclaim()
		}
		*emits = append(*emits, tx.closeFrame(merged, tc))
		if merged.State == domain.CLOSED {
			return reclaim()
		}
		return storage.PutConversation(txn, merged)
	default: // CloseWithError
		if shortCircuit {
			return reclaim()
		}
		*emits = append(*emits, tx.closeFrame(merged, tc))
		if merged.State == domain.CLOSED {
			return reclaim()
		}
		if err := storage.PutConversation(txn, merged); err != nil {
			return err
		}
		// Retention purge: an unresponsive peer must not pin the record.
		purge := domain.Timer{
			Handle:  handle,
			GroupID: merged.GroupID,
			Service: merged.LocalService,
			Queue:   tc.queue,
			Kind:    domain.TimerPurge,
			FireAt:  now.Add(tx.b.opts.ErrorRetention),
		}
		if err := storage.PutTimer(txn, purge); err != nil {
			return err
		}
		*armAfter = append(*armAfter, purge)
		return nil
	}
}

// closeFrame builds the END or ERROR frame for a closed endpoint. Its
// sequence number is the endpoint's final SendSeq, so it lands behind every
// DATA frame the Tx staged: the terminal frame on the wire.
func (tx *Tx) closeFrame(c domain.Conversation, tc *txConv) domain.Frame {
	f := domain.Frame{
		DialogID:   c.DialogID,
		Origin:     c.LocalService,
		Target:     c.RemoteService,
		Contract:   c.Contract,
		OriginRole: c.Role,
		Seq:        c.SendSeq,
	}
	if tc.mode == domain.CloseWithError {
		f.Kind = domain.FrameError
		f.MessageType = domain.TypeError
		f.ErrorCode = tc.errCode
		f.ErrorText = tc.errText
		return f
	}
	f.Kind = domain.FrameEnd
	f.MessageType = domain.TypeEndDialog
	return f
}

func (tx *Tx) appendOutbox(txn *badger.Txn, now time.Time, f domain.Frame) error {
	id, err := tx.b.store.NextOutboxID()
	if err != nil {
		return err
	}
	return storage.AppendOutbox(txn, storage.OutboxRecord{
		ID:        id,
		Frame:     f,
		Status:    storage.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
