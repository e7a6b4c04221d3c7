// Package engine implements the conversation engine: the ambient transaction,
// the Open/Send/Receive/Close/SetTimer/GetGroup operations, the inbound frame
// path, and the timer scheduler. It is the sole mutator of the store, the
// lock manager and the claim registry.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/storage"
)

// BodyValidator checks a message body against its declared validation mode.
// Validation is an external concern; the default checks WELL_FORMED and
// SCHEMA bodies for valid JSON and nothing more.
type BodyValidator func(mt domain.MessageType, body []byte) error

// Options tune broker-wide policies. The zero value is usable; zero fields
// fall back to the defaults below.
type Options struct {
	// MaxBodyBytes caps Send bodies. Default 1 MiB.
	MaxBodyBytes int
	// DefaultLifetime arms a lifetime timer on every Open when positive.
	// Default off: permanently idle conversations are the application's
	// policy call, not the broker's.
	DefaultLifetime time.Duration
	// ErrorRetention bounds how long an ERRORED endpoint waits for the peer
	// acknowledgment before the purge timer reclaims it. Default 10m.
	ErrorRetention time.Duration
	// LockWait bounds group-lock acquisition inside Open/Send/Close/SetTimer.
	// Default 5s.
	LockWait time.Duration
	// TombstoneTTL is how long a reclaimed dialog id stays poisoned against
	// late duplicate frames. Default 1h.
	TombstoneTTL time.Duration
	// Validator replaces the built-in body check.
	Validator BodyValidator
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.ErrorRetention <= 0 {
		o.ErrorRetention = 10 * time.Minute
	}
	if o.LockWait <= 0 {
		o.LockWait = 5 * time.Second
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = time.Hour
	}
	return o
}

// Broker owns the collaborating parts and hands out transactions. All
// conversation state flows through it.
type Broker struct {
	log   *slog.Logger
	store *storage.Store
	locks *locks.Manager
	reg   *registry.Registry
	sched *Scheduler
	opts  Options
	txSeq atomic.Uint64
	nudge chan struct{}
}

func NewBroker(log *slog.Logger, store *storage.Store, lockMgr *locks.Manager,
	reg *registry.Registry, opts Options) *Broker {
	b := &Broker{
		log:   log,
		store: store,
		locks: lockMgr,
		reg:   reg,
		opts:  opts.withDefaults(),
		nudge: make(chan struct{}, 1),
	}
	b.sched = newScheduler(b)
	return b
}

// Begin opens an ambient transaction. Every effect staged through it becomes
// visible atomically at Commit and leaves no trace after Rollback. A Tx is
// bound to one logical worker and is not safe for concurrent use.
func (b *Broker) Begin(ctx context.Context) *Tx {
	return &Tx{
		id:     b.txSeq.Add(1),
		ctx:    ctx,
		b:      b,
		convs:  make(map[uuid.UUID]*txConv),
		groups: make(map[uuid.UUID]*txGroup),
		timers: make(map[uuid.UUID]timerChange),
		queues: make(map[string]struct{}),
	}
}

// Timers returns the scheduler worker; run it under the supervisor.
func (b *Broker) Timers() *Scheduler {
	return b.sched
}

// OutboxNudge signals after every commit that appended outbox frames, so the
// dispatcher wakes without waiting for its ticker.
func (b *Broker) OutboxNudge() <-chan struct{} {
	return b.nudge
}

func (b *Broker) nudgeDispatcher() {
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// validateBody runs the configured or built-in body check for mt.
func (b *Broker) validateBody(mt domain.MessageType, body []byte) error {
	if mt.Validation == domain.ValidationNone {
		return nil
	}
	if b.opts.Validator != nil {
		return b.opts.Validator(mt, body)
	}
	if !json.Valid(body) {
		return fmt.Errorf("message type %s requires a well-formed body: %w", mt.Name, domain.ErrCorruptFrame)
	}
	return nil
}

// reclaim erases every durable trace of an endpoint except its group
// membership, which the caller settles, and poisons the dialog id so late
// duplicates cannot resurrect it.
func (b *Broker) reclaim(txn *badger.Txn, c domain.Conversation, queue string) error {
	if err := storage.DeleteConversationRows(txn, queue, c.GroupID, c.Handle); err != nil {
		return err
	}
	if err := storage.DeleteConversationRecord(txn, c.Handle); err != nil {
		return err
	}
	if err := storage.DeleteDialogIndex(txn, c.LocalService, c.DialogID); err != nil {
		return err
	}
	if err := storage.DeleteTimer(txn, c.Handle); err != nil {
		return err
	}
	return storage.PutTombstone(txn, c.LocalService, c.DialogID, b.opts.TombstoneTTL)
}

// removeFromGroup drops a reclaimed member; an emptied group is deleted.
func removeFromGroup(txn *badger.Txn, groupID, handle uuid.UUID) error {
	g, found, err := storage.GetGroup(txn, groupID)
	if err != nil || !found {
		return err
	}
	if empty := g.Remove(handle); empty {
		return storage.DeleteGroup(txn, groupID)
	}
	return storage.PutGroup(txn, g)
}
