package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

const timerRetryDelay = 5 * time.Second

// Scheduler fires durable conversation timers. The badger timer table is the
// truth; the in-memory deadline map only decides when to look. A fire
// re-reads the row inside the store's single-writer transaction, so a close
// or re-arm that committed first always wins and the fire quietly no-ops.
type Scheduler struct {
	b    *Broker
	mu   sync.Mutex
	due  map[uuid.UUID]time.Time
	wake chan struct{}
}

func newScheduler(b *Broker) *Scheduler {
	return &Scheduler{
		b:    b,
		due:  make(map[uuid.UUID]time.Time),
		wake: make(chan struct{}, 1),
	}
}

// Arm registers or replaces a handle's deadline. Called after the commit that
// persisted the timer row.
func (s *Scheduler) Arm(t domain.Timer) {
	s.mu.Lock()
	s.due[t.Handle] = t.FireAt
	s.mu.Unlock()
	s.poke()
}

// Disarm forgets a handle's deadline. Stale entries are harmless either way;
// a fire without a row does nothing.
func (s *Scheduler) Disarm(handle uuid.UUID) {
	s.mu.Lock()
	delete(s.due, handle)
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next returns the earliest pending deadline. Linear scan: the timer
// population is small and badger holds the durable truth.
func (s *Scheduler) next() (uuid.UUID, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		handle uuid.UUID
		at     time.Time
		ok     bool
	)
	for h, t := range s.due {
		if !ok || t.Before(at) {
			handle, at, ok = h, t, true
		}
	}
	return handle, at, ok
}

// take removes the entry if its deadline is still the one we decided to
// fire. A concurrent re-arm that replaced the deadline keeps its entry.
func (s *Scheduler) take(handle uuid.UUID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.due[handle]
	if !ok || !cur.Equal(at) {
		return false
	}
	delete(s.due, handle)
	return true
}

// restore re-queues a failed fire unless a re-arm got there first.
func (s *Scheduler) restore(handle uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.due[handle]; !ok {
		s.due[handle] = at
	}
}

// recover re-arms every durable timer, making deadlines survive restarts.
func (s *Scheduler) recover() error {
	var timers []domain.Timer
	err := s.b.store.View(func(txn *badger.Txn) error {
		var err error
		timers, err = storage.AllTimers(txn)
		return err
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range timers {
		s.due[t.Handle] = t.FireAt
	}
	s.mu.Unlock()
	if len(timers) > 0 {
		s.b.log.Info(fmt.Sprintf("Re-armed %d durable conversation timers", len(timers)))
	}
	return nil
}

// Run executes the scheduler loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.b.log.Info("Starting timer scheduler worker")
	if err := s.recover(); err != nil {
		return fmt.Errorf("recover timers: %w", err)
	}

	for {
		handle, at, ok := s.next()
		if ok && !time.Now().Before(at) {
			if s.take(handle, at) {
				if err := s.fire(handle); err != nil {
					s.b.log.Error("Timer fire failed", "handle", handle, "err", err)
					s.restore(handle, time.Now().Add(timerRetryDelay))
				}
			}
			continue
		}

		wait := time.Hour
		if ok {
			wait = time.Until(at)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fire applies one expiry. The timer row is re-read under the apply mutex:
// gone means a close or re-arm won the race, a future FireAt means a re-arm
// replaced the deadline. Lifetime expiry on a live endpoint enqueues a
// synthetic EndDialog control row and leaves the state untouched, so the
// application still closes explicitly. Purge expiry reclaims an ERRORED
// endpoint whose peer never acknowledged.
func (s *Scheduler) fire(handle uuid.UUID) error {
	var notifyQueue string
	err := s.b.store.Apply(func(txn *badger.Txn) error {
		notifyQueue = ""
		t, found, err := storage.GetTimer(txn, handle)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if time.Now().Before(t.FireAt) {
			return nil
		}
		c, found, err := storage.GetConversation(txn, handle)
		if err != nil {
			return err
		}
		if !found {
			return storage.DeleteTimer(txn, handle)
		}

		switch t.Kind {
		case domain.TimerLifetime:
			if c.State != domain.OPEN || c.PeerClosed {
				return storage.DeleteTimer(txn, handle)
			}
			id, err := s.b.store.NextMessageID()
			if err != nil {
				return err
			}
			row := domain.QueuedMessage{
				ID:          id,
				Handle:      c.Handle,
				DialogID:    c.DialogID,
				GroupID:     c.GroupID,
				Service:     c.LocalService,
				Queue:       t.Queue,
				MessageType: domain.TypeEndDialog,
				Local:       true,
				EnqueuedAt:  time.Now().UTC(),
			}
			if err := storage.PutRow(txn, row); err != nil {
				return err
			}
			notifyQueue = t.Queue
			return storage.DeleteTimer(txn, handle)

		case domain.TimerPurge:
			if c.State != domain.ERRORED {
				return storage.DeleteTimer(txn, handle)
			}
			if err := s.b.reclaim(txn, c, t.Queue); err != nil {
				return err
			}
			return removeFromGroup(txn, c.GroupID, c.Handle)

		default:
			return storage.DeleteTimer(txn, handle)
		}
	})
	if err != nil {
		return err
	}
	if notifyQueue != "" {
		s.b.log.Debug("Conversation lifetime expired", "handle", handle, "queue", notifyQueue)
		s.b.store.Notify(notifyQueue)
	}
	return nil
}
