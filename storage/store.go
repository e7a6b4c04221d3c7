// Package storage is the durable side of the broker: conversation, group,
// queue, outbox, and timer tables in BadgerDB, plus the two in-memory
// companions that give the store its transactional feel — the claim registry
// for tentative dequeues and the per-queue commit notifier.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Store wraps a badger database with the broker's access discipline: every
// mutation goes through Apply, which serializes writers behind one mutex.
// Reads run concurrently on MVCC snapshots. At broker scale a single writer
// is cheaper than conflict-retry loops, and it makes read-check-write
// sections trivially race-free.
type Store struct {
	db       *badger.DB
	log      *slog.Logger
	applyMu  sync.Mutex
	claims   *Claims
	notifier *Notifier
	msgSeq   *badger.Sequence
	outSeq   *badger.Sequence
}

// NewStore prepares a store over an open badger database. The database stays
// owned by the caller; Close releases only the sequence leases.
func NewStore(db *badger.DB, log *slog.Logger) (*Store, error) {
	msgSeq, err := db.GetSequence([]byte("seq:msg"), 128)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	outSeq, err := db.GetSequence([]byte("seq:out"), 128)
	if err != nil {
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}
	return &Store{
		db:       db,
		log:      log,
		claims:   NewClaims(),
		notifier: NewNotifier(),
		msgSeq:   msgSeq,
		outSeq:   outSeq,
	}, nil
}

// Close returns the unused parts of the sequence leases.
func (s *Store) Close() error {
	return errors.Join(s.msgSeq.Release(), s.outSeq.Release())
}

// Apply runs fn as the one mutating badger transaction in flight.
func (s *Store) Apply(fn func(txn *badger.Txn) error) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.db.Update(fn)
}

// View runs a read-only transaction on a stable snapshot.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// Claims exposes the tentative-dequeue registry.
func (s *Store) Claims() *Claims {
	return s.claims
}

// WaitChan returns the wakeup channel for queue. See Notifier.
func (s *Store) WaitChan(queue string) <-chan struct{} {
	return s.notifier.WaitChan(queue)
}

// Notify wakes blocked receivers of the given queues.
func (s *Store) Notify(queues ...string) {
	s.notifier.Notify(queues...)
}

// NextMessageID returns a monotonic row id.
func (s *Store) NextMessageID() (uint64, error) {
	return s.msgSeq.Next()
}

// NextOutboxID returns a monotonic outbox id.
func (s *Store) NextOutboxID() (uint64, error) {
	return s.outSeq.Next()
}

// TableStats is a point-in-time census of the broker tables.
type TableStats struct {
	Conversations int
	Groups        int
	QueueDepths   map[string]int
	OutboxPending int
	OutboxFailed  int
	Timers        int
	ClaimedRows   int
}

// Stats walks the key space once. Queue depths are grouped by the queue
// segment of the row keys.
func (s *Store) Stats() (TableStats, error) {
	stats := TableStats{QueueDepths: make(map[string]int)}
	err := s.db.View(func(txn *badger.Txn) error {
		keyOpts := badger.DefaultIteratorOptions
		keyOpts.PrefetchValues = false
		it := txn.NewIterator(keyOpts)
		defer it.Close()

		for it.Seek(prefixConv); it.ValidForPrefix(prefixConv); it.Next() {
			stats.Conversations++
		}
		for it.Seek(prefixGroup); it.ValidForPrefix(prefixGroup); it.Next() {
			stats.Groups++
		}
		for it.Seek(prefixTimer); it.ValidForPrefix(prefixTimer); it.Next() {
			stats.Timers++
		}
		for it.Seek(prefixMsg); it.ValidForPrefix(prefixMsg); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(key, ":", 3)
			if len(parts) == 3 {
				stats.QueueDepths[parts[1]]++
			}
		}
		return nil
	})
	if err != nil {
		return TableStats{}, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixOutbox); it.ValidForPrefix(prefixOutbox); it.Next() {
			var rec OutboxRecord
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &rec)
			})
			if err != nil {
				return err
			}
			switch rec.Status {
			case StatusPending:
				stats.OutboxPending++
			case StatusFailed:
				stats.OutboxFailed++
			}
		}
		return nil
	})
	if err != nil {
		return TableStats{}, err
	}

	stats.ClaimedRows = s.claims.Len()
	return stats, nil
}
