package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"dialog-broker/domain"
)

// OutboxStatus is the delivery lifecycle of a committed frame.
type OutboxStatus string

const (
	// StatusPending frames await delivery by the dispatcher. Delivered
	// frames are deleted, not kept: the dispatcher re-scans the outbox
	// prefix on every pass, so the table must only ever hold live work.
	StatusPending OutboxStatus = "PENDING"
	// StatusFailed frames exhausted their delivery attempts and are parked
	// for inspection.
	StatusFailed OutboxStatus = "FAILED"
)

// OutboxRecord is one committed frame in the durable outbox. Frames are
// written in the same transaction as the conversation effects that produced
// them, so a commit either stages its frames or leaves no trace.
type OutboxRecord struct {
	ID            uint64       `json:"id"`
	Frame         domain.Frame `json:"frame"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func AppendOutbox(txn *badger.Txn, rec OutboxRecord) error {
	return setJSON(txn, outboxKey(rec.ID), rec)
}

func GetOutbox(txn *badger.Txn, id uint64) (OutboxRecord, bool, error) {
	var rec OutboxRecord
	found, err := getJSON(txn, outboxKey(id), &rec)
	return rec, found, err
}

// PendingOutbox returns up to limit PENDING records due at or before now, in
// append order. Append order follows commit order, so per-dialog frames leave
// in the order they were committed.
func (s *Store) PendingOutbox(now time.Time, limit int) ([]OutboxRecord, error) {
	var due []OutboxRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixOutbox); it.ValidForPrefix(prefixOutbox) && len(due) < limit; it.Next() {
			var rec OutboxRecord
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode outbox %s: %w", it.Item().Key(), err)
			}
			if rec.Status != StatusPending || rec.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// MarkOutboxPublished reclaims a delivered record. A published frame has no
// further use, and leaving it behind would grow the table with the lifetime
// traffic of the broker.
func (s *Store) MarkOutboxPublished(id uint64) error {
	return s.Apply(func(txn *badger.Txn) error {
		return txn.Delete(outboxKey(id))
	})
}

// MarkOutboxRetry schedules another attempt after a delivery failure.
func (s *Store) MarkOutboxRetry(id uint64, nextAt time.Time, lastErr string) error {
	return s.updateOutbox(id, func(rec *OutboxRecord) {
		rec.Attempts++
		rec.NextAttemptAt = nextAt
		rec.LastError = lastErr
		rec.UpdatedAt = time.Now().UTC()
	})
}

// MarkOutboxFailed parks a record whose attempts are exhausted.
func (s *Store) MarkOutboxFailed(id uint64, lastErr string) error {
	return s.updateOutbox(id, func(rec *OutboxRecord) {
		rec.Attempts++
		rec.Status = StatusFailed
		rec.LastError = lastErr
		rec.UpdatedAt = time.Now().UTC()
	})
}

func (s *Store) updateOutbox(id uint64, mutate func(*OutboxRecord)) error {
	return s.Apply(func(txn *badger.Txn) error {
		rec, found, err := GetOutbox(txn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("outbox record %d not found", id)
		}
		mutate(&rec)
		return AppendOutbox(txn, rec)
	})
}
