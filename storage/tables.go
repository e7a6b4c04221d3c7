package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
)

// Typed accessors over the raw key space. They all operate inside a caller
// supplied badger transaction so the engine can compose one atomic commit
// out of many table touches.

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, v)
	})
	if err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// --- conversations ---

func PutConversation(txn *badger.Txn, c domain.Conversation) error {
	return setJSON(txn, convKey(c.Handle), c)
}

func GetConversation(txn *badger.Txn, handle uuid.UUID) (domain.Conversation, bool, error) {
	var c domain.Conversation
	found, err := getJSON(txn, convKey(handle), &c)
	return c, found, err
}

func DeleteConversationRecord(txn *badger.Txn, handle uuid.UUID) error {
	return txn.Delete(convKey(handle))
}

// --- dialog index ---

func PutDialogIndex(txn *badger.Txn, service string, dialogID, handle uuid.UUID) error {
	return txn.Set(dialogKey(service, dialogID), []byte(handle.String()))
}

func DeleteDialogIndex(txn *badger.Txn, service string, dialogID uuid.UUID) error {
	return txn.Delete(dialogKey(service, dialogID))
}

// HandleByDialog resolves the local endpoint of a dialog at one service.
// The index is service-scoped because both endpoints of a dialog may be
// hosted by the same broker.
func HandleByDialog(txn *badger.Txn, service string, dialogID uuid.UUID) (uuid.UUID, bool, error) {
	item, err := txn.Get(dialogKey(service, dialogID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	handle, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dialog index for %s: %w", dialogID, err)
	}
	return handle, true, nil
}

// --- groups ---

func PutGroup(txn *badger.Txn, g domain.ConversationGroup) error {
	return setJSON(txn, groupKey(g.ID), g)
}

func GetGroup(txn *badger.Txn, id uuid.UUID) (domain.ConversationGroup, bool, error) {
	var g domain.ConversationGroup
	found, err := getJSON(txn, groupKey(id), &g)
	return g, found, err
}

func DeleteGroup(txn *badger.Txn, id uuid.UUID) error {
	return txn.Delete(groupKey(id))
}

// --- queue rows ---

// PutRow writes a queue row and its pending-index entry in one go. The
// pending entry is what untargeted GetGroup scans oldest-first.
func PutRow(txn *badger.Txn, m domain.QueuedMessage) error {
	if err := setJSON(txn, rowKey(m), m); err != nil {
		return err
	}
	entry := PendingEntry{RowKey: string(rowKey(m)), GroupID: m.GroupID}
	return setJSON(txn, pendingKey(m), entry)
}

func DeleteRow(txn *badger.Txn, m domain.QueuedMessage) error {
	if err := txn.Delete(rowKey(m)); err != nil {
		return err
	}
	return txn.Delete(pendingKey(m))
}

// RowExists checks whether a sequenced inbound row is already stored, the
// first half of the duplicate-frame test.
func RowExists(txn *badger.Txn, queue string, groupID, handle uuid.UUID, seq uint64) (bool, error) {
	_, err := txn.Get(peerRowKey(queue, groupID, handle, seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GroupRows returns every row of a group in key order: conversation by
// conversation, local band ahead of the sequenced band, then by sequence.
func GroupRows(txn *badger.Txn, queue string, groupID uuid.UUID) ([]domain.QueuedMessage, error) {
	return scanRows(txn, groupRowPrefix(queue, groupID))
}

// ConversationRows returns one conversation's rows in delivery order.
func ConversationRows(txn *badger.Txn, queue string, groupID, handle uuid.UUID) ([]domain.QueuedMessage, error) {
	return scanRows(txn, convRowPrefix(queue, groupID, handle))
}

func scanRows(txn *badger.Txn, prefix []byte) ([]domain.QueuedMessage, error) {
	var rows []domain.QueuedMessage
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var m domain.QueuedMessage
		err := it.Item().Value(func(raw []byte) error {
			return json.Unmarshal(raw, &m)
		})
		if err != nil {
			return nil, fmt.Errorf("decode row %s: %w", it.Item().Key(), err)
		}
		rows = append(rows, m)
	}
	return rows, nil
}

// DeleteConversationRows removes every row of one conversation together with
// the pending entries, as a close does. Keys are collected before deleting so
// the iterator never walks its own writes.
func DeleteConversationRows(txn *badger.Txn, queue string, groupID, handle uuid.UUID) error {
	rows, err := ConversationRows(txn, queue, groupID, handle)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if err := DeleteRow(txn, m); err != nil {
			return err
		}
	}
	return nil
}

// --- pending index ---

type PendingEntry struct {
	Key     string    `json:"-"`
	RowKey  string    `json:"row_key"`
	GroupID uuid.UUID `json:"group_id"`
}

// PendingEntries walks a queue's pending index oldest-first. The callback
// returns true to stop early.
func PendingEntries(txn *badger.Txn, queue string, fn func(PendingEntry) bool) error {
	prefix := pendingPrefix(queue)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var entry PendingEntry
		err := it.Item().Value(func(raw []byte) error {
			return json.Unmarshal(raw, &entry)
		})
		if err != nil {
			return fmt.Errorf("decode pending entry %s: %w", it.Item().Key(), err)
		}
		entry.Key = string(it.Item().Key())
		if fn(entry) {
			return nil
		}
	}
	return nil
}

// --- timers ---

func PutTimer(txn *badger.Txn, t domain.Timer) error {
	return setJSON(txn, timerKey(t.Handle), t)
}

func GetTimer(txn *badger.Txn, handle uuid.UUID) (domain.Timer, bool, error) {
	var t domain.Timer
	found, err := getJSON(txn, timerKey(handle), &t)
	return t, found, err
}

func DeleteTimer(txn *badger.Txn, handle uuid.UUID) error {
	return txn.Delete(timerKey(handle))
}

// AllTimers loads every durable timer, for re-arming at startup.
func AllTimers(txn *badger.Txn) ([]domain.Timer, error) {
	var timers []domain.Timer
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefixTimer); it.ValidForPrefix(prefixTimer); it.Next() {
		var t domain.Timer
		err := it.Item().Value(func(raw []byte) error {
			return json.Unmarshal(raw, &t)
		})
		if err != nil {
			return nil, fmt.Errorf("decode timer %s: %w", it.Item().Key(), err)
		}
		timers = append(timers, t)
	}
	return timers, nil
}

// --- tombstones ---

// PutTombstone marks a reclaimed dialog so that late duplicate frames cannot
// resurrect it. The entry expires on its own via badger TTL.
func PutTombstone(txn *badger.Txn, service string, dialogID uuid.UUID, ttl time.Duration) error {
	entry := badger.NewEntry(tombstoneKey(service, dialogID), nil).WithTTL(ttl)
	return txn.SetEntry(entry)
}

func Tombstoned(txn *badger.Txn, service string, dialogID uuid.UUID) (bool, error) {
	_, err := txn.Get(tombstoneKey(service, dialogID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
