package storage

import (
	"fmt"

	"github.com/google/uuid"

	"dialog-broker/domain"
)

// Key layout. Printf keys with zero-padded numeric segments so that plain
// lexicographic iteration yields the orders the broker relies on:
//
//	conv:{handle}                                  endpoint record
//	dlg:{service}:{dialogID}                       dialog id -> handle
//	grp:{groupID}                                  group record
//	msg:{queue}:{groupID}:{handle}:{band}:{ord}    queue row
//	pnd:{queue}:{enqueuedAtNanos}:{msgID}          pending index entry
//	out:{outboxID}                                 outbox frame
//	tmr:{handle}                                   timer row
//	tomb:{service}:{dialogID}                      reclaimed-dialog tombstone
//
// Queue rows sort per conversation with the local band (0) ahead of the
// sequenced band (1), then by sequence number. The 19-digit timestamp pad
// covers UnixNano; the 20-digit pad covers a full uint64.
const (
	bandLocal = 0
	bandPeer  = 1
)

func convKey(handle uuid.UUID) []byte {
	return []byte(fmt.Sprintf("conv:%s", handle))
}

func dialogKey(service string, dialogID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("dlg:%s:%s", service, dialogID))
}

func groupKey(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("grp:%s", id))
}

// rowOrd is the final key segment of a queue row: the peer-assigned sequence
// number for transported rows, the monotonic row id for local control rows.
func rowOrd(m domain.QueuedMessage) uint64 {
	if m.Local {
		return m.ID
	}
	return m.Seq
}

func rowBand(m domain.QueuedMessage) int {
	if m.Local {
		return bandLocal
	}
	return bandPeer
}

func rowKey(m domain.QueuedMessage) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:%s:%d:%020d", m.Queue, m.GroupID, m.Handle, rowBand(m), rowOrd(m)))
}

// RowKeyOf exposes a row's store key for the claim registry.
func RowKeyOf(m domain.QueuedMessage) string {
	return string(rowKey(m))
}

// peerRowKey builds the key an inbound sequenced row would occupy, for
// existence checks before the row struct is assembled.
func peerRowKey(queue string, groupID, handle uuid.UUID, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:%s:%d:%020d", queue, groupID, handle, bandPeer, seq))
}

func groupRowPrefix(queue string, groupID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:", queue, groupID))
}

func convRowPrefix(queue string, groupID, handle uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:%s:", queue, groupID, handle))
}

func pendingKey(m domain.QueuedMessage) []byte {
	return []byte(fmt.Sprintf("pnd:%s:%019d:%020d", m.Queue, m.EnqueuedAt.UnixNano(), m.ID))
}

func pendingPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("pnd:%s:", queue))
}

func outboxKey(id uint64) []byte {
	return []byte(fmt.Sprintf("out:%020d", id))
}

func timerKey(handle uuid.UUID) []byte {
	return []byte(fmt.Sprintf("tmr:%s", handle))
}

func tombstoneKey(service string, dialogID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("tomb:%s:%s", service, dialogID))
}

var (
	prefixConv   = []byte("conv:")
	prefixGroup  = []byte("grp:")
	prefixMsg    = []byte("msg:")
	prefixOutbox = []byte("out:")
	prefixTimer  = []byte("tmr:")
)
