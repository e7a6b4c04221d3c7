package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one row of a service queue, returned by Receive.
//
// Seq is the peer-assigned sequence number for transported messages. Local
// control rows (timer-expiry EndDialog, peer Error) are synthesized by this
// broker, carry Local=true, and are delivered ahead of the sequenced band;
// their Seq is not part of the dialog sequence.
type QueuedMessage struct {
	ID          uint64    `json:"id"`
	Handle      uuid.UUID `json:"handle"`
	DialogID    uuid.UUID `json:"dialog_id"`
	GroupID     uuid.UUID `json:"group_id"`
	Service     string    `json:"service"`
	Queue       string    `json:"queue"`
	MessageType string    `json:"message_type"`
	Seq         uint64    `json:"seq"`
	Local       bool      `json:"local"`
	Body        []byte    `json:"body,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Timer is a durable conversation deadline. At most one is armed per
// conversation; arming replaces, closing disarms.
type Timer struct {
	Handle  uuid.UUID `json:"handle"`
	GroupID uuid.UUID `json:"group_id"`
	Service string    `json:"service"`
	Queue   string    `json:"queue"`
	Kind    TimerKind `json:"kind"`
	FireAt  time.Time `json:"fire_at"`
}

// TimerKind separates app-armed lifetime deadlines from the broker's own
// retention purge of ERRORED endpoints.
type TimerKind string

const (
	TimerLifetime TimerKind = "LIFETIME"
	TimerPurge    TimerKind = "PURGE"
)
