// Package domain contains the core concepts of the dialog broker.
// This file defines the conversation endpoint record and its state machine.
// A conversation is a bidirectional, ordered, reliable channel between two
// service endpoints; each side keeps its own endpoint record.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a conversation an endpoint is.
type Role string

const (
	INITIATOR Role = "INITIATOR"
	TARGET    Role = "TARGET"
)

// Opposite returns the peer endpoint's role.
func (r Role) Opposite() Role {
	if r == INITIATOR {
		return TARGET
	}
	return INITIATOR
}

// ConversationState is the explicit lifecycle state of a local endpoint.
// Transitions happen only through the methods below, never by flag fiddling,
// so an endpoint can never hold an illegal combination.
type ConversationState string

const (
	OPEN    ConversationState = "OPEN"    // usable for send and receive
	CLOSING ConversationState = "CLOSING" // locally closed, waiting for the peer's end frame
	ERRORED ConversationState = "ERRORED" // locally closed with error, waiting for peer ack or purge
	CLOSED  ConversationState = "CLOSED"  // both sides done, record reclaimable
)

// CloseMode selects the behavior of Close.
type CloseMode int

const (
	// CloseNoError announces a normal end to the peer.
	CloseNoError CloseMode = iota
	// CloseWithError announces an abnormal end carrying a code and description.
	CloseWithError
	// CloseWithCleanup deletes the local record immediately without telling
	// the peer. Unsafe: the remote endpoint may be left orphaned.
	CloseWithCleanup
)

func (m CloseMode) String() string {
	switch m {
	case CloseNoError:
		return "NO_ERROR"
	case CloseWithError:
		return "WITH_ERROR"
	case CloseWithCleanup:
		return "WITH_CLEANUP"
	default:
		return fmt.Sprintf("CloseMode(%d)", int(m))
	}
}

// Conversation is one endpoint's record of a dialog.
//
// Handle is this endpoint's globally unique identifier; DialogID is shared by
// both endpoints and is what frames carry on the wire. SendSeq is the next
// outbound sequence number, RecvSeq the next inbound number the consumer will
// take. PeerClosed/PeerErrored record the peer's termination frame once
// observed; the authoritative lifecycle state stays in State.
type Conversation struct {
	Handle        uuid.UUID         `json:"handle"`
	DialogID      uuid.UUID         `json:"dialog_id"`
	LocalService  string            `json:"local_service"`
	RemoteService string            `json:"remote_service"`
	Contract      string            `json:"contract"`
	Role          Role              `json:"role"`
	GroupID       uuid.UUID         `json:"group_id"`
	State         ConversationState `json:"state"`
	SendSeq       uint64            `json:"send_seq"`
	RecvSeq       uint64            `json:"recv_seq"`
	PeerClosed    bool              `json:"peer_closed"`
	PeerErrored   bool              `json:"peer_errored"`
	CreatedAt     time.Time         `json:"created_at"`
}

// LocalClosed reports whether this side has already issued a close.
func (c Conversation) LocalClosed() bool {
	return c.State != OPEN
}

// Reclaimable reports whether the record can be deleted from the store.
func (c Conversation) Reclaimable() bool {
	return c.State == CLOSED
}

// SendableState returns nil when the state machine permits an outbound send.
// Sends require OPEN; once the peer has closed there is nobody left to
// deliver to, so that is rejected as well. Final replies belong in the same
// transaction as the close, staged before it.
func (c Conversation) SendableState() error {
	if c.State != OPEN {
		return fmt.Errorf("conversation %s is %s: %w", c.Handle, c.State, ErrInvalidState)
	}
	if c.PeerClosed {
		return fmt.Errorf("conversation %s: peer already closed: %w", c.Handle, ErrInvalidState)
	}
	return nil
}

// ApplyLocalClose runs the close transition for mode against the current
// state. WITH_CLEANUP succeeds from any state; the announced modes are only
// legal from OPEN. When the peer has already closed, the announced modes land
// straight in CLOSED since there is nothing left to wait for.
func (c *Conversation) ApplyLocalClose(mode CloseMode) error {
	if mode == CloseWithCleanup {
		c.State = CLOSED
		return nil
	}
	if c.State != OPEN {
		return fmt.Errorf("close %s on %s conversation %s: %w", mode, c.State, c.Handle, ErrInvalidState)
	}
	switch {
	case c.PeerClosed:
		c.State = CLOSED
	case mode == CloseWithError:
		c.State = ERRORED
	default:
		c.State = CLOSING
	}
	return nil
}

// ApplyPeerClose records the peer's END or ERROR frame. In OPEN nothing moves
// yet (the consumer still has to drain the control message and close
// explicitly); a locally closed endpoint advances to CLOSED, this being the
// peer acknowledgment its state was waiting on.
func (c *Conversation) ApplyPeerClose(errored bool) {
	c.PeerClosed = true
	if errored {
		c.PeerErrored = true
	}
	if c.State == CLOSING || c.State == ERRORED {
		c.State = CLOSED
	}
}

// ConversationGroup gathers related conversations of one local service so
// that exactly one transaction at a time processes them. The lock holder is
// runtime-only state owned by the lock manager: a crash ends every
// transaction, so a lock can never outlive the process.
type ConversationGroup struct {
	ID        uuid.UUID   `json:"id"`
	Service   string      `json:"service"`
	Queue     string      `json:"queue"`
	Members   []uuid.UUID `json:"members"`
	CreatedAt time.Time   `json:"created_at"`
}

// Remove drops a member handle, reporting whether the group is now empty.
func (g *ConversationGroup) Remove(handle uuid.UUID) bool {
	kept := g.Members[:0]
	for _, m := range g.Members {
		if m != handle {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	return len(g.Members) == 0
}
