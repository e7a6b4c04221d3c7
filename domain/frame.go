package domain

import (
	"github.com/google/uuid"
)

// FrameKind discriminates the wire units exchanged between brokers.
type FrameKind string

const (
	FrameData  FrameKind = "DATA"  // application message
	FrameEnd   FrameKind = "END"   // normal termination, sequenced like data
	FrameError FrameKind = "ERROR" // abnormal termination, jumps pending data
)

// Frame is the unit handed to the transport adapter. It is JSON on the wire
// and in the outbox. DialogID addresses the conversation at the remote
// endpoint; Seq positions the frame in the sender's outbound sequence (END
// and ERROR consume a sequence number like any send).
type Frame struct {
	DialogID    uuid.UUID `json:"dialog_id"`
	Origin      string    `json:"origin"`
	Target      string    `json:"target"`
	Contract    string    `json:"contract"`
	Kind        FrameKind `json:"kind"`
	OriginRole  Role      `json:"origin_role"`
	MessageType string    `json:"message_type,omitempty"`
	Seq         uint64    `json:"seq"`
	Body        []byte    `json:"body,omitempty"`
	ErrorCode   int       `json:"error_code,omitempty"`
	ErrorText   string    `json:"error_text,omitempty"`
}

// ErrorBody is the payload of a synthetic Error message surfaced through
// Receive when the peer closed with error.
type ErrorBody struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}
