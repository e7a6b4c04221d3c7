package domain

import "fmt"

// Error taxonomy of the broker. Operations wrap these with context via %w;
// callers match with errors.Is. Validation failures return synchronously and
// leave the enclosing transaction untouched. None of these is process-fatal.
var (
	// ErrContractViolation rejects a message type not permitted for the
	// caller's role on the conversation's contract.
	ErrContractViolation = fmt.Errorf("message type not permitted by contract")

	// ErrInvalidState rejects an operation illegal for the conversation's
	// current state.
	ErrInvalidState = fmt.Errorf("operation not permitted in current conversation state")

	// ErrUnknownConversation reports a handle with no endpoint record.
	ErrUnknownConversation = fmt.Errorf("unknown conversation handle")

	// ErrGroupAlreadyLocked reports lock contention on a conversation group.
	// Retryable: the owning transaction will release it when it ends.
	ErrGroupAlreadyLocked = fmt.Errorf("conversation group locked by another transaction")

	// ErrTimeout reports a blocking call that exceeded its wait budget.
	ErrTimeout = fmt.Errorf("wait budget exceeded")

	// ErrTransportUnavailable reports that the adapter cannot currently
	// deliver. The dispatcher retries; never conversation-fatal by itself.
	ErrTransportUnavailable = fmt.Errorf("transport unavailable")

	// ErrCorruptFrame reports malformed or unregistered inbound data. Such
	// frames are logged and dropped, never re-queued.
	ErrCorruptFrame = fmt.Errorf("corrupt inbound frame")

	// ErrTxDone rejects use of a transaction after Commit or Rollback.
	ErrTxDone = fmt.Errorf("transaction already finished")

	ErrUnknownService     = fmt.Errorf("unknown service")
	ErrUnknownContract    = fmt.Errorf("unknown contract")
	ErrUnknownMessageType = fmt.Errorf("unknown message type")

	// ErrBodyTooLarge rejects a send whose body exceeds the configured cap.
	ErrBodyTooLarge = fmt.Errorf("message body exceeds size limit")
)
