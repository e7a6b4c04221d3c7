package domain

// ValidationMode tells the broker how much to look at a message body before
// accepting a send. Validation itself is pluggable; NONE is the default.
type ValidationMode string

const (
	ValidationNone       ValidationMode = "NONE"
	ValidationWellFormed ValidationMode = "WELL_FORMED"
	ValidationSchema     ValidationMode = "SCHEMA"
)

// Reserved message types, always registered and implicitly permitted to both
// roles on every contract. They are delivered through Receive like any other
// message; callers must Close upon observing either.
const (
	TypeEndDialog = "broker.EndDialog"
	TypeError     = "broker.Error"
)

// Reserved reports whether name is one of the broker's own message types.
func Reserved(name string) bool {
	return name == TypeEndDialog || name == TypeError
}

// MessageType names a kind of payload services may exchange.
type MessageType struct {
	Name       string
	Validation ValidationMode
}

// SentBy restricts which conversation role may send a message type.
type SentBy string

const (
	SentByInitiator SentBy = "INITIATOR"
	SentByTarget    SentBy = "TARGET"
	SentByEither    SentBy = "EITHER"
)

// Allows reports whether a sender in role is covered by this restriction.
func (s SentBy) Allows(role Role) bool {
	switch s {
	case SentByEither:
		return true
	case SentByInitiator:
		return role == INITIATOR
	case SentByTarget:
		return role == TARGET
	default:
		return false
	}
}

// ContractEntry permits one message type for one sender role.
type ContractEntry struct {
	MessageType string
	SentBy      SentBy
}

// Contract is the agreed vocabulary of a conversation: which message types
// exist on it and who may send each.
type Contract struct {
	Name    string
	Entries []ContractEntry
}

// Permits reports whether a sender in role may put messageType on a
// conversation under this contract. Reserved broker types are always allowed.
func (c Contract) Permits(role Role, messageType string) bool {
	if Reserved(messageType) {
		return true
	}
	for _, e := range c.Entries {
		if e.MessageType == messageType && e.SentBy.Allows(role) {
			return true
		}
	}
	return false
}

// Service is a named endpoint bound to a queue. Several services may share
// one queue; Receive addresses the queue, frames address the service.
type Service struct {
	Name      string
	Queue     string
	Contracts []string
}
