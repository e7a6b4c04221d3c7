package engine

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

// OpenOptions tune a single Open.
type OpenOptions struct {
	// RelatedGroup joins an existing group instead of allocating a fresh
	// one, so one consumer processes the related conversations serially.
	RelatedGroup uuid.UUID
	// Lifetime arms a lifetime timer right at open. Zero falls back to the
	// broker default; negative disables even that.
	Lifetime time.Duration
}

// Open creates the initiator endpoint of a new dialog between localService
// and remoteService under contract. The remote name is not resolved here: it
// may live on another broker instance, and delivery concerns belong to the
// transport. Nothing is visible before the Tx commits.
func (b *Broker) Open(tx *Tx, localService, remoteService, contract string, opts OpenOptions) (uuid.UUID, error) {
	if err := tx.live(); err != nil {
		return uuid.Nil, err
	}
	svc, ok := b.reg.Service(localService)
	if !ok {
		return uuid.Nil, fmt.Errorf("open: %s: %w", localService, domain.ErrUnknownService)
	}
	if _, ok := b.reg.Contract(contract); !ok {
		return uuid.Nil, fmt.Errorf("open: %s: %w", contract, domain.ErrUnknownContract)
	}
	if !b.reg.ServiceUses(localService, contract) {
		return uuid.Nil, fmt.Errorf("open: service %s does not use contract %s: %w",
			localService, contract, domain.ErrContractViolation)
	}

	now := time.Now().UTC()
	groupID := opts.RelatedGroup
	if groupID == uuid.Nil {
		g := domain.ConversationGroup{
			ID:        uuid.New(),
			Service:   localService,
			Queue:     svc.Queue,
			CreatedAt: now,
		}
		groupID = g.ID
		tx.groups[groupID] = &txGroup{g: g, created: true}
		// A fresh uuid cannot be contended; take the lock for uniformity.
		b.locks.TryLock(groupID, tx.id)
		tx.noteQueue(svc.Queue)
	} else if err := tx.joinGroup(groupID, localService, svc.Queue); err != nil {
		return uuid.Nil, err
	}

	c := domain.Conversation{
		Handle:        uuid.New(),
		DialogID:      uuid.New(),
		LocalService:  localService,
		RemoteService: remoteService,
		Contract:      contract,
		Role:          domain.INITIATOR,
		GroupID:       groupID,
		State:         domain.OPEN,
		CreatedAt:     now,
	}
	tx.convs[c.Handle] = &txConv{c: c, queue: svc.Queue, created: true}

	lifetime := opts.Lifetime
	if lifetime == 0 {
		lifetime = b.opts.DefaultLifetime
	}
	if lifetime > 0 {
		tx.timers[c.Handle] = timerChange{arm: true, t: domain.Timer{
			Handle:  c.Handle,
			GroupID: groupID,
			Service: localService,
			Queue:   svc.Queue,
			Kind:    domain.TimerLifetime,
			FireAt:  now.Add(lifetime),
		}}
	}
	return c.Handle, nil
}

// joinGroup validates and locks an existing group, staged or stored.
func (tx *Tx) joinGroup(groupID uuid.UUID, localService, queue string) error {
	if tg, ok := tx.groups[groupID]; ok {
		if tg.g.Service != localService {
			return fmt.Errorf("group %s belongs to service %s: %w",
				groupID, tg.g.Service, domain.ErrInvalidState)
		}
		return nil // created in this Tx, lock already ours
	}

	var g domain.ConversationGroup
	var found bool
	err := tx.b.store.View(func(txn *badger.Txn) error {
		var err error
		g, found, err = storage.GetGroup(txn, groupID)
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("conversation group %s: %w", groupID, domain.ErrUnknownConversation)
	}
	if g.Service != localService {
		return fmt.Errorf("group %s belongs to service %s: %w",
			groupID, g.Service, domain.ErrInvalidState)
	}
	if err := tx.lockGroup(groupID, queue); err != nil {
		return err
	}
	tx.groups[groupID] = &txGroup{g: g}
	return nil
}

// Send stages one application message on the conversation. The sequence
// number is taken from the Tx-local SendSeq, so a rollback returns it.
func (b *Broker) Send(tx *Tx, handle uuid.UUID, messageType string, body []byte) error {
	if err := tx.live(); err != nil {
		return err
	}
	if len(body) > b.opts.MaxBodyBytes {
		return fmt.Errorf("send on %s: body of %d bytes: %w", handle, len(body), domain.ErrBodyTooLarge)
	}
	if domain.Reserved(messageType) {
		return fmt.Errorf("send on %s: %s is reserved: %w", handle, messageType, domain.ErrContractViolation)
	}
	mt, ok := b.reg.MessageType(messageType)
	if !ok {
		return fmt.Errorf("send on %s: %s: %w", handle, messageType, domain.ErrUnknownMessageType)
	}

	tc, err := tx.touch(handle)
	if err != nil {
		return err
	}
	ct, ok := b.reg.Contract(tc.c.Contract)
	if !ok {
		return fmt.Errorf("send on %s: %s: %w", handle, tc.c.Contract, domain.ErrUnknownContract)
	}
	if !ct.Permits(tc.c.Role, messageType) {
		return fmt.Errorf("send on %s: %s not permitted for %s under %s: %w",
			handle, messageType, tc.c.Role, tc.c.Contract, domain.ErrContractViolation)
	}
	if err := tc.sendable(); err != nil {
		return err
	}
	if err := b.validateBody(mt, body); err != nil {
		return fmt.Errorf("send on %s: %w", handle, err)
	}

	seq := tc.c.SendSeq
	tc.c.SendSeq++
	tx.frames = append(tx.frames, stagedFrame{handle: handle, f: domain.Frame{
		DialogID:    tc.c.DialogID,
		Origin:      tc.c.LocalService,
		Target:      tc.c.RemoteService,
		Contract:    tc.c.Contract,
		Kind:        domain.FrameData,
		OriginRole:  tc.c.Role,
		MessageType: messageType,
		Seq:         seq,
		Body:        body,
	}})
	return nil
}

// Close ends the local endpoint. The state transition itself runs at commit
// against the freshest peer flags; here the close is validated and staged.
// NO_ERROR sends are still possible within this Tx (close-with-pending-reply).
func (b *Broker) Close(tx *Tx, handle uuid.UUID, mode domain.CloseMode, errorCode int, description string) error {
	if err := tx.live(); err != nil {
		return err
	}
	if mode == domain.CloseWithError && errorCode <= 0 {
		return fmt.Errorf("close %s: error code must be positive: %w", handle, domain.ErrInvalidState)
	}
	tc, err := tx.touch(handle)
	if err != nil {
		return err
	}
	if tc.closed {
		return fmt.Errorf("close %s: already closed in this transaction: %w", handle, domain.ErrInvalidState)
	}
	if mode != domain.CloseWithCleanup && tc.c.State != domain.OPEN {
		return fmt.Errorf("close %s %s on %s endpoint: %w", handle, mode, tc.c.State, domain.ErrInvalidState)
	}
	tc.closed = true
	tc.mode = mode
	tc.errCode = errorCode
	tc.errText = description
	return nil
}

// SetTimer replaces the conversation's armed timer; d <= 0 disarms. The
// deadline is durable from the moment the Tx commits.
func (b *Broker) SetTimer(tx *Tx, handle uuid.UUID, d time.Duration) error {
	if err := tx.live(); err != nil {
		return err
	}
	tc, err := tx.touch(handle)
	if err != nil {
		return err
	}
	if tc.closed || tc.c.State != domain.OPEN {
		return fmt.Errorf("set timer on %s: endpoint not open: %w", handle, domain.ErrInvalidState)
	}
	if d <= 0 {
		tx.timers[handle] = timerChange{arm: false}
		return nil
	}
	tx.timers[handle] = timerChange{arm: true, t: domain.Timer{
		Handle:  handle,
		GroupID: tc.c.GroupID,
		Service: tc.c.LocalService,
		Queue:   tc.queue,
		Kind:    domain.TimerLifetime,
		FireAt:  time.Now().UTC().Add(d),
	}}
	return nil
}
