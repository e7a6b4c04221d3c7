package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"dialog-broker/domain"
	"dialog-broker/storage"
)

// inboundEffect collects what one applied frame changed, so notification and
// scheduler sync happen after the store transaction commits.
type inboundEffect struct {
	notify bool
	drop   string
	disarm []uuid.UUID
}

// OnInboundFrame applies one frame delivered by a transport adapter. The
// call is idempotent: duplicates and stale retransmits are dropped silently,
// so at-least-once delivery upstream is safe. A returned error wrapping
// ErrCorruptFrame means the frame itself is bad and must be acked and
// dropped; any other error is transient and the adapter should redeliver.
//
// No group lock is taken. Inbound mutations ride the store's single-writer
// transaction, and nothing here moves state the ambient operations read
// without re-checking at commit.
func (b *Broker) OnInboundFrame(ctx context.Context, f domain.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkFrame(f); err != nil {
		return err
	}
	svc, ok := b.reg.Service(f.Target)
	if !ok {
		return fmt.Errorf("inbound %s for unknown service %s: %w", f.Kind, f.Target, domain.ErrCorruptFrame)
	}

	var eff inboundEffect
	err := b.store.Apply(func(txn *badger.Txn) error {
		eff = inboundEffect{}
		dead, err := storage.Tombstoned(txn, f.Target, f.DialogID)
		if err != nil {
			return err
		}
		if dead {
			eff.drop = "dialog tombstoned"
			return nil
		}
		handle, found, err := storage.HandleByDialog(txn, f.Target, f.DialogID)
		if err != nil {
			return err
		}
		if !found {
			if f.OriginRole != domain.INITIATOR {
				// A reply for an endpoint we no longer have. The dialog was
				// reclaimed past its tombstone, or never existed; either way
				// there is nobody to deliver to.
				eff.drop = "no endpoint for target-origin frame"
				return nil
			}
			return b.adoptDialog(txn, svc, f, &eff)
		}
		return b.applyToEndpoint(txn, svc.Queue, handle, f, &eff)
	})
	if err != nil {
		return err
	}
	for _, h := range eff.disarm {
		b.sched.Disarm(h)
	}
	if eff.drop != "" {
		b.log.Debug("inbound frame dropped",
			"kind", f.Kind, "dialog", f.DialogID, "origin", f.Origin, "reason", eff.drop)
	}
	if eff.notify {
		b.store.Notify(svc.Queue)
	}
	return nil
}

// checkFrame rejects frames that are malformed independent of any endpoint
// state. Everything it returns wraps ErrCorruptFrame.
func (b *Broker) checkFrame(f domain.Frame) error {
	if f.DialogID == uuid.Nil {
		return fmt.Errorf("inbound frame without dialog id: %w", domain.ErrCorruptFrame)
	}
	if f.Origin == "" || f.Target == "" {
		return fmt.Errorf("inbound frame without origin or target: %w", domain.ErrCorruptFrame)
	}
	switch f.Kind {
	case domain.FrameData, domain.FrameEnd, domain.FrameError:
	default:
		return fmt.Errorf("inbound frame kind %q: %w", f.Kind, domain.ErrCorruptFrame)
	}
	switch f.OriginRole {
	case domain.INITIATOR, domain.TARGET:
	default:
		return fmt.Errorf("inbound frame origin role %q: %w", f.OriginRole, domain.ErrCorruptFrame)
	}
	if len(f.Body) > b.opts.MaxBodyBytes {
		return fmt.Errorf("inbound body of %d bytes exceeds cap: %w", len(f.Body), domain.ErrCorruptFrame)
	}
	if f.Kind != domain.FrameData {
		return nil
	}
	if domain.Reserved(f.MessageType) {
		return fmt.Errorf("reserved message type %s on a data frame: %w", f.MessageType, domain.ErrCorruptFrame)
	}
	mt, ok := b.reg.MessageType(f.MessageType)
	if !ok {
		return fmt.Errorf("inbound message type %s not registered: %w", f.MessageType, domain.ErrCorruptFrame)
	}
	ct, ok := b.reg.Contract(f.Contract)
	if !ok {
		return fmt.Errorf("inbound contract %s not registered: %w", f.Contract, domain.ErrCorruptFrame)
	}
	if !ct.Permits(f.OriginRole, f.MessageType) {
		return fmt.Errorf("message type %s not permitted for %s on contract %s: %w",
			f.MessageType, f.OriginRole, f.Contract, domain.ErrCorruptFrame)
	}
	if err := b.validateBody(mt, f.Body); err != nil {
		if errors.Is(err, domain.ErrCorruptFrame) {
			return err
		}
		return fmt.Errorf("inbound body rejected: %v: %w", err, domain.ErrCorruptFrame)
	}
	return nil
}

// adoptDialog creates the target-side endpoint on first contact from an
// initiator. Any frame kind may arrive first: retransmits are not ordered
// across kinds, so an END overtaking the data before it must still leave an
// endpoint behind to sequence against, or the dialog would strand with its
// termination already acked away.
func (b *Broker) adoptDialog(txn *badger.Txn, svc domain.Service, f domain.Frame, eff *inboundEffect) error {
	if !b.reg.ServiceUses(f.Target, f.Contract) {
		return fmt.Errorf("service %s does not serve contract %s: %w", f.Target, f.Contract, domain.ErrCorruptFrame)
	}
	now := time.Now().UTC()
	c := domain.Conversation{
		Handle:        uuid.New(),
		DialogID:      f.DialogID,
		LocalService:  f.Target,
		RemoteService: f.Origin,
		Contract:      f.Contract,
		Role:          domain.TARGET,
		GroupID:       uuid.New(),
		State:         domain.OPEN,
		CreatedAt:     now,
	}
	switch f.Kind {
	case domain.FrameEnd:
		c.PeerClosed = true
	case domain.FrameError:
		c.PeerClosed = true
		c.PeerErrored = true
	}
	g := domain.ConversationGroup{
		ID:        c.GroupID,
		Service:   c.LocalService,
		Queue:     svc.Queue,
		Members:   []uuid.UUID{c.Handle},
		CreatedAt: now,
	}
	if err := storage.PutConversation(txn, c); err != nil {
		return err
	}
	if err := storage.PutGroup(txn, g); err != nil {
		return err
	}
	if err := storage.PutDialogIndex(txn, c.LocalService, c.DialogID, c.Handle); err != nil {
		return err
	}
	row, err := b.rowForFrame(c, svc.Queue, f, now)
	if err != nil {
		return err
	}
	if err := storage.PutRow(txn, row); err != nil {
		return err
	}
	eff.notify = true
	return nil
}

func (b *Broker) applyToEndpoint(txn *badger.Txn, queue string, handle uuid.UUID, f domain.Frame, eff *inboundEffect) error {
	c, found, err := storage.GetConversation(txn, handle)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dialog index %s/%s points at missing endpoint %s", f.Target, f.DialogID, handle)
	}
	if f.Contract != c.Contract || f.Origin != c.RemoteService || f.OriginRole != c.Role.Opposite() {
		return fmt.Errorf("frame identity does not match endpoint %s: %w", handle, domain.ErrCorruptFrame)
	}
	now := time.Now().UTC()

	switch f.Kind {
	case domain.FrameData:
		// A locally closed endpoint receives nothing further, and a peer
		// error voids pending data. Normal peer close does not: retransmits
		// of data sent before the end frame still have to fill their slots.
		if c.LocalClosed() || c.PeerErrored {
			eff.drop = "data after close"
			return nil
		}
		if f.Seq < c.RecvSeq {
			eff.drop = "stale sequence"
			return nil
		}
		exists, err := storage.RowExists(txn, queue, c.GroupID, c.Handle, f.Seq)
		if err != nil {
			return err
		}
		if exists {
			eff.drop = "duplicate frame"
			return nil
		}
		row, err := b.rowForFrame(c, queue, f, now)
		if err != nil {
			return err
		}
		if err := storage.PutRow(txn, row); err != nil {
			return err
		}
		eff.notify = true
		return nil

	case domain.FrameEnd:
		if c.PeerClosed {
			eff.drop = "duplicate end frame"
			return nil
		}
		c.ApplyPeerClose(false)
		if c.Reclaimable() {
			return b.reclaimInbound(txn, c, queue, eff)
		}
		// Still open locally: the end rides the sequenced band so the
		// consumer sees every data message before it.
		row, err := b.rowForFrame(c, queue, f, now)
		if err != nil {
			return err
		}
		if err := storage.PutRow(txn, row); err != nil {
			return err
		}
		if err := storage.PutConversation(txn, c); err != nil {
			return err
		}
		eff.notify = true
		return nil

	case domain.FrameError:
		if c.PeerClosed {
			eff.drop = "termination already recorded"
			return nil
		}
		c.ApplyPeerClose(true)
		if c.Reclaimable() {
			return b.reclaimInbound(txn, c, queue, eff)
		}
		// Pending data is void once the peer errored; the synthetic error
		// jumps whatever gap the sequence had.
		if err := storage.DeleteConversationRows(txn, queue, c.GroupID, c.Handle); err != nil {
			return err
		}
		row, err := b.rowForFrame(c, queue, f, now)
		if err != nil {
			return err
		}
		if err := storage.PutRow(txn, row); err != nil {
			return err
		}
		if err := storage.PutConversation(txn, c); err != nil {
			return err
		}
		eff.notify = true
		return nil
	}
	return nil
}

// reclaimInbound erases an endpoint whose peer acknowledgment just arrived.
func (b *Broker) reclaimInbound(txn *badger.Txn, c domain.Conversation, queue string, eff *inboundEffect) error {
	if err := b.reclaim(txn, c, queue); err != nil {
		return err
	}
	if err := removeFromGroup(txn, c.GroupID, c.Handle); err != nil {
		return err
	}
	eff.disarm = append(eff.disarm, c.Handle)
	return nil
}

// rowForFrame shapes the queue row a frame becomes. Data and end frames keep
// their wire sequence; an error becomes a local control row that bypasses
// sequence gating. Every row gets a store-unique id so pending-index keys
// never collide.
func (b *Broker) rowForFrame(c domain.Conversation, queue string, f domain.Frame, now time.Time) (domain.QueuedMessage, error) {
	id, err := b.store.NextMessageID()
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	m := domain.QueuedMessage{
		ID:         id,
		Handle:     c.Handle,
		DialogID:   c.DialogID,
		GroupID:    c.GroupID,
		Service:    c.LocalService,
		Queue:      queue,
		EnqueuedAt: now,
	}
	switch f.Kind {
	case domain.FrameData:
		m.MessageType = f.MessageType
		m.Seq = f.Seq
		m.Body = f.Body
	case domain.FrameEnd:
		m.MessageType = domain.TypeEndDialog
		m.Seq = f.Seq
	case domain.FrameError:
		body, err := json.Marshal(domain.ErrorBody{Code: f.ErrorCode, Description: f.ErrorText})
		if err != nil {
			return domain.QueuedMessage{}, err
		}
		m.MessageType = domain.TypeError
		m.Local = true
		m.Body = body
	}
	return m, nil
}
