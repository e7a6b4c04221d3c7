package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dialog-broker/domain"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/storage"
)

const testRegistry = `
message_types:
  - name: order.Request
    validation: WELL_FORMED
  - name: order.Reply
  - name: order.Note
contracts:
  - name: order.Processing
    entries:
      - message_type: order.Request
        sent_by: INITIATOR
      - message_type: order.Reply
        sent_by: TARGET
      - message_type: order.Note
        sent_by: EITHER
services:
  - name: svc.Orders
    queue: q.orders
    contracts: [order.Processing]
  - name: svc.Billing
    queue: q.billing
    contracts: [order.Processing]
`

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	store, err := storage.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = db.Close()
	})
	reg, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(log, store, locks.NewManager(), reg, opts)
}

// relay feeds every pending outbox frame into the inbound path and marks it
// published, standing in for the transport between two services hosted on
// the same broker.
func relay(t *testing.T, b *Broker) int {
	t.Helper()
	recs, err := b.store.PendingOutbox(time.Now().UTC(), 1000)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, b.OnInboundFrame(context.Background(), rec.Frame))
		require.NoError(t, b.store.MarkOutboxPublished(rec.ID))
	}
	return len(recs)
}

func pendingFrames(t *testing.T, b *Broker) []domain.Frame {
	t.Helper()
	recs, err := b.store.PendingOutbox(time.Now().UTC(), 1000)
	require.NoError(t, err)
	frames := make([]domain.Frame, 0, len(recs))
	for _, rec := range recs {
		frames = append(frames, rec.Frame)
	}
	return frames
}

func loadConv(t *testing.T, b *Broker, h uuid.UUID) (domain.Conversation, bool) {
	t.Helper()
	var (
		c     domain.Conversation
		found bool
	)
	require.NoError(t, b.store.View(func(txn *badger.Txn) error {
		var err error
		c, found, err = storage.GetConversation(txn, h)
		return err
	}))
	return c, found
}

func loadTimer(t *testing.T, b *Broker, h uuid.UUID) (domain.Timer, bool) {
	t.Helper()
	var (
		tm    domain.Timer
		found bool
	)
	require.NoError(t, b.store.View(func(txn *badger.Txn) error {
		var err error
		tm, found, err = storage.GetTimer(txn, h)
		return err
	}))
	return tm, found
}

func brokerStats(t *testing.T, b *Broker) storage.TableStats {
	t.Helper()
	stats, err := b.store.Stats()
	require.NoError(t, err)
	return stats
}

func TestOpenSendCommit_PersistsEndpointAndFrames(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{"n":1}`)))
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{"n":2}`)))

	// Nothing is visible before commit.
	_, found := loadConv(t, b, h)
	req.False(found)
	req.Empty(pendingFrames(t, b))

	req.NoError(tx.Commit())

	c, found := loadConv(t, b, h)
	req.True(found)
	req.Equal(domain.OPEN, c.State)
	req.Equal(domain.INITIATOR, c.Role)
	req.Equal(uint64(2), c.SendSeq)
	req.Equal("svc.Billing", c.RemoteService)

	frames := pendingFrames(t, b)
	req.Len(frames, 2)
	req.Equal(domain.FrameData, frames[0].Kind)
	req.Equal(uint64(0), frames[0].Seq)
	req.Equal(uint64(1), frames[1].Seq)
	req.Equal("svc.Billing", frames[0].Target)
	req.Equal(c.DialogID, frames[0].DialogID)

	stats := brokerStats(t, b)
	req.Equal(1, stats.Conversations)
	req.Equal(1, stats.Groups)
}

func TestRollback_LeavesNoTrace(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{}`)))
	req.NoError(tx.Rollback())

	stats := brokerStats(t, b)
	req.Zero(stats.Conversations)
	req.Zero(stats.Groups)
	req.Zero(stats.OutboxPending)
	req.Zero(stats.ClaimedRows)

	req.ErrorIs(tx.Commit(), domain.ErrTxDone)
}

func TestOps_AfterCommit_ReturnTxDone(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx.Commit())

	req.ErrorIs(b.Send(tx, h, "order.Request", []byte(`{}`)), domain.ErrTxDone)
	req.ErrorIs(b.Close(tx, h, domain.CloseNoError, 0, ""), domain.ErrTxDone)
	req.ErrorIs(b.SetTimer(tx, h, time.Minute), domain.ErrTxDone)
	_, err = b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.ErrorIs(err, domain.ErrTxDone)
	_, err = b.Receive(tx, ReceiveRequest{Queue: "q.orders"})
	req.ErrorIs(err, domain.ErrTxDone)
	req.ErrorIs(tx.Rollback(), domain.ErrTxDone)
}

func TestOpen_Validation(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	tx := b.Begin(context.Background())
	defer func() { _ = tx.Rollback() }()

	_, err := b.Open(tx, "svc.Nope", "svc.Billing", "order.Processing", OpenOptions{})
	req.ErrorIs(err, domain.ErrUnknownService)

	_, err = b.Open(tx, "svc.Orders", "svc.Billing", "no.Such", OpenOptions{})
	req.ErrorIs(err, domain.ErrUnknownContract)
}

func TestOpen_RelatedGroup_JoinsExisting(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h1, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())

	c1, found := loadConv(t, b, h1)
	req.True(found)

	tx2 := b.Begin(context.Background())
	h2, err := b.Open(tx2, "svc.Orders", "svc.Billing", "order.Processing",
		OpenOptions{RelatedGroup: c1.GroupID})
	req.NoError(err)
	req.NoError(tx2.Commit())

	c2, found := loadConv(t, b, h2)
	req.True(found)
	req.Equal(c1.GroupID, c2.GroupID)

	var g domain.ConversationGroup
	req.NoError(b.store.View(func(txn *badger.Txn) error {
		var err error
		g, _, err = storage.GetGroup(txn, c1.GroupID)
		return err
	}))
	req.ElementsMatch([]uuid.UUID{h1, h2}, g.Members)
}

func TestOpen_RelatedGroup_UnknownOrForeign(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	_, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing",
		OpenOptions{RelatedGroup: uuid.New()})
	req.ErrorIs(err, domain.ErrUnknownConversation)
	req.NoError(tx.Rollback())

	// A group belongs to one service; another service cannot open into it.
	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())
	c, _ := loadConv(t, b, h)

	tx2 := b.Begin(context.Background())
	_, err = b.Open(tx2, "svc.Billing", "svc.Orders", "order.Processing",
		OpenOptions{RelatedGroup: c.GroupID})
	req.ErrorIs(err, domain.ErrInvalidState)
	req.NoError(tx2.Rollback())
}

func TestSend_Validation(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{MaxBodyBytes: 32})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)

	req.ErrorIs(b.Send(tx, uuid.New(), "order.Request", nil), domain.ErrUnknownConversation)
	req.ErrorIs(b.Send(tx, h, "no.Such", []byte(`{}`)), domain.ErrUnknownMessageType)
	req.ErrorIs(b.Send(tx, h, domain.TypeEndDialog, nil), domain.ErrContractViolation)
	// order.Reply is target-only; this endpoint is the initiator.
	req.ErrorIs(b.Send(tx, h, "order.Reply", []byte(`{}`)), domain.ErrContractViolation)
	req.ErrorIs(b.Send(tx, h, "order.Request", make([]byte, 33)), domain.ErrBodyTooLarge)
	// order.Request demands well-formed JSON.
	req.ErrorIs(b.Send(tx, h, "order.Request", []byte(`{"broken`)), domain.ErrCorruptFrame)

	// The rejects left the sequence untouched.
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{}`)))
	req.NoError(tx.Commit())
	frames := pendingFrames(t, b)
	req.Len(frames, 1)
	req.Equal(uint64(0), frames[0].Seq)
}

func TestSend_AfterCommittedClose_Rejected(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.NoError(b.Close(tx2, h, domain.CloseNoError, 0, ""))
	req.NoError(tx2.Commit())

	c, found := loadConv(t, b, h)
	req.True(found)
	req.Equal(domain.CLOSING, c.State)

	tx3 := b.Begin(context.Background())
	req.ErrorIs(b.Send(tx3, h, "order.Request", []byte(`{}`)), domain.ErrInvalidState)
	req.NoError(tx3.Rollback())
}

func TestClose_WithPendingReply_EndIsTerminalFrame(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(tx1.Commit())

	// Close first, final message after: both belong to this transaction,
	// and the end frame still seals the sequence.
	tx2 := b.Begin(context.Background())
	req.NoError(b.Close(tx2, h, domain.CloseNoError, 0, ""))
	req.NoError(b.Send(tx2, h, "order.Note", []byte(`{"bye":true}`)))
	req.NoError(tx2.Commit())

	frames := pendingFrames(t, b)
	req.Len(frames, 3)
	last := frames[len(frames)-1]
	req.Equal(domain.FrameEnd, last.Kind)
	req.Equal(uint64(2), last.Seq)
	req.Equal(domain.FrameData, frames[1].Kind)
	req.Equal(uint64(1), frames[1].Seq)
}

func TestClose_WithError_StagesRetentionPurge(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.ErrorIs(b.Close(tx2, h, domain.CloseWithError, 0, "needs a code"), domain.ErrInvalidState)
	req.NoError(b.Close(tx2, h, domain.CloseWithError, 42, "downstream on fire"))
	// No sends after an error close, same transaction or not.
	req.ErrorIs(b.Send(tx2, h, "order.Note", []byte(`{}`)), domain.ErrInvalidState)
	req.NoError(tx2.Commit())

	c, found := loadConv(t, b, h)
	req.True(found)
	req.Equal(domain.ERRORED, c.State)

	frames := pendingFrames(t, b)
	last := frames[len(frames)-1]
	req.Equal(domain.FrameError, last.Kind)
	req.Equal(42, last.ErrorCode)
	req.Equal("downstream on fire", last.ErrorText)
	req.Equal(uint64(1), last.Seq)

	tm, found := loadTimer(t, b, h)
	req.True(found)
	req.Equal(domain.TimerPurge, tm.Kind)
}

func TestClose_DoubleCloseInTx_Rejected(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Close(tx, h, domain.CloseNoError, 0, ""))
	req.ErrorIs(b.Close(tx, h, domain.CloseNoError, 0, ""), domain.ErrInvalidState)
	req.NoError(tx.Rollback())
}

func TestFireAndForget_PersistsNothingButFramesFlow(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{"fire":1}`)))
	req.NoError(b.Close(tx, h, domain.CloseNoError, 0, ""))
	req.NoError(tx.Commit())

	stats := brokerStats(t, b)
	req.Zero(stats.Conversations)
	req.Zero(stats.Groups)
	req.Zero(stats.Timers)

	frames := pendingFrames(t, b)
	req.Len(frames, 2)
	req.Equal(domain.FrameData, frames[0].Kind)
	req.Equal(domain.FrameEnd, frames[1].Kind)
	req.Equal(uint64(1), frames[1].Seq)
}

func TestCloseCleanup_DiscardsStagedData(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{}`)))
	req.NoError(b.Close(tx, h, domain.CloseWithCleanup, 0, ""))
	req.NoError(tx.Commit())

	req.Empty(pendingFrames(t, b))
	req.Zero(brokerStats(t, b).Conversations)
}

func TestClose_NeverSent_ReclaimsWithoutFrame(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.NoError(b.Close(tx2, h, domain.CloseNoError, 0, ""))
	req.NoError(tx2.Commit())

	// No peer endpoint ever existed, so nothing was announced.
	req.Empty(pendingFrames(t, b))
	_, found := loadConv(t, b, h)
	req.False(found)
	stats := brokerStats(t, b)
	req.Zero(stats.Conversations)
	req.Zero(stats.Groups)
}

func TestCommit_CanceledContext_RollsBack(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	tx := b.Begin(ctx)
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, h, "order.Request", []byte(`{}`)))

	cancel()
	req.ErrorIs(tx.Commit(), context.Canceled)

	req.Zero(brokerStats(t, b).Conversations)
	req.Empty(pendingFrames(t, b))
	req.ErrorIs(tx.Rollback(), domain.ErrTxDone)
}

func TestGroupLock_ContendedMutationTimesOut(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{LockWait: 50 * time.Millisecond})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.NoError(b.Send(tx2, h, "order.Request", []byte(`{}`)))

	tx3 := b.Begin(context.Background())
	err = b.Send(tx3, h, "order.Request", []byte(`{}`))
	req.ErrorIs(err, domain.ErrTimeout)

	// The lock frees with its transaction.
	req.NoError(tx2.Rollback())
	req.NoError(b.Send(tx3, h, "order.Request", []byte(`{}`)))
	req.NoError(tx3.Rollback())
}

func TestGroupLock_WaiterWakesOnRelease(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{LockWait: 2 * time.Second})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.NoError(b.Send(tx2, h, "order.Request", []byte(`{}`)))

	done := make(chan error, 1)
	go func() {
		tx3 := b.Begin(context.Background())
		defer func() { _ = tx3.Rollback() }()
		done <- b.Send(tx3, h, "order.Request", []byte(`{}`))
	}()

	time.Sleep(20 * time.Millisecond)
	req.NoError(tx2.Rollback())

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not woken by the lock release")
	}
}

func TestSetTimer_ArmReplaceDisarm(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	req.NoError(b.SetTimer(tx2, h, time.Hour))
	req.NoError(tx2.Commit())
	tm, found := loadTimer(t, b, h)
	req.True(found)
	req.Equal(domain.TimerLifetime, tm.Kind)
	first := tm.FireAt

	tx3 := b.Begin(context.Background())
	req.NoError(b.SetTimer(tx3, h, 2*time.Hour))
	req.NoError(tx3.Commit())
	tm, found = loadTimer(t, b, h)
	req.True(found)
	req.True(tm.FireAt.After(first))

	tx4 := b.Begin(context.Background())
	req.NoError(b.SetTimer(tx4, h, 0))
	req.NoError(tx4.Commit())
	_, found = loadTimer(t, b, h)
	req.False(found)
}

func TestOpen_DefaultLifetime_ArmsTimer(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{DefaultLifetime: time.Hour})

	tx := b.Begin(context.Background())
	h, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(tx.Commit())

	tm, found := loadTimer(t, b, h)
	req.True(found)
	req.Equal(domain.TimerLifetime, tm.Kind)

	// An explicit negative lifetime opts out of the default.
	tx2 := b.Begin(context.Background())
	h2, err := b.Open(tx2, "svc.Orders", "svc.Billing", "order.Processing",
		OpenOptions{Lifetime: -1})
	req.NoError(err)
	req.NoError(tx2.Commit())
	_, found = loadTimer(t, b, h2)
	req.False(found)
}
