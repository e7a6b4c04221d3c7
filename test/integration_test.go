package test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"dialog-broker/domain"
	"dialog-broker/engine"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/runtime/workers"
	"dialog-broker/storage"
	"dialog-broker/transport"
)

const brokerRegistry = `
message_types:
  - name: order.Request
    validation: WELL_FORMED
  - name: order.Reply
contracts:
  - name: order.Processing
    entries:
      - message_type: order.Request
        sent_by: INITIATOR
      - message_type: order.Reply
        sent_by: TARGET
services:
  - name: svc.Orders
    queue: q.orders
    contracts: [order.Processing]
  - name: svc.Billing
    queue: q.billing
    contracts: [order.Processing]
`

// newRunningBroker assembles a complete broker on a durable store, hosts both
// services on the in-process transport, and starts the scheduler and the
// dispatcher under a supervisor.
func newRunningBroker(t *testing.T, duplicates int) (*engine.Broker, *storage.Store) {
	t.Helper()
	req := require.New(t)

	// Reduced to 16 Mo for testing (avoid 2 Go of preallocated value log)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewStore(db, log)
	req.NoError(err)

	reg, err := registry.Parse([]byte(brokerRegistry))
	req.NoError(err)

	b := engine.NewBroker(log, store, locks.NewManager(), reg, engine.Options{})

	loop := transport.NewInproc()
	loop.Duplicates = duplicates
	loop.Register("svc.Orders", b)
	loop.Register("svc.Billing", b)

	sup := workers.NewSupervisor(log).
		Add(b.Timers()).
		Add(workers.NewDispatcherWorker(log, store, loop, b.OutboxNudge()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// Clean everything at the end of the test
	t.Cleanup(func() {
		cancel()
		<-done
		_ = store.Close()
		_ = db.Close()
	})
	return b, store
}

func Test_Scenario_RequestReplyClose(t *testing.T) {
	ctx := context.Background()
	req := require.New(t)
	// Duplicates=2 makes the loopback redeliver every frame twice, the way a
	// retrying message broker would. The engine must still deliver exactly once.
	b, store := newRunningBroker(t, 2)

	// 1. Initiator opens the dialog and sends the request
	tx := b.Begin(ctx)
	handle, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", engine.OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx, handle, "order.Request", []byte(`{"order":42}`)))
	req.NoError(tx.Commit())

	// 2. Target consumes the request, replies and closes in one transaction
	tx = b.Begin(ctx)
	batch, err := b.Receive(tx, engine.ReceiveRequest{Queue: "q.billing", Wait: 2 * time.Second})
	req.NoError(err)
	req.Len(batch, 1, "redelivered frames must collapse into one row")
	request := batch[0]
	req.Equal("order.Request", request.MessageType)
	req.JSONEq(`{"order":42}`, string(request.Body))
	req.NoError(b.Send(tx, request.Handle, "order.Reply", []byte(`{"status":"paid"}`)))
	req.NoError(b.Close(tx, request.Handle, domain.CloseNoError, 0, ""))
	req.NoError(tx.Commit())

	// 3. Initiator drains the reply, then the end notice, in order
	var got []domain.QueuedMessage
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		tx = b.Begin(ctx)
		batch, err = b.Receive(tx, engine.ReceiveRequest{Queue: "q.orders", Wait: time.Second})
		req.NoError(err)
		req.NoError(tx.Commit())
		got = append(got, batch...)
	}
	req.Len(got, 2)
	req.Equal("order.Reply", got[0].MessageType)
	req.JSONEq(`{"status":"paid"}`, string(got[0].Body))
	req.Equal(handle, got[0].Handle)
	req.Equal(domain.TypeEndDialog, got[1].MessageType)
	req.Equal(handle, got[1].Handle)

	// 4. Initiator closes back; every record on both sides drains away
	tx = b.Begin(ctx)
	req.NoError(b.Close(tx, handle, domain.CloseNoError, 0, ""))
	req.NoError(tx.Commit())

	req.Eventually(func() bool {
		stats, err := store.Stats()
		return err == nil && stats.Conversations == 0 && stats.Groups == 0 &&
			stats.Timers == 0 && stats.OutboxPending == 0
	}, 5*time.Second, 50*time.Millisecond, "store never drained")
}

func Test_Scenario_LifetimeExpiry(t *testing.T) {
	ctx := context.Background()
	req := require.New(t)
	b, store := newRunningBroker(t, 0)

	// An initiator that never sends: only the lifetime deadline can move it.
	tx := b.Begin(ctx)
	handle, err := b.Open(tx, "svc.Orders", "svc.Billing", "order.Processing",
		engine.OpenOptions{Lifetime: 50 * time.Millisecond})
	req.NoError(err)
	req.NoError(tx.Commit())

	// The scheduler worker fires the deadline and queues the notice.
	tx = b.Begin(ctx)
	batch, err := b.Receive(tx, engine.ReceiveRequest{Queue: "q.orders", Wait: 3 * time.Second})
	req.NoError(err)
	req.NoError(tx.Commit())
	req.Len(batch, 1)
	req.Equal(domain.TypeEndDialog, batch[0].MessageType)
	req.True(batch[0].Local, "expiry notice is broker-synthesized, not transported")
	req.Equal(handle, batch[0].Handle)

	// Closing the expired endpoint reclaims everything on the spot: it never
	// sent, so there is no peer endpoint to notify.
	tx = b.Begin(ctx)
	req.NoError(b.Close(tx, handle, domain.CloseNoError, 0, ""))
	req.NoError(tx.Commit())

	stats, err := store.Stats()
	req.NoError(err)
	req.Zero(stats.Conversations)
	req.Zero(stats.Groups)
	req.Zero(stats.Timers)
	req.Zero(stats.OutboxPending)
}
