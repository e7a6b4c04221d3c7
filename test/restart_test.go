package test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dialog-broker/domain"
	"dialog-broker/engine"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/runtime/workers"
	"dialog-broker/storage"
	"dialog-broker/transport"
)

// startBrokerAt assembles a broker over the badger directory dir, so a
// second call with the same dir reopens the same durable state. With
// withWorkers false only the engine runs, which freezes committed outbox
// frames and timer rows in place the way a crash right after commit would.
// The returned stop drains the workers and closes the database; it is safe
// to call once by hand and again through t.Cleanup.
func startBrokerAt(t *testing.T, dir string, withWorkers bool) (*engine.Broker, *storage.Store, func()) {
	t.Helper()
	req := require.New(t)

	// Reduced to 16 Mo for testing (avoid 2 Go of preallocated value log)
	db, err := badger.Open(badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewStore(db, log)
	req.NoError(err)

	reg, err := registry.Parse([]byte(brokerRegistry))
	req.NoError(err)

	b := engine.NewBroker(log, store, locks.NewManager(), reg, engine.Options{})

	done := make(chan struct{})
	var cancel context.CancelFunc = func() {}
	if withWorkers {
		loop := transport.NewInproc()
		loop.Register("svc.Orders", b)
		loop.Register("svc.Billing", b)

		sup := workers.NewSupervisor(log).
			Add(b.Timers()).
			Add(workers.NewDispatcherWorker(log, store, loop, b.OutboxNudge()))

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() {
			sup.Run(ctx)
			close(done)
		}()
	} else {
		close(done)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			req.NoError(store.Close())
			req.NoError(db.Close())
		})
	}
	t.Cleanup(stop)
	return b, store, stop
}

func Test_Scenario_RestartRecoversDurableState(t *testing.T) {
	ctx := context.Background()
	req := require.New(t)
	dir := t.TempDir()

	// Phase one: commit state with no workers running. Everything below
	// must exist only on disk when the process comes back.
	b1, store1, stop1 := startBrokerAt(t, dir, false)

	tx := b1.Begin(ctx)
	hA, err := b1.Open(tx, "svc.Orders", "svc.Billing", "order.Processing", engine.OpenOptions{})
	req.NoError(err)
	req.NoError(b1.Send(tx, hA, "order.Request", []byte(`{"n":1}`)))
	req.NoError(b1.Send(tx, hA, "order.Request", []byte(`{"n":2}`)))
	hB, err := b1.Open(tx, "svc.Orders", "svc.Billing", "order.Processing",
		engine.OpenOptions{Lifetime: 50 * time.Millisecond})
	req.NoError(err)
	req.NoError(tx.Commit())

	// A frame that already crossed the wire leaves a durable queue row on
	// the target side.
	req.NoError(b1.OnInboundFrame(ctx, domain.Frame{
		DialogID:    uuid.New(),
		Origin:      "svc.Orders",
		Target:      "svc.Billing",
		Contract:    "order.Processing",
		Kind:        domain.FrameData,
		OriginRole:  domain.INITIATOR,
		MessageType: "order.Request",
		Body:        []byte(`{"n":0}`),
	}))

	stats, err := store1.Stats()
	req.NoError(err)
	req.Equal(3, stats.Conversations, "two initiators plus the adopted target")
	req.Equal(1, stats.Timers)
	req.Equal(2, stats.OutboxPending)
	req.Equal(1, stats.QueueDepths["q.billing"])

	stop1()

	// Phase two: reopen the same directory with the full worker stack.
	b2, store2, _ := startBrokerAt(t, dir, true)

	// The dispatcher resumes the frozen outbox, so all three requests reach
	// q.billing: the pre-restart row and the two redelivered sends, the
	// latter in their send order.
	received := make(map[uuid.UUID][]domain.QueuedMessage)
	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for total < 3 && time.Now().Before(deadline) {
		tx = b2.Begin(ctx)
		batch, err := b2.Receive(tx, engine.ReceiveRequest{Queue: "q.billing", Wait: time.Second})
		req.NoError(err)
		req.NoError(tx.Commit())
		for _, m := range batch {
			received[m.Handle] = append(received[m.Handle], m)
			total++
		}
	}
	req.Equal(3, total, "queue rows and outbox frames must survive the restart")
	req.Len(received, 2)
	for handle, msgs := range received {
		switch len(msgs) {
		case 1:
			req.JSONEq(`{"n":0}`, string(msgs[0].Body))
		case 2:
			req.JSONEq(`{"n":1}`, string(msgs[0].Body))
			req.JSONEq(`{"n":2}`, string(msgs[1].Body))
		default:
			t.Fatalf("conversation %s received %d messages", handle, len(msgs))
		}
	}

	// The scheduler re-armed hB's lifetime from its durable row and fired
	// the overdue deadline: the notice surfaces on the initiator queue.
	tx = b2.Begin(ctx)
	batch, err := b2.Receive(tx, engine.ReceiveRequest{Queue: "q.orders", Wait: 3 * time.Second})
	req.NoError(err)
	req.NoError(tx.Commit())
	req.Len(batch, 1)
	req.Equal(domain.TypeEndDialog, batch[0].MessageType)
	req.True(batch[0].Local)
	req.Equal(hB, batch[0].Handle)

	// The reopened conversation table still honors the old handles.
	tx = b2.Begin(ctx)
	req.NoError(b2.Close(tx, hB, domain.CloseNoError, 0, ""))
	req.NoError(tx.Commit())

	req.Eventually(func() bool {
		stats, err := store2.Stats()
		return err == nil && stats.OutboxPending == 0 && stats.Timers == 0
	}, 3*time.Second, 50*time.Millisecond, "outbox and timers never drained after restart")
}
