package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dialog-broker/domain"
)

func TestLifetimeFire_EnqueuesNoticeAndKeepsStateOpen(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	tx1 := b.Begin(ctx)
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(ctx)
	req.NoError(b.SetTimer(tx2, h, time.Nanosecond))
	req.NoError(tx2.Commit())

	req.NoError(b.sched.fire(h))

	_, found := loadTimer(t, b, h)
	req.False(found)

	c, found := loadConv(t, b, h)
	req.True(found)
	req.Equal(domain.OPEN, c.State)

	tx3 := b.Begin(ctx)
	batch, err := b.Receive(tx3, ReceiveRequest{Queue: "q.orders"})
	req.NoError(err)
	req.Len(batch, 1)
	req.True(batch[0].Local)
	req.Equal(domain.TypeEndDialog, batch[0].MessageType)
	req.Equal(h, batch[0].Handle)
	req.NoError(tx3.Rollback())

	// Firing again is a no-op: the expiry consumed its timer row.
	req.NoError(b.sched.fire(h))
	req.Equal(1, brokerStats(t, b).QueueDepths["q.orders"])
}

func TestFire_UnknownTimer_NoOp(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	req.NoError(b.sched.fire(uuid.New()))
}

func TestFire_CommittedCloseWinsTheRace(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	tx1 := b.Begin(ctx)
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.SetTimer(tx1, h, time.Nanosecond))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(ctx)
	req.NoError(b.Close(tx2, h, domain.CloseWithCleanup, 0, ""))
	req.NoError(tx2.Commit())

	// The close already settled the timer row; the late fire finds nothing.
	req.NoError(b.sched.fire(h))
	req.Zero(brokerStats(t, b).QueueDepths["q.orders"])
	req.Zero(brokerStats(t, b).Timers)
}

func TestLifetimeFire_SkipsWhenPeerAlreadyClosed(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	tx1 := b.Begin(ctx)
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(b.SetTimer(tx1, h, time.Nanosecond))
	req.NoError(tx1.Commit())

	c, _ := loadConv(t, b, h)
	req.NoError(b.OnInboundFrame(ctx, domain.Frame{
		DialogID:   c.DialogID,
		Origin:     "svc.Billing",
		Target:     "svc.Orders",
		Contract:   "order.Processing",
		Kind:       domain.FrameEnd,
		OriginRole: domain.TARGET,
		Seq:        0,
	}))

	depthBefore := brokerStats(t, b).QueueDepths["q.orders"]
	req.NoError(b.sched.fire(h))

	// No synthetic notice on top of the real end frame.
	req.Equal(depthBefore, brokerStats(t, b).QueueDepths["q.orders"])
	_, found := loadTimer(t, b, h)
	req.False(found)
}

func TestPurgeFire_ReclaimsUnacknowledgedError(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{ErrorRetention: time.Nanosecond})
	ctx := context.Background()

	tx1 := b.Begin(ctx)
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.Send(tx1, h, "order.Request", []byte(`{}`)))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(ctx)
	req.NoError(b.Close(tx2, h, domain.CloseWithError, 50, "gone wrong"))
	req.NoError(tx2.Commit())

	tm, found := loadTimer(t, b, h)
	req.True(found)
	req.Equal(domain.TimerPurge, tm.Kind)

	req.NoError(b.sched.fire(h))

	_, found = loadConv(t, b, h)
	req.False(found)
	stats := brokerStats(t, b)
	req.Zero(stats.Conversations)
	req.Zero(stats.Groups)
	req.Zero(stats.Timers)
}

func TestRecover_RearmsDurableTimers(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	tx1 := b.Begin(ctx)
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.SetTimer(tx1, h, time.Hour))
	req.NoError(tx1.Commit())

	// A fresh scheduler over the same store learns the deadline again.
	fresh := newScheduler(b)
	req.NoError(fresh.recover())
	handle, at, ok := fresh.next()
	req.True(ok)
	req.Equal(h, handle)
	req.WithinDuration(time.Now().Add(time.Hour), at, time.Minute)
}

func TestSchedulerRun_FiresWhenDue(t *testing.T) {
	req := require.New(t)
	b := newTestBroker(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Timers().Run(ctx) }()

	tx1 := b.Begin(context.Background())
	h, err := b.Open(tx1, "svc.Orders", "svc.Billing", "order.Processing", OpenOptions{})
	req.NoError(err)
	req.NoError(b.SetTimer(tx1, h, 30*time.Millisecond))
	req.NoError(tx1.Commit())

	tx2 := b.Begin(context.Background())
	batch, err := b.Receive(tx2, ReceiveRequest{Queue: "q.orders", Wait: 2 * time.Second})
	req.NoError(err)
	req.Len(batch, 1)
	req.Equal(domain.TypeEndDialog, batch[0].MessageType)
	req.True(batch[0].Local)
	req.NoError(tx2.Rollback())

	cancel()
	select {
	case err := <-runErr:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
