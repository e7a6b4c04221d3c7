package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// crashingWorker panics on every run; only the supervisor keeps it alive.
type crashingWorker struct{ runs atomic.Int32 }

func (w *crashingWorker) Run(context.Context) error {
	w.runs.Add(1)
	panic("boom")
}

// oneShotWorker succeeds on the first run and must never run again.
type oneShotWorker struct{ runs atomic.Int32 }

func (w *oneShotWorker) Run(context.Context) error {
	w.runs.Add(1)
	return nil
}

// blockingWorker parks until its context ends.
type blockingWorker struct{ started chan struct{} }

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisor_RestartsCrashedWorker(t *testing.T) {
	req := require.New(t)
	w := &crashingWorker{}
	sup := NewSupervisor(discardLog(), WithRestartDelay(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sup.Add(w).Run(ctx)

	req.GreaterOrEqual(w.runs.Load(), int32(2), "a panicking worker must be restarted")
}

func TestSupervisor_RetiresWorkerOnCleanReturn(t *testing.T) {
	req := require.New(t)
	w := &oneShotWorker{}
	sup := NewSupervisor(discardLog())

	done := make(chan struct{})
	go func() {
		sup.Add(w).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("supervisor should return once its only worker finished")
	}
	req.Equal(int32(1), w.runs.Load())
}

func TestSupervisor_StopDrainsWorkers(t *testing.T) {
	w := &blockingWorker{started: make(chan struct{})}
	sup := NewSupervisor(discardLog())

	done := make(chan struct{})
	go func() {
		sup.Add(w).Run(context.Background())
		close(done)
	}()

	<-w.started
	sup.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not drain the workers")
	}
}
