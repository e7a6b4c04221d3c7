package workers

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"dialog-broker/storage"
	"dialog-broker/transport"
)

const (
	dispatchTick  = 500 * time.Millisecond
	dispatchBatch = 256

	retryBase = 250 * time.Millisecond
	retryCap  = 30 * time.Second

	// maxDeliveryAttempts parks a frame FAILED instead of retrying forever.
	// Parked frames stay inspectable and never block the rest of the outbox.
	maxDeliveryAttempts = 12
)

// DispatcherWorker drains the transactional outbox: every committed frame
// reaches the transport at least once, in commit order. A commit nudges the
// worker so frames leave promptly; the ticker covers missed nudges and due
// retries.
type DispatcherWorker struct {
	log   *slog.Logger
	store *storage.Store
	out   transport.Outbound
	nudge <-chan struct{}
}

func NewDispatcherWorker(
	log *slog.Logger,
	store *storage.Store,
	out transport.Outbound,
	nudge <-chan struct{},
) *DispatcherWorker {
	return &DispatcherWorker{log: log, store: store, out: out, nudge: nudge}
}

func (w *DispatcherWorker) Run(ctx context.Context) error {
	w.log.Info("Starting outbox dispatcher worker")
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("Outbox drain failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.nudge:
		case <-ticker.C:
		}
	}
}

// drain delivers every due frame once. Store errors abort the pass; a
// delivery failure only reschedules its own frame.
func (w *DispatcherWorker) drain(ctx context.Context) error {
	for {
		due, err := w.store.PendingOutbox(time.Now().UTC(), dispatchBatch)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		for _, rec := range due {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.deliver(ctx, rec); err != nil {
				return err
			}
		}
		if len(due) < dispatchBatch {
			return nil
		}
	}
}

func (w *DispatcherWorker) deliver(ctx context.Context, rec storage.OutboxRecord) error {
	err := w.out.DeliverOutbound(ctx, rec.Frame)
	if err == nil {
		return w.store.MarkOutboxPublished(rec.ID)
	}

	if rec.Attempts+1 >= maxDeliveryAttempts {
		w.log.Error("Parking undeliverable frame",
			"outbox_id", rec.ID, "target", rec.Frame.Target, "attempts", rec.Attempts+1, "err", err)
		return w.store.MarkOutboxFailed(rec.ID, err.Error())
	}

	delay := retryDelay(rec.Attempts)
	w.log.Warn("Frame delivery failed, retrying",
		"outbox_id", rec.ID, "target", rec.Frame.Target, "retry_in", delay, "err", err)
	return w.store.MarkOutboxRetry(rec.ID, time.Now().UTC().Add(delay), err.Error())
}

// retryDelay backs off exponentially with equal jitter: half the window is
// guaranteed, the other half randomized to spread synchronized failures.
func retryDelay(attempt int) time.Duration {
	window := retryBase << uint(attempt)
	if window <= 0 || window > retryCap {
		window = retryCap
	}
	half := window / 2
	return half + rand.N(half)
}
