package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dialog-broker/contract"
	"dialog-broker/errors"
)

const defaultRestartDelay = 200 * time.Millisecond

// Supervisor runs the broker's long-lived workers: the timer scheduler, the
// outbox dispatcher, the transport consumers, the stats heartbeat. Each
// worker gets its own goroutine; panics are recovered and count as crashes,
// crashed workers restart after a delay, and a clean return retires the
// worker for good. One misbehaving worker never takes the others down.
type Supervisor struct {
	Cancel       context.CancelFunc
	wg           sync.WaitGroup
	log          *slog.Logger
	restartDelay time.Duration
	workers      []contract.Worker
}

type SupervisorOption func(*Supervisor)

// WithRestartDelay replaces the default pause between a worker crash and its
// restart. Non-positive values are ignored.
func WithRestartDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.restartDelay = d
		}
	}
}

func NewSupervisor(log *slog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{log: log, restartDelay: defaultRestartDelay}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.workers = append(s.workers, worker...)
	return s
}

// Run starts every added worker and blocks until all of them have retired.
// The supervised context derives from ctx, so canceling the parent stops the
// workers; Stop cancels only the children.
func (s *Supervisor) Run(ctx context.Context) {
	supervised, cancel := context.WithCancel(ctx)
	s.Cancel = cancel
	defer cancel()

	for _, w := range s.workers {
		s.Start(supervised, w)
	}
	s.wg.Wait()
}

// Start supervises one worker in its own goroutine. A crash (error or
// recovered panic) restarts the worker after the restart delay; a nil return
// retires it; context cancellation wins over both.
func (s *Supervisor) Start(ctx context.Context, w contract.Worker) {
	s.wg.Add(1)
	name := contract.GetWorkerName(w)

	go func() {
		defer s.wg.Done()
		for {
			if ctx.Err() != nil {
				s.log.Info("Stopping worker", "name", name)
				return
			}

			err := s.runShielded(ctx, w)
			if err == nil {
				s.log.Info("Worker finished", "name", name)
				return
			}
			if ctx.Err() != nil {
				s.log.Info("Worker stopped", "name", name)
				return
			}

			s.log.Warn("Worker crashed, restarting",
				"name", name, "restart_in", s.restartDelay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
		}
	}()
}

// runShielded turns a worker panic into an error the restart loop can handle.
func (s *Supervisor) runShielded(ctx context.Context, w contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return w.Run(ctx)
}

// Stop cancels the supervised context; Run returns once the workers drain.
func (s *Supervisor) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
}
