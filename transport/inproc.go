package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dialog-broker/domain"
)

// Inproc routes frames between brokers hosted in the same process, keyed by
// the service names each broker registered. It collapses the publish and
// consume halves of a real adapter into one synchronous call, which makes it
// the reference transport for tests and single-process deployments.
//
// Duplicates > 1 hands every frame to the target that many times, simulating
// the redelivery a crashed consumer causes on a real wire. Set it before
// traffic flows.
type Inproc struct {
	mu       sync.RWMutex
	handlers map[string]InboundHandler

	Duplicates int
}

func NewInproc() *Inproc {
	return &Inproc{handlers: make(map[string]InboundHandler)}
}

// Register routes frames targeting service to h. Registering a service twice
// replaces the previous handler.
func (t *Inproc) Register(service string, h InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[service] = h
}

// DeliverOutbound hands f to the handler registered for f.Target. A handler
// rejecting the frame as corrupt counts as delivered: on a real wire the
// consumer acks and drops those, so retrying is pointless. Any other handler
// error is transient and reported for retry.
func (t *Inproc) DeliverOutbound(ctx context.Context, f domain.Frame) error {
	t.mu.RLock()
	h, ok := t.handlers[f.Target]
	n := t.Duplicates
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no broker registered for service %s: %w", f.Target, domain.ErrTransportUnavailable)
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := h.OnInboundFrame(ctx, f); err != nil {
			if errors.Is(err, domain.ErrCorruptFrame) {
				return nil
			}
			return fmt.Errorf("inbound handler for %s: %w", f.Target, err)
		}
	}
	return nil
}
