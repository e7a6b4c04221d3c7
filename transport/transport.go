//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks

// Package transport is the seam between broker instances. The engine never
// talks to the wire: committed frames sit in the outbox until the dispatcher
// hands them to an Outbound adapter, and the adapter's consumer side feeds
// received frames back through an InboundHandler. Adapters provide
// at-least-once delivery; the engine deduplicates.
package transport

import (
	"context"

	"dialog-broker/domain"
)

// Outbound delivers one frame to the broker hosting the target service.
// A nil return means the frame is accepted for delivery and must not be
// retried. Errors wrapping domain.ErrTransportUnavailable are transient and
// the dispatcher retries them.
type Outbound interface {
	DeliverOutbound(ctx context.Context, f domain.Frame) error
}

// InboundHandler ingests frames arriving from remote brokers.
// *engine.Broker implements it.
type InboundHandler interface {
	OnInboundFrame(ctx context.Context, f domain.Frame) error
}
