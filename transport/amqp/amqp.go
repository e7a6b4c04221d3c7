// Package amqp carries frames between broker processes over RabbitMQ.
// Frames travel as persistent JSON on one durable direct exchange, routed by
// target service name; each broker consumes a queue per local service. The
// adapter stays thin: it reports transient failures as
// domain.ErrTransportUnavailable and leaves retry pacing to the outbox
// dispatcher.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"dialog-broker/contract"
	"dialog-broker/domain"
	"dialog-broker/transport"
)

const (
	// DefaultExchange is the direct exchange frames are published on.
	DefaultExchange = "broker.frames"

	// queuePrefix namespaces per-service frame queues.
	queuePrefix = "frames."

	// consumerPrefetch bounds unacked deliveries per consumer channel.
	consumerPrefetch = 64
)

// Transport publishes outbound frames and hands out consumer subscriptions
// over one shared connection. It dials lazily and re-establishes dead
// channels on the next call, so a broker outage surfaces as retryable
// delivery errors rather than a wedged adapter.
type Transport struct {
	log      *slog.Logger
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewTransport(log *slog.Logger, url, exchange string) *Transport {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Transport{log: log, url: url, exchange: exchange}
}

// Connect dials eagerly so startup fails fast on a bad URL. Optional:
// DeliverOutbound and consumers connect on demand.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.channel(ctx)
	return err
}

// channel returns a live publish channel, redialing whatever died since the
// last call. Callers hold t.mu. The URL carries credentials and never
// appears in errors or logs.
func (t *Transport) channel(ctx context.Context) (*amqp091.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.ch != nil && !t.ch.IsClosed() {
		return t.ch, nil
	}
	if t.conn == nil || t.conn.IsClosed() {
		conn, err := amqp091.Dial(t.url)
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %v: %w", err, domain.ErrTransportUnavailable)
		}
		t.conn = conn
		t.log.Info("Connected to RabbitMQ", "exchange", t.exchange)
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %v: %w", err, domain.ErrTransportUnavailable)
	}
	if err := ch.ExchangeDeclare(t.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %v: %w", t.exchange, err, domain.ErrTransportUnavailable)
	}
	t.ch = ch
	return ch, nil
}

// DeliverOutbound publishes f to the target service's queue. Publishes are
// serialized: amqp channels do not tolerate concurrent writers.
func (t *Transport) DeliverOutbound(ctx context.Context, f domain.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.channel(ctx)
	if err != nil {
		return err
	}
	pub := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         string(f.Kind),
		MessageId:    f.DialogID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, t.exchange, f.Target, false, false, pub); err != nil {
		_ = ch.Close()
		t.ch = nil
		return fmt.Errorf("publish frame to %s: %v: %w", f.Target, err, domain.ErrTransportUnavailable)
	}
	return nil
}

// subscribe opens a dedicated channel consuming the service's frame queue.
// The caller owns the returned channel and closes it when done.
func (t *Transport) subscribe(ctx context.Context, service string) (*amqp091.Channel, <-chan amqp091.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.channel(ctx); err != nil {
		return nil, nil, err
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consume channel: %v: %w", err, domain.ErrTransportUnavailable)
	}

	queue := queuePrefix + service
	fail := func(op string, err error) (*amqp091.Channel, <-chan amqp091.Delivery, error) {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%s %s: %v: %w", op, queue, err, domain.ErrTransportUnavailable)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(queue, service, t.exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return fail("set qos on", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}
	return ch, deliveries, nil
}

// Close shuts the shared connection; consumer channels die with it.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closeErr error
	if t.ch != nil && !t.ch.IsClosed() {
		if err := t.ch.Close(); err != nil {
			closeErr = fmt.Errorf("close channel: %w", err)
		}
	}
	t.ch = nil
	if t.conn != nil && !t.conn.IsClosed() {
		if err := t.conn.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close connection: %w", err))
		}
	}
	t.conn = nil
	return closeErr
}

var _ transport.Outbound = (*Transport)(nil)
var _ contract.Worker = (*Consumer)(nil)

// Consumer feeds frames addressed to one local service into the engine. Run
// it under the supervisor: losing the channel surfaces as an error and the
// restart re-subscribes.
type Consumer struct {
	log     *slog.Logger
	t       *Transport
	service string
	handler transport.InboundHandler
}

func NewConsumer(log *slog.Logger, t *Transport, service string, h transport.InboundHandler) *Consumer {
	return &Consumer{log: log, t: t, service: service, handler: h}
}

func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info(fmt.Sprintf("Starting AMQP consumer worker for %s", c.service))

	ch, deliveries, err := c.t.subscribe(ctx, c.service)
	if err != nil {
		return err
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries for %s closed: %w", c.service, domain.ErrTransportUnavailable)
			}
			c.handle(ctx, d)
		}
	}
}

// handle acks everything the engine has definitively settled, including
// corrupt frames, and requeues only transient ingest failures.
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	var f domain.Frame
	if err := json.Unmarshal(d.Body, &f); err != nil {
		c.log.Warn("Dropping undecodable delivery", "service", c.service, "err", err)
		_ = d.Ack(false)
		return
	}

	err := c.handler.OnInboundFrame(ctx, f)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrCorruptFrame):
		c.log.Warn("Dropping corrupt frame", "dialog", f.DialogID, "err", err)
		_ = d.Ack(false)
	default:
		c.log.Error("Frame ingest failed, requeueing", "dialog", f.DialogID, "err", err)
		_ = d.Nack(false, true)
	}
}
