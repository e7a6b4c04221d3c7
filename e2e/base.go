package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"

	"dialog-broker/domain"
	"dialog-broker/engine"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/runtime/workers"
	"dialog-broker/storage"
	amqptransport "dialog-broker/transport/amqp"
)

type BaseBrokerSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseBrokerSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.AmqpURL == "" {
		s.T().Skip("AMQP_URL not set, the broker e2e suite needs a live RabbitMQ")
	}
}

// Banner prints a colorized header for a scenario step in logs
func (s *BaseBrokerSuite) Banner(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// BrokerNode is one complete broker under test: its own store, engine, and
// AMQP consumers. Nodes talk to each other only through RabbitMQ, exactly
// like separate processes would.
type BrokerNode struct {
	Name   string
	Broker *engine.Broker
	Store  *storage.Store
}

// StartNode assembles and starts a broker node hosting the given services.
// Everything is torn down through t.Cleanup when the calling test ends, so
// call it from the test body, not from inside a sub-step.
func (s *BaseBrokerSuite) StartNode(name string, reg *registry.Registry, services ...string) *BrokerNode {
	t := s.T()
	t.Helper()

	lvl := slog.LevelWarn
	if s.Config.DebugFrames {
		lvl = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})).With("node", name)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	s.Require().NoError(err)
	store, err := storage.NewStore(db, log)
	s.Require().NoError(err)

	broker := engine.NewBroker(log, store, locks.NewManager(), reg, engine.Options{})

	tr := amqptransport.NewTransport(log, s.Config.AmqpURL, s.Config.AmqpExchange)
	sup := workers.NewSupervisor(log).
		Add(broker.Timers()).
		Add(workers.NewDispatcherWorker(log, store, tr, broker.OutboxNudge()))
	for _, svc := range services {
		sup.Add(amqptransport.NewConsumer(log, tr, svc, broker))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = tr.Close()
		_ = store.Close()
		_ = db.Close()
	})

	return &BrokerNode{Name: name, Broker: broker, Store: store}
}

// Consume drains one Receive batch in its own committed transaction and
// returns it. An empty batch after wait is a normal outcome, not a failure.
func (s *BaseBrokerSuite) Consume(node *BrokerNode, queue string, wait time.Duration) []domain.QueuedMessage {
	tx := node.Broker.Begin(context.Background())
	msgs, err := node.Broker.Receive(tx, engine.ReceiveRequest{Queue: queue, Wait: wait})
	if err != nil {
		_ = tx.Rollback()
		s.Require().NoError(err)
	}
	s.Require().NoError(tx.Commit())

	// Log full message bodies if E2E_DEBUG_FRAMES is enabled
	if s.Config.DebugFrames {
		for _, m := range msgs {
			raw, _ := json.MarshalIndent(m, "", "  ")
			s.T().Logf("%s consumed:\n%s", node.Name, raw)
		}
	}
	return msgs
}
