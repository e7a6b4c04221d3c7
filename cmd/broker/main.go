package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"dialog-broker/engine"
	"dialog-broker/internal"
	"dialog-broker/locks"
	"dialog-broker/registry"
	"dialog-broker/runtime/workers"
	"dialog-broker/storage"
	"dialog-broker/transport"
	amqptransport "dialog-broker/transport/amqp"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Broker terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the broker lifecycle, and centralizes error reporting.
// This pattern is preferred over calling os.Exit or panic directly because:
// 1. It ensures all 'defer' statements (like database cleanup) are executed before the program exits.
// 2. It improves testability by decoupling the initialization logic from the main entry point.
// 3. It provides a structured way to handle graceful shutdowns for the background workers.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := internal.NewLogger(config.LogLevel)

	ctx := context.Background()

	// 2. Registry (immutable service definitions)
	reg, err := registry.Load(config.RegistryFile)
	if err != nil {
		return exitConfig, fmt.Errorf("registry load failed: %w", err)
	}

	local, err := internal.SplitServices(config.LocalServices)
	if err != nil {
		return exitConfig, err
	}
	if len(local) == 0 {
		for _, svc := range reg.Services() {
			local = append(local, svc.Name)
		}
	}
	for _, name := range local {
		if _, ok := reg.Service(name); !ok {
			return exitConfig, fmt.Errorf("local service %q is not declared in %s", name, config.RegistryFile)
		}
	}

	// 3. Database (BadgerDB)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		// Defer ensures the database lock is released and buffers are flushed before the function returns.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	store, err := storage.NewStore(db, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("store init failed: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	// 4. Engine
	broker := engine.NewBroker(logger, store, locks.NewManager(), reg, engine.Options{
		MaxBodyBytes:    config.MaxBodyBytes,
		DefaultLifetime: config.DefaultLifetime,
		ErrorRetention:  config.ErrorRetention,
		LockWait:        config.LockWait,
		TombstoneTTL:    config.TombstoneTTL,
	})

	if logger.Enabled(ctx, slog.LevelDebug) {
		endpoint := "/inspect"
		logger.Info("Debug badger inspector available",
			"url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, endpoint))
		internal.StartDebugServer(db, config.DebugPort, endpoint, BrokerMapper, statsProvider(store))
	}

	// 5. Transport & Workers
	sup := workers.NewSupervisor(logger, workers.WithRestartDelay(config.WorkerRestartDelay))
	sup.Add(broker.Timers())
	sup.Add(workers.NewStatsWorker(logger, store, config.StatsInterval))

	var out transport.Outbound
	if config.AmqpURL != "" {
		tr := amqptransport.NewTransport(logger, config.AmqpURL, config.AmqpExchange)
		defer func() {
			_ = tr.Close()
		}()
		for _, svc := range local {
			sup.Add(amqptransport.NewConsumer(logger, tr, svc, broker))
		}
		out = tr
	} else {
		// Single-process mode: every service loops back into this engine.
		logger.Info("No AMQP_URL configured, using the in-process loopback transport")
		loop := transport.NewInproc()
		for _, svc := range local {
			loop.Register(svc, broker)
		}
		out = loop
	}
	sup.Add(workers.NewDispatcherWorker(logger, store, out, broker.OutboxNudge()))

	// 6. Context & Signals
	// NotifyContext captures OS signals and cancels the context to trigger a shutdown.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 7. Run everything under supervision until a signal arrives.
	logger.Info("Starting dialog broker", "services", strings.Join(local, ","))
	sup.Run(ctx)

	logger.Info("Program stopped cleanly")
	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}

func statsProvider(store *storage.Store) internal.StatsProvider {
	return func() map[string]any {
		stats, err := store.Stats()
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		queued := 0
		for _, depth := range stats.QueueDepths {
			queued += depth
		}
		return map[string]any{
			"conversations":  stats.Conversations,
			"groups":         stats.Groups,
			"queued":         queued,
			"claimed":        stats.ClaimedRows,
			"outbox pending": stats.OutboxPending,
			"outbox failed":  stats.OutboxFailed,
			"timers":         stats.Timers,
		}
	}
}
