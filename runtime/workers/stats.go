package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"dialog-broker/storage"
)

const defaultStatsInterval = 30 * time.Second

// StatsWorker periodically logs table sizes and process health (RSS, CPU).
// The log stream is the broker's operational surface; there is no metrics
// endpoint.
type StatsWorker struct {
	log      *slog.Logger
	store    *storage.Store
	interval time.Duration
}

func NewStatsWorker(log *slog.Logger, store *storage.Store, interval time.Duration) *StatsWorker {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &StatsWorker{log: log, store: store, interval: interval}
}

func (w *StatsWorker) Run(ctx context.Context) error {
	w.log.Info("Starting broker stats worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := w.store.Stats()
			if err != nil {
				w.log.Error("Failed to collect store stats", "err", err)
				continue
			}
			rss, cpu, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}

			queued := 0
			for _, depth := range stats.QueueDepths {
				queued += depth
			}
			w.log.Info("Broker stats",
				"conversations", stats.Conversations,
				"groups", stats.Groups,
				"queued", queued,
				"claimed", stats.ClaimedRows,
				"outbox_pending", stats.OutboxPending,
				"outbox_failed", stats.OutboxFailed,
				"timers", stats.Timers,
				"rss_bytes", rss,
				"cpu_percent", cpu,
			)
		}
	}
}

// selfStats retrieves memory and CPU usage for the given process.
func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
