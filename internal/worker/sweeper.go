// Package worker holds the background loops: the stuck-run sweeper, the
// periodic sync scheduler, and the database backup coordinator. Each
// runs as a ticker loop that blocks until its context is cancelled.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// StuckCleaner finalizes runs left marked running by a crashed process.
// Implemented by sync.Service.
type StuckCleaner interface {
	CleanupStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StuckRunSweeper periodically fails runs that exceed the stuck
// threshold without reaching a terminal status.
type StuckRunSweeper struct {
	cleaner   StuckCleaner
	interval  time.Duration
	olderThan time.Duration
}

// NewStuckRunSweeper creates a sweeper with the given cadence and
// staleness threshold.
func NewStuckRunSweeper(cleaner StuckCleaner, interval, olderThan time.Duration) *StuckRunSweeper {
	return &StuckRunSweeper{
		cleaner:   cleaner,
		interval:  interval,
		olderThan: olderThan,
	}
}

// Run starts the sweeper loop. It sweeps once immediately: the most
// likely moment to find a stuck run is right after a restart, because
// the previous process is what left it behind. Blocks until ctx is
// cancelled.
func (s *StuckRunSweeper) Run(ctx context.Context) {
	slog.Info("stuck-run sweeper started",
		"component", "worker",
		"worker", "stuck-sweeper",
		"interval", s.interval.String(),
		"older_than", s.olderThan.String(),
	)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck-run sweeper stopped",
				"component", "worker",
				"worker", "stuck-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StuckRunSweeper) sweep(ctx context.Context) {
	count, err := s.cleaner.CleanupStuck(ctx, s.olderThan)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("stuck-run sweep failed",
			"component", "worker",
			"worker", "stuck-sweeper",
			"error", err,
		)
		return
	}
	if count > 0 {
		slog.Warn("stuck runs failed by sweeper",
			"component", "worker",
			"worker", "stuck-sweeper",
			"count", count,
		)
	}
}
