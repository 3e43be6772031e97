package worker

import (
	"context"
	"log/slog"
	"time"

	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// RunStarter launches sync runs and reports which ones this process
// still owns. Implemented by sync.Service.
type RunStarter interface {
	Start(ctx context.Context, params syncsvc.StartParams) (string, error)
	ActiveRunIDs() []string
}

// SyncScheduler triggers periodic incremental syncs for each record
// kind on its own cadence. A tick is skipped while any run is still
// active: overlapping runs would double the upstream request load for
// no benefit.
type SyncScheduler struct {
	starter          RunStarter
	productsInterval time.Duration
	ordersInterval   time.Duration
}

// NewSyncScheduler creates a scheduler with per-kind cadences. A zero
// interval disables that kind.
func NewSyncScheduler(starter RunStarter, productsInterval, ordersInterval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		starter:          starter,
		productsInterval: productsInterval,
		ordersInterval:   ordersInterval,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *SyncScheduler) Run(ctx context.Context) {
	slog.Info("sync scheduler started",
		"component", "worker",
		"worker", "sync-scheduler",
		"products_interval", s.productsInterval.String(),
		"orders_interval", s.ordersInterval.String(),
	)

	// A nil channel is never ready, which disables that kind's cadence.
	var productsC, ordersC <-chan time.Time
	if s.productsInterval > 0 {
		ticker := time.NewTicker(s.productsInterval)
		defer ticker.Stop()
		productsC = ticker.C
	}
	if s.ordersInterval > 0 {
		ticker := time.NewTicker(s.ordersInterval)
		defer ticker.Stop()
		ordersC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-productsC:
			s.trigger(ctx, types.KindProducts)
		case <-ordersC:
			s.trigger(ctx, types.KindOrders)
		}
	}
}

// trigger starts one scheduled run unless a run is already active.
func (s *SyncScheduler) trigger(ctx context.Context, kind types.Kind) {
	if active := s.starter.ActiveRunIDs(); len(active) > 0 {
		slog.Info("scheduled sync skipped, run already active",
			"component", "worker",
			"worker", "sync-scheduler",
			"kind", string(kind),
			"active_runs", active,
		)
		return
	}

	runID, err := s.starter.Start(ctx, syncsvc.StartParams{
		Kind: kind,
		Mode: types.ModeIncremental,
	})
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("scheduled sync failed to start",
			"component", "worker",
			"worker", "sync-scheduler",
			"kind", string(kind),
			"error", err,
		)
		return
	}

	slog.Info("scheduled sync started",
		"component", "worker",
		"worker", "sync-scheduler",
		"kind", string(kind),
		"run_id", runID,
	)
}
