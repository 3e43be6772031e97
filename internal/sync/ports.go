// Package sync is the marketplace synchronization engine: the conflict
// resolver, the per-run orchestrator, the live progress tracker, and the
// service that fronts them for the API and CLI.
package sync

import (
	"context"
	"net/url"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// Store is the persistence port the engine drives. *store.SQLiteStore
// satisfies it through WrapStore.
type Store interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]types.Run, error)
	SaveRunCounters(ctx context.Context, id string, c types.Counters) error
	FinalizeRun(ctx context.Context, id string, status types.Status, completedAt time.Time, durationSeconds float64, errs []types.RunError, warnings []string) error
	FailStuckRuns(ctx context.Context, cutoff time.Time) (int64, error)
	BeginRecordBatch(ctx context.Context, kind types.Kind, account string) (RecordBatch, error)
	MarkRecordError(ctx context.Context, kind types.Kind, account, key, message string) error
}

// RecordBatch is one page-scoped transaction with per-item savepoints.
type RecordBatch interface {
	Meta(ctx context.Context, key string) (*types.RecordMeta, error)
	Apply(ctx context.Context, rec types.Record, overwrite bool) (store.Outcome, error)
	Commit() error
	Rollback() error
}

// AccountFetcher walks one upstream account's listing pages and exposes
// the request/throttle counters the run statistics report.
// *emag.Pager satisfies it.
type AccountFetcher interface {
	Fetch(ctx context.Context, req emag.ListRequest, fn func(context.Context, emag.Page) error) (*emag.FetchStats, error)
	RequestCount() int64
	RateWaitCount() int64
}

// Executor issues single upstream calls; used by the offer push flow.
// *emag.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, method, path string, query url.Values, payload any) (*emag.Response, error)
}

// Notifier publishes run-lifecycle events. Implementations must not
// block the sync path; failures are the implementation's to log.
type Notifier interface {
	RunFinished(ctx context.Context, run *types.Run)
}

// NoopNotifier is used when no messaging backend is configured.
type NoopNotifier struct{}

func (NoopNotifier) RunFinished(context.Context, *types.Run) {}

// storeAdapter lifts *store.SQLiteStore's concrete batch type to the
// RecordBatch port.
type storeAdapter struct {
	*store.SQLiteStore
}

// WrapStore adapts the SQLite store to the engine's Store port.
func WrapStore(s *store.SQLiteStore) Store {
	return storeAdapter{s}
}

func (s storeAdapter) BeginRecordBatch(ctx context.Context, kind types.Kind, account string) (RecordBatch, error) {
	batch, err := s.SQLiteStore.BeginRecordBatch(ctx, kind, account)
	if err != nil {
		return nil, err
	}
	return batch, nil
}
