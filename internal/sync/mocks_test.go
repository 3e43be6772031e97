package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// memStore is an in-memory Store for engine tests. Batches write
// straight through; savepoint semantics are covered by the store
// package's own tests.
type memStore struct {
	mu        sync.Mutex
	seq       int
	runs      map[string]*types.Run
	recs      map[string]*types.RecordMeta // "kind/account/key"
	recErrors map[string]string            // "kind/account/key" -> sync error text
	applyErr  map[string]error             // key -> forced Apply failure
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]*types.Run),
		recs:      make(map[string]*types.RecordMeta),
		recErrors: make(map[string]string),
		applyErr:  make(map[string]error),
	}
}

func recKey(kind types.Kind, account, key string) string {
	return fmt.Sprintf("%s/%s/%s", kind, account, key)
}

func (m *memStore) CreateRun(ctx context.Context, run *types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	run.ID = fmt.Sprintf("run-%03d", m.seq)
	run.Status = types.StatusRunning
	run.StartedAt = time.Now().UTC()
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *memStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

func (m *memStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Run
	for _, run := range m.runs {
		if filter.Kind != "" && run.Kind != filter.Kind {
			continue
		}
		if filter.Account != "" && run.Account != filter.Account {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (m *memStore) SaveRunCounters(ctx context.Context, id string, c types.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	run.Counters = c
	return nil
}

func (m *memStore) FinalizeRun(ctx context.Context, id string, status types.Status, completedAt time.Time, durationSeconds float64, errs []types.RunError, warnings []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", id, store.ErrInvalidState)
	}
	run.Status = status
	run.CompletedAt = &completedAt
	run.DurationSeconds = &durationSeconds
	run.Errors = errs
	run.Warnings = warnings
	return nil
}

func (m *memStore) FailStuckRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for _, run := range m.runs {
		if run.Status == types.StatusRunning && run.StartedAt.Before(cutoff) {
			run.Status = types.StatusFailed
			run.CompletedAt = &now
			run.Errors = []types.RunError{{Message: "stuck run", At: now}}
			count++
		}
	}
	return count, nil
}

func (m *memStore) BeginRecordBatch(ctx context.Context, kind types.Kind, account string) (RecordBatch, error) {
	return &memBatch{store: m, kind: kind, account: account}, nil
}

func (m *memStore) MarkRecordError(ctx context.Context, kind types.Kind, account, key, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recKey(kind, account, key)
	meta, ok := m.recs[k]
	if !ok {
		return nil
	}
	meta.SyncStatus = "error"
	meta.SyncAttempts++
	m.recErrors[k] = message
	return nil
}

type memBatch struct {
	store   *memStore
	kind    types.Kind
	account string
}

func (b *memBatch) Meta(ctx context.Context, key string) (*types.RecordMeta, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	meta, ok := b.store.recs[recKey(b.kind, b.account, key)]
	if !ok {
		return nil, fmt.Errorf("%s record %s/%s: %w", b.kind, b.account, key, store.ErrNotFound)
	}
	copied := *meta
	return &copied, nil
}

func (b *memBatch) Apply(ctx context.Context, rec types.Record, overwrite bool) (store.Outcome, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if err, ok := b.store.applyErr[rec.Key]; ok {
		return 0, err
	}
	k := recKey(b.kind, b.account, rec.Key)
	existing, ok := b.store.recs[k]
	if !ok {
		b.store.recs[k] = &types.RecordMeta{
			ID: k, Key: rec.Key, Account: b.account,
			UpstreamModifiedAt: rec.ModifiedAt,
			SyncStatus:         "synced", SyncAttempts: 1,
		}
		return store.OutcomeCreated, nil
	}
	if !overwrite {
		return store.OutcomeUnchanged, nil
	}
	existing.UpstreamModifiedAt = rec.ModifiedAt
	existing.SyncAttempts++
	return store.OutcomeUpdated, nil
}

func (b *memBatch) Commit() error   { return nil }
func (b *memBatch) Rollback() error { return nil }

// memFetcher serves scripted pages. delay, when set, makes each page
// wait so timeout behavior is observable.
type memFetcher struct {
	pages    [][]json.RawMessage
	fetchErr error
	delay    time.Duration

	mu       sync.Mutex
	requests int64
	waits    int64
	lastReq  emag.ListRequest
}

var _ AccountFetcher = (*memFetcher)(nil)

func (f *memFetcher) Fetch(ctx context.Context, req emag.ListRequest, fn func(context.Context, emag.Page) error) (*emag.FetchStats, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	stats := &emag.FetchStats{}
	for i, items := range f.pages {
		if f.delay > 0 {
			timer := time.NewTimer(f.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stats, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		if err := fn(ctx, emag.Page{Number: i + 1, Items: items}); err != nil {
			return stats, err
		}
		stats.Pages++
		stats.Items += len(items)
	}
	return stats, f.fetchErr
}

func (f *memFetcher) RequestCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *memFetcher) RateWaitCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}

// productItem builds a raw upstream product item.
func productItem(sku string, modified string) json.RawMessage {
	item := map[string]any{
		"sku":        sku,
		"name":       "Widget " + sku,
		"sale_price": 19.9,
	}
	if modified != "" {
		item["modified"] = modified
	}
	raw, _ := json.Marshal(item)
	return raw
}

// productPages builds pages of the given sizes with sequential SKUs.
func productPages(sizes ...int) [][]json.RawMessage {
	var pages [][]json.RawMessage
	n := 0
	for _, size := range sizes {
		page := make([]json.RawMessage, 0, size)
		for i := 0; i < size; i++ {
			n++
			page = append(page, productItem(fmt.Sprintf("SKU-%04d", n), ""))
		}
		pages = append(pages, page)
	}
	return pages
}

// mockExecutor records upstream pushes for PushOffers tests.
type mockExecutor struct {
	mu      sync.Mutex
	calls   [][]byte
	execErr error
}

var _ Executor = (*mockExecutor)(nil)

func (e *mockExecutor) Execute(ctx context.Context, method, path string, query url.Values, payload any) (*emag.Response, error) {
	raw, _ := json.Marshal(payload)
	e.mu.Lock()
	e.calls = append(e.calls, raw)
	e.mu.Unlock()
	if e.execErr != nil {
		return nil, e.execErr
	}
	return &emag.Response{}, nil
}
