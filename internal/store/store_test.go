package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "magflow.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *SQLiteStore, kind types.Kind, account string) *types.Run {
	t.Helper()
	run := &types.Run{Kind: kind, Account: account, Mode: types.ModeFull}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestStore_CreateRun(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, types.KindProducts, "main")

	if run.ID == "" {
		t.Fatal("run ID not assigned")
	}
	if run.Status != types.StatusRunning {
		t.Errorf("Status = %s, want running", run.Status)
	}

	got, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Kind != types.KindProducts || got.Account != "main" || got.Mode != types.ModeFull {
		t.Errorf("loaded run = %+v", got)
	}
	if got.CompletedAt != nil || got.DurationSeconds != nil {
		t.Error("fresh run has completion fields set")
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "01J00000000000000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_SaveRunCounters(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, types.KindProducts, "main")

	total := 250
	counters := types.Counters{
		Total: &total, Processed: 100, Created: 90, Updated: 5, Unchanged: 3,
		Failed: 2, Pages: 1, Requests: 4, RateLimitWaits: 1,
	}
	if err := s.SaveRunCounters(context.Background(), run.ID, counters); err != nil {
		t.Fatalf("SaveRunCounters: %v", err)
	}

	got, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Counters.Total == nil || *got.Counters.Total != 250 {
		t.Errorf("Total = %v, want 250", got.Counters.Total)
	}
	if got.Counters.Processed != 100 || got.Counters.Failed != 2 || got.Counters.RateLimitWaits != 1 {
		t.Errorf("Counters = %+v", got.Counters)
	}
}

func TestStore_FinalizeRun(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, types.KindOrders, "fbe")

	completed := time.Now().UTC()
	errs := []types.RunError{{Account: "fbe", Page: 2, Key: "405", Message: "constraint violated", At: completed}}
	if err := s.FinalizeRun(context.Background(), run.ID, types.StatusCompleted, completed, 12.5, errs, []string{"short page on page 2"}); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	got, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil || got.DurationSeconds == nil || *got.DurationSeconds != 12.5 {
		t.Errorf("completion fields = %v, %v", got.CompletedAt, got.DurationSeconds)
	}
	if len(got.Errors) != 1 || got.Errors[0].Key != "405" {
		t.Errorf("Errors = %+v", got.Errors)
	}
	if len(got.Warnings) != 1 {
		t.Errorf("Warnings = %v", got.Warnings)
	}
}

func TestStore_FinalizeRunForwardOnly(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, types.KindProducts, "main")

	now := time.Now().UTC()
	if err := s.FinalizeRun(context.Background(), run.ID, types.StatusCancelled, now, 1, nil, nil); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	err := s.FinalizeRun(context.Background(), run.ID, types.StatusCompleted, now, 2, nil, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second finalize error = %v, want ErrInvalidState", err)
	}

	got, _ := s.GetRun(context.Background(), run.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("Status = %s, terminal status was overwritten", got.Status)
	}
}

func TestStore_FinalizeRunRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, types.KindProducts, "main")
	if err := s.FinalizeRun(context.Background(), run.ID, types.StatusRunning, time.Now(), 0, nil, nil); err == nil {
		t.Error("finalize to running succeeded, want error")
	}
}

func TestStore_ListRuns(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, types.KindProducts, "main")
	newTestRun(t, s, types.KindOrders, "main")
	r3 := newTestRun(t, s, types.KindProducts, "fbe")
	if err := s.FinalizeRun(context.Background(), r3.ID, types.StatusFailed, time.Now(), 1, nil, nil); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	all, err := s.ListRuns(context.Background(), RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	products, err := s.ListRuns(context.Background(), RunFilter{Kind: types.KindProducts})
	if err != nil {
		t.Fatalf("ListRuns(products): %v", err)
	}
	if len(products) != 2 {
		t.Errorf("len(products) = %d, want 2", len(products))
	}

	failed, err := s.ListRuns(context.Background(), RunFilter{Status: types.StatusFailed})
	if err != nil {
		t.Fatalf("ListRuns(failed): %v", err)
	}
	if len(failed) != 1 || failed[0].ID != r3.ID {
		t.Errorf("failed runs = %+v", failed)
	}

	limited, err := s.ListRuns(context.Background(), RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestStore_FailStuckRuns(t *testing.T) {
	s := newTestStore(t)
	stuck := newTestRun(t, s, types.KindProducts, "main")
	fresh := newTestRun(t, s, types.KindProducts, "fbe")

	// Backdate the stuck run past the threshold.
	old := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := s.db.Exec("UPDATE sync_runs SET started_at = ? WHERE id = ?", formatTime(old), stuck.ID); err != nil {
		t.Fatalf("backdate run: %v", err)
	}

	count, err := s.FailStuckRuns(context.Background(), time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FailStuckRuns: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	got, err := s.GetRun(context.Background(), stuck.ID)
	if err != nil {
		t.Fatalf("GetRun(stuck): %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Errorf("stuck run status = %s, want failed", got.Status)
	}
	if len(got.Errors) == 0 {
		t.Error("stuck run has no error entries")
	}
	if got.CompletedAt == nil {
		t.Error("stuck run has no completed_at")
	}

	gotFresh, err := s.GetRun(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("GetRun(fresh): %v", err)
	}
	if gotFresh.Status != types.StatusRunning {
		t.Errorf("fresh run status = %s, want running", gotFresh.Status)
	}
}

func TestStore_FailStuckRunsNoneStuck(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, types.KindProducts, "main")

	count, err := s.FailStuckRuns(context.Background(), time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FailStuckRuns: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
