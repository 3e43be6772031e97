package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

type recordingMirror struct {
	mu        sync.Mutex
	published []string
	removed   []string
	err       error
}

func (m *recordingMirror) Publish(_ context.Context, p *types.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, p.RunID)
	return m.err
}

func (m *recordingMirror) Remove(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, runID)
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrackerLifecycle(t *testing.T) {
	mirror := &recordingMirror{}
	tr := NewTracker(mirror, testLogger())
	ctx := context.Background()

	tr.Update(ctx, types.Progress{RunID: "run-1", Kind: types.KindProducts, Status: types.StatusRunning})
	tr.Update(ctx, types.Progress{RunID: "run-2", Kind: types.KindOrders, Status: types.StatusRunning})

	p, ok := tr.Get("run-1")
	if !ok {
		t.Fatal("run-1 projection missing")
	}
	if p.Kind != types.KindProducts || p.UpdatedAt.IsZero() {
		t.Fatalf("unexpected projection: %+v", p)
	}
	if got := len(tr.Active()); got != 2 {
		t.Fatalf("Active() = %d entries, want 2", got)
	}

	// Returned projection is a copy.
	p.Counters.Processed = 999
	again, _ := tr.Get("run-1")
	if again.Counters.Processed == 999 {
		t.Fatal("Get returned a shared pointer")
	}

	tr.Remove(ctx, "run-1")
	if _, ok := tr.Get("run-1"); ok {
		t.Fatal("run-1 still present after Remove")
	}
	if len(mirror.published) != 2 || len(mirror.removed) != 1 {
		t.Fatalf("mirror saw %d publishes, %d removes", len(mirror.published), len(mirror.removed))
	}
}

func TestTrackerMirrorFailureIsSwallowed(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("redis down")}
	tr := NewTracker(mirror, testLogger())
	ctx := context.Background()

	tr.Update(ctx, types.Progress{RunID: "run-1"})
	if _, ok := tr.Get("run-1"); !ok {
		t.Fatal("projection lost because the mirror failed")
	}
	tr.Remove(ctx, "run-1")
	if _, ok := tr.Get("run-1"); ok {
		t.Fatal("projection survived Remove")
	}
}
