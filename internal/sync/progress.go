package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

// Mirror republishes live progress to an external cache for dashboard
// polling. Mirror failures never affect the sync path.
type Mirror interface {
	Publish(ctx context.Context, p *types.Progress) error
	Remove(ctx context.Context, runID string) error
}

// NoopMirror is used when no cache backend is configured.
type NoopMirror struct{}

func (NoopMirror) Publish(context.Context, *types.Progress) error { return nil }
func (NoopMirror) Remove(context.Context, string) error           { return nil }

// Tracker holds the live progress projection of every running sync.
// Entries exist only while their run is running; final counts always
// come from the run row, never from here.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*types.Progress
	mirror Mirror
	log    *slog.Logger
}

// NewTracker builds a Tracker, mirroring to the given Mirror (use
// NoopMirror for none).
func NewTracker(mirror Mirror, log *slog.Logger) *Tracker {
	if mirror == nil {
		mirror = NoopMirror{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		active: make(map[string]*types.Progress),
		mirror: mirror,
		log:    log,
	}
}

// Update replaces the projection for a run.
func (t *Tracker) Update(ctx context.Context, p types.Progress) {
	p.UpdatedAt = time.Now().UTC()

	t.mu.Lock()
	t.active[p.RunID] = &p
	t.mu.Unlock()

	if err := t.mirror.Publish(ctx, &p); err != nil {
		t.log.Warn("progress mirror publish failed",
			"component", "sync",
			"run_id", p.RunID,
			"error", err,
		)
	}
}

// Get returns the live projection for a run, if it is still running.
func (t *Tracker) Get(runID string) (*types.Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.active[runID]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// Active lists the projections of all running syncs.
func (t *Tracker) Active() []types.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Progress, 0, len(t.active))
	for _, p := range t.active {
		out = append(out, *p)
	}
	return out
}

// Remove drops a run's projection once the run ends.
func (t *Tracker) Remove(ctx context.Context, runID string) {
	t.mu.Lock()
	delete(t.active, runID)
	t.mu.Unlock()

	if err := t.mirror.Remove(ctx, runID); err != nil {
		t.log.Warn("progress mirror remove failed",
			"component", "sync",
			"run_id", runID,
			"error", err,
		)
	}
}
