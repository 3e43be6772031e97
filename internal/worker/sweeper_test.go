package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockCleaner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockCleaner) CleanupStuck(_ context.Context, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return 1, nil
}

func (m *mockCleaner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestStuckRunSweeperSweepsImmediatelyAndOnTicks(t *testing.T) {
	cleaner := &mockCleaner{}
	sweeper := NewStuckRunSweeper(cleaner, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	// One sweep on start, then at least one more on the ticker.
	deadline := time.Now().Add(2 * time.Second)
	for cleaner.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if cleaner.count() < 2 {
		t.Fatalf("sweeps = %d, want at least 2 (startup + tick)", cleaner.count())
	}
}

func TestStuckRunSweeperSurvivesErrors(t *testing.T) {
	cleaner := &mockCleaner{err: errors.New("database locked")}
	sweeper := NewStuckRunSweeper(cleaner, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for cleaner.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if cleaner.count() < 3 {
		t.Fatalf("sweeps = %d, loop should keep running through errors", cleaner.count())
	}
}

func TestStuckRunSweeperStopsOnCancel(t *testing.T) {
	cleaner := &mockCleaner{}
	sweeper := NewStuckRunSweeper(cleaner, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
