package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

type mockConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (m *mockConn) Publish(subj string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subj)
	m.payloads = append(m.payloads, data)
	return nil
}

func (m *mockConn) Drain() error {
	m.drained = true
	return nil
}

func finishedRun(status types.Status) *types.Run {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	dur := 90.0
	return &types.Run{
		ID:              "01HQZX3VBNM4R5T6Y7W8X9Z0AB",
		Kind:            types.KindProducts,
		Account:         "main",
		Mode:            types.ModeFull,
		Status:          status,
		Counters:        types.Counters{Processed: 250, Created: 250, Pages: 3},
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: &dur,
	}
}

func TestRunFinishedPublishesPerStatusSubject(t *testing.T) {
	conn := &mockConn{}
	p := &Publisher{conn: conn, prefix: "magflow.sync"}

	p.RunFinished(context.Background(), finishedRun(types.StatusCompleted))
	p.RunFinished(context.Background(), finishedRun(types.StatusFailed))

	want := []string{"magflow.sync.runs.completed", "magflow.sync.runs.failed"}
	if len(conn.subjects) != 2 || conn.subjects[0] != want[0] || conn.subjects[1] != want[1] {
		t.Fatalf("subjects = %v, want %v", conn.subjects, want)
	}

	var ev runEvent
	if err := json.Unmarshal(conn.payloads[0], &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.RunID != "01HQZX3VBNM4R5T6Y7W8X9Z0AB" || ev.Counters.Processed != 250 {
		t.Errorf("event = %+v", ev)
	}
	if ev.CompletedAt == nil || ev.DurationSeconds == nil || *ev.DurationSeconds != 90.0 {
		t.Errorf("lifecycle fields lost: completed_at=%v duration=%v", ev.CompletedAt, ev.DurationSeconds)
	}
}

func TestRunFinishedSwallowsPublishError(t *testing.T) {
	conn := &mockConn{err: errors.New("no servers available")}
	p := &Publisher{conn: conn, prefix: "magflow.sync"}

	// Must not panic or propagate; notifications never fail a sync.
	p.RunFinished(context.Background(), finishedRun(types.StatusCompleted))
}

func TestCloseDrains(t *testing.T) {
	conn := &mockConn{}
	p := &Publisher{conn: conn, prefix: "magflow.sync"}
	p.Close()
	if !conn.drained {
		t.Fatal("Close did not drain the connection")
	}
}

var _ syncsvc.Notifier = (*Publisher)(nil)
