package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/snapshot"
)

type mockBackuper struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *mockBackuper) Backup(_ context.Context, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.paths = append(m.paths, destPath)
	return os.WriteFile(destPath, []byte("sqlite"), 0o644)
}

func (m *mockBackuper) backups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

type mockUploader struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (m *mockUploader) Upload(_ context.Context, filePath string, takenAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.uploads = append(m.uploads, filePath)
	return "backups/test-key.db", nil
}

func (m *mockUploader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func runCoordinatorUntil(t *testing.T, c *BackupCoordinator, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestBackupCoordinatorBacksUpAndUploads(t *testing.T) {
	db := &mockBackuper{}
	up := &mockUploader{}
	c := NewBackupCoordinator(db, up, 15*time.Millisecond, t.TempDir())

	runCoordinatorUntil(t, c, func() bool { return up.count() >= 1 })

	if up.count() < 1 {
		t.Fatal("no backup was uploaded")
	}
	// The temp file is cleaned up after upload.
	for _, p := range db.backups() {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("backup temp file %s not removed", p)
		}
	}
}

func TestBackupCoordinatorNotConfiguredIsQuiet(t *testing.T) {
	db := &mockBackuper{}
	c := NewBackupCoordinator(db, &snapshot.NoopUploader{}, 15*time.Millisecond, t.TempDir())

	runCoordinatorUntil(t, c, func() bool { return len(db.backups()) >= 2 })

	// Backups are still taken and discarded locally.
	if len(db.backups()) < 2 {
		t.Fatalf("backups = %d, want loop to keep running", len(db.backups()))
	}
}

func TestBackupCoordinatorSurvivesBackupError(t *testing.T) {
	db := &mockBackuper{err: errors.New("disk full")}
	up := &mockUploader{}
	c := NewBackupCoordinator(db, up, 10*time.Millisecond, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if up.count() != 0 {
		t.Fatal("upload happened despite backup failure")
	}
}
