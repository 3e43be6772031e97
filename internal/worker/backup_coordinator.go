package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/snapshot"
)

// DatabaseBackuper writes a consistent copy of the database to a file.
// Implemented by store.SQLiteStore via VACUUM INTO.
type DatabaseBackuper interface {
	Backup(ctx context.Context, destPath string) error
}

// BackupCoordinator periodically snapshots the database to a temp file
// and ships it to S3-compatible storage. With a NoopUploader the local
// copy is still taken and discarded, which keeps the path exercised.
type BackupCoordinator struct {
	db       DatabaseBackuper
	uploader snapshot.Uploader
	interval time.Duration
	tmpDir   string
}

// NewBackupCoordinator creates a backup coordinator. tmpDir may be
// empty to use the system temp directory.
func NewBackupCoordinator(db DatabaseBackuper, uploader snapshot.Uploader, interval time.Duration, tmpDir string) *BackupCoordinator {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &BackupCoordinator{
		db:       db,
		uploader: uploader,
		interval: interval,
		tmpDir:   tmpDir,
	}
}

// Run starts the backup loop. The first backup waits a full interval:
// a backup taken seconds after startup captures nothing a restart
// didn't already have. Blocks until ctx is cancelled.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("backup coordinator started",
		"component", "worker",
		"worker", "backup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("backup coordinator stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backup(ctx)
		}
	}
}

// backup takes one snapshot and uploads it. Failures are logged, never
// fatal: the next tick retries from scratch.
func (c *BackupCoordinator) backup(ctx context.Context) {
	start := time.Now()
	takenAt := start.UTC()
	destPath := filepath.Join(c.tmpDir, fmt.Sprintf("magflow-backup-%d.db", takenAt.UnixNano()))
	defer os.Remove(destPath)

	if err := c.db.Backup(ctx, destPath); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("database backup failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"error", err,
		)
		return
	}

	key, err := c.uploader.Upload(ctx, destPath, takenAt)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			slog.Debug("backup upload skipped, storage not configured",
				"component", "worker",
				"worker", "backup-coordinator",
			)
			return
		}
		slog.Error("backup upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"error", err,
		)
		return
	}

	slog.Info("database backup uploaded",
		"component", "worker",
		"worker", "backup-coordinator",
		"object_key", key,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
