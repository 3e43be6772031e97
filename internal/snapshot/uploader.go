// Package snapshot provides S3-compatible upload of database backups.
// When S3 is not configured (empty endpoint), the NoopUploader is used
// and all uploads are skipped, keeping the system in local-only mode.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ioko18/magflow-erp-sub002/internal/config"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads database backup files.
type Uploader interface {
	// Upload uploads the backup file at filePath under a timestamped key.
	// Returns the object key written.
	Upload(ctx context.Context, filePath string, takenAt time.Time) (string, error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface with our fixed upload options.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload uploads the backup file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, filePath string, takenAt time.Time) (string, error) {
	key := objectKey(takenAt)
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath); err != nil {
		return "", fmt.Errorf("upload backup to S3: %w", err)
	}
	return key, nil
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload reports ErrNotConfigured so callers can distinguish "skipped"
// from "succeeded" in their logs.
func (u *NoopUploader) Upload(ctx context.Context, filePath string, takenAt time.Time) (string, error) {
	return "", ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when the endpoint is empty, S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Endpoint == "" {
		return &NoopUploader{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// objectKey returns the S3 object key for a backup.
// Convention: backups/2026/01/magflow-20260102-150405.db
func objectKey(takenAt time.Time) string {
	t := takenAt.UTC()
	return fmt.Sprintf("backups/%04d/%02d/magflow-%s.db", t.Year(), int(t.Month()), t.Format("20060102-150405"))
}
