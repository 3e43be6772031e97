package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/config"
)

// --- NoopUploader Tests ---

func TestNoopUploader_Upload_ReturnsErrNotConfigured(t *testing.T) {
	u := &NoopUploader{}
	_, err := u.Upload(context.Background(), "/some/path.db", time.Now())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NoopUploader.Upload() should return ErrNotConfigured, got %v", err)
	}
}

// --- NewUploader factory tests ---

func TestNewUploader_EmptyEndpoint_ReturnsNoopUploader(t *testing.T) {
	cfg := config.BackupConfig{
		Endpoint: "", // Empty = not configured
		Bucket:   "magflow-backups",
	}

	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithEndpoint_ReturnsS3Uploader(t *testing.T) {
	cfg := config.BackupConfig{
		Endpoint:  "localhost:9000",
		Bucket:    "magflow-backups",
		UseSSL:    false,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}

	u, err := NewUploader(cfg)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	if _, ok := u.(*S3Uploader); !ok {
		t.Errorf("expected *S3Uploader, got %T", u)
	}
}

// --- S3Uploader tests with a mock client ---

type mockS3Client struct {
	bucket   string
	key      string
	filePath string
	err      error
}

func (m *mockS3Client) FPutObject(_ context.Context, bucket, objectName, filePath string) error {
	m.bucket = bucket
	m.key = objectName
	m.filePath = filePath
	return m.err
}

func TestS3Uploader_Upload(t *testing.T) {
	mock := &mockS3Client{}
	u := &S3Uploader{client: mock, bucket: "magflow-backups"}

	takenAt := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	key, err := u.Upload(context.Background(), "/tmp/backup.db", takenAt)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if key != "backups/2026/01/magflow-20260102-150405.db" {
		t.Errorf("key = %q", key)
	}
	if mock.bucket != "magflow-backups" || mock.key != key || mock.filePath != "/tmp/backup.db" {
		t.Errorf("client call: %+v", mock)
	}
}

func TestS3Uploader_UploadError(t *testing.T) {
	mock := &mockS3Client{err: errors.New("connection refused")}
	u := &S3Uploader{client: mock, bucket: "magflow-backups"}

	_, err := u.Upload(context.Background(), "/tmp/backup.db", time.Now())
	if err == nil {
		t.Fatal("Upload() should propagate client errors")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should wrap the cause: %v", err)
	}
}

func TestObjectKeyIsUTC(t *testing.T) {
	loc := time.FixedZone("EET", 2*3600)
	takenAt := time.Date(2026, 6, 15, 1, 0, 0, 0, loc) // 2026-06-14 23:00 UTC

	key := objectKey(takenAt)
	if !strings.Contains(key, "magflow-20260614-230000.db") {
		t.Errorf("key should use UTC timestamps: %q", key)
	}
	if !strings.HasPrefix(key, "backups/2026/06/") {
		t.Errorf("key prefix: %q", key)
	}
}
