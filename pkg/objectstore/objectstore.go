package objectstore

import (
	"context"
	"io"
	"time"
)

// BackendType selects the object storage backend.
type BackendType string

const (
	BackendMinio BackendType = "minio"
	BackendS3    BackendType = "s3"
)

// ObjectStore holds rendered page previews. Keys are opaque to callers;
// PresignedURL issues a time-limited download link suitable for the UI.
type ObjectStore interface {
	// Put stores an object.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	// Get fetches an object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object.
	Delete(ctx context.Context, key string) error
	// PresignedURL issues a time-limited download URL for an object.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// CleanupBefore removes objects last modified before the threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}
