package interfaces

import (
	"context"
	"io"
)

// PutProgressFunc receives cumulative uploaded bytes for one object
type PutProgressFunc func(uploadedBytes int64)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore abstracts the archive storage backend. Implementations exist
// for S3-compatible services and the local filesystem.
type ObjectStore interface {
	// Put uploads a whole object held in memory
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// StreamPut uploads an object of known size from a reader, reporting
	// cumulative progress as parts land
	StreamPut(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress PutProgressFunc) error

	// GetStream opens an object for reading; the caller closes it
	GetStream(ctx context.Context, key string) (io.ReadCloser, int64, error)

	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error

	// SizePrefix sums the sizes of all objects under prefix
	SizePrefix(ctx context.Context, prefix string) (int64, error)

	// MakeTempDir creates and returns a local scratch directory reserved
	// to one job, used to stage crawl output before upload
	MakeTempDir(jobID string) (string, error)

	// PublicURL returns a browsable URL for a key, or "" when the backend
	// has no public base configured
	PublicURL(key string) string
}
