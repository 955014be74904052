package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
)

// New builds the object store named by the storage config
func New(ctx context.Context, cfg common.StorageConfig) (interfaces.ObjectStore, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "local", "":
		store, err := NewLocalStore(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		if cfg.TempDir != "" {
			store.tempRoot = cfg.TempDir
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func defaultTempRoot() string {
	return filepath.Join(os.TempDir(), "sitevault")
}

// makeTempDir creates a scratch directory for one job under the temp root
func makeTempDir(root, jobID string) (string, error) {
	if root == "" {
		root = defaultTempRoot()
	}
	dir := filepath.Join(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp dir for job %s: %w", jobID, err)
	}
	return dir, nil
}
