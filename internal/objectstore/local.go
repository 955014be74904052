package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
)

// LocalStore is an interfaces.ObjectStore rooted at a directory on disk.
// Used for development and single-node deployments.
type LocalStore struct {
	root     string
	tempRoot string
	logger   arbor.ILogger
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &LocalStore{
		root:     abs,
		tempRoot: defaultTempRoot(),
		logger:   common.GetLogger().WithPrefix("localstore"),
	}, nil
}

// keyPath maps an object key to a path under the root, rejecting traversal
func (l *LocalStore) keyPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) StreamPut(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress interfaces.PutProgressFunc) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}

	var written int64
	buf := make([]byte, 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("failed to write %s: %w", key, werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to read body for %s: %w", key, rerr)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) GetStream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

func (l *LocalStore) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var objects []interfaces.ObjectInfo
	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, interfaces.ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return objects, nil
}

func (l *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalStore) Size(ctx context.Context, key string) (int64, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (l *LocalStore) Delete(ctx context.Context, key string) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := l.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := l.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalStore) SizePrefix(ctx context.Context, prefix string) (int64, error) {
	objects, err := l.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	return total, nil
}

func (l *LocalStore) MakeTempDir(jobID string) (string, error) {
	return makeTempDir(l.tempRoot, jobID)
}

func (l *LocalStore) PublicURL(key string) string {
	return ""
}
