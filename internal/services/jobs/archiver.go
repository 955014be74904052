package jobs

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/services/crawler"
)

// archiveSpoolName is the zip spooled inside the crawl temp dir before
// upload. Named so the walk can skip it.
const archiveSpoolName = "__archive__.zip"

// Archiver zips a finished crawl directory and streams it to storage
type Archiver struct {
	objects interfaces.ObjectStore
	logger  arbor.ILogger
}

func NewArchiver(objects interfaces.ObjectStore) *Archiver {
	return &Archiver{
		objects: objects,
		logger:  common.GetLogger().WithPrefix("archiver"),
	}
}

// Build zips the crawl output into a spool file inside tempDir and
// returns its path and size. Entries use forward slashes regardless of
// platform. The resume state file is an internal artifact and is left out.
func (a *Archiver) Build(tempDir string) (string, int64, error) {
	spool := filepath.Join(tempDir, archiveSpoolName)
	f, err := os.Create(spool)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive spool: %w", err)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	walkErr := filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tempDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == archiveSpoolName || name == crawler.StateFileName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if walkErr != nil {
		zw.Close()
		f.Close()
		os.Remove(spool)
		return "", 0, fmt.Errorf("failed to build archive: %w", walkErr)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(spool)
		return "", 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(spool)
		return "", 0, fmt.Errorf("failed to close archive spool: %w", err)
	}

	info, err := os.Stat(spool)
	if err != nil {
		return "", 0, err
	}
	a.logger.Info().Str("spool", spool).Int64("bytes", info.Size()).Msg("Archive built")
	return spool, info.Size(), nil
}

// Upload streams the spooled archive to its storage key
func (a *Archiver) Upload(ctx context.Context, key, spool string, size int64, progress interfaces.PutProgressFunc) error {
	f, err := os.Open(spool)
	if err != nil {
		return fmt.Errorf("failed to open archive spool: %w", err)
	}
	defer f.Close()

	if err := a.objects.StreamPut(ctx, key, f, size, "application/zip", progress); err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return nil
}
