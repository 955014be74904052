package jobs

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/objectstore"
	"github.com/ternarybob/sitevault/internal/services/crawler"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestArchiverBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>home</html>")
	writeFile(t, dir, "about/index.html", "<html>about</html>")
	writeFile(t, dir, "js/app.js", "console.log(1)")
	writeFile(t, dir, crawler.StateFileName, `{"succeeded":[],"failed":[]}`)

	a := NewArchiver(nil)
	spool, size, err := a.Build(dir)
	require.NoError(t, err)
	assert.Positive(t, size)

	zr, err := zip.OpenReader(spool)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]uint16, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = f.Method
	}
	assert.Contains(t, names, "index.html")
	assert.Contains(t, names, "about/index.html")
	assert.Contains(t, names, "js/app.js")
	assert.NotContains(t, names, crawler.StateFileName)
	assert.NotContains(t, names, archiveSpoolName)
	assert.Equal(t, uint16(zip.Deflate), names["index.html"])
}

func TestArchiverUpload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html>home</html>")

	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	a := NewArchiver(objects)
	spool, size, err := a.Build(dir)
	require.NoError(t, err)

	var last int64
	err = a.Upload(context.Background(), "archives/c1.zip", spool, size, func(uploaded int64) {
		last = uploaded
	})
	require.NoError(t, err)
	assert.Equal(t, size, last)

	stored, err := objects.Size(context.Background(), "archives/c1.zip")
	require.NoError(t, err)
	assert.Equal(t, size, stored)
}
