package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/objectstore"
)

func TestPrunerKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	site := &models.Site{ID: "s1", MaxArchivesToKeep: 2}
	require.NoError(t, store.Sites().Create(ctx, site))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		key := "archives/" + id + ".zip"
		completed := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
			ID: id, SiteID: "s1",
			Status:      models.CrawlStatusCompleted,
			OutputPath:  key,
			CompletedAt: &completed,
		}))
		require.NoError(t, objects.Put(ctx, key, []byte("zip"), "application/zip"))
	}

	require.NoError(t, NewPruner(store, objects).Prune(ctx, site))

	// c3 and c2 are newest and survive
	for _, id := range []string{"c2", "c3"} {
		crawl, err := store.Crawls().Get(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, crawl.OutputPath, id)
		exists, err := objects.Exists(ctx, crawl.OutputPath)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	for _, id := range []string{"c0", "c1"} {
		crawl, err := store.Crawls().Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, crawl.OutputPath, id)
		assert.Zero(t, crawl.OutputSizeBytes, id)
		exists, err := objects.Exists(ctx, "archives/"+id+".zip")
		require.NoError(t, err)
		assert.False(t, exists, id)
	}
}

func TestPrunerZeroKeepsEverything(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	site := &models.Site{ID: "s1"}
	completed := time.Now()
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:      models.CrawlStatusCompleted,
		OutputPath:  "archives/c1.zip",
		CompletedAt: &completed,
	}))
	require.NoError(t, objects.Put(ctx, "archives/c1.zip", []byte("zip"), "application/zip"))

	require.NoError(t, NewPruner(store, objects).Prune(ctx, site))

	crawl, err := store.Crawls().Get(ctx, "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, crawl.OutputPath)
}

func TestPrunerSkipsCrawlsWithoutArchives(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	objects, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	site := &models.Site{ID: "s1", MaxArchivesToKeep: 1}
	completed := time.Now()
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "failed", SiteID: "s1", Status: models.CrawlStatusFailed, CompletedAt: &completed,
	}))
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "ok", SiteID: "s1", Status: models.CrawlStatusCompleted,
		OutputPath: "archives/ok.zip", CompletedAt: &completed,
	}))
	require.NoError(t, objects.Put(ctx, "archives/ok.zip", []byte("zip"), "application/zip"))

	require.NoError(t, NewPruner(store, objects).Prune(ctx, site))

	crawl, err := store.Crawls().Get(ctx, "ok")
	require.NoError(t, err)
	assert.NotEmpty(t, crawl.OutputPath)
}
