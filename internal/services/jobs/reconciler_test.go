package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
)

func reconcilerConfig() *common.Config {
	cfg := common.DefaultConfig()
	cfg.Worker.OrphanGrace = 5 * time.Minute
	return cfg
}

func TestReconcilerReenqueuesOrphan(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()

	started := time.Now().Add(-time.Hour)
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:         models.CrawlStatusRunning,
		StartedAt:      &started,
		SucceededPages: 12,
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))

	assert.Equal(t, []string{"c1"}, q.addedJobs())
	crawl, err := store.Crawls().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusRunning, crawl.Status)
}

func TestReconcilerLeavesRecentCrawls(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()

	started := time.Now().Add(-time.Minute)
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:    models.CrawlStatusRunning,
		StartedAt: &started,
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))
	assert.Empty(t, q.addedJobs())
}

func TestReconcilerLeavesJobsStillOwned(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()
	q.setState("c1", interfaces.JobStateActive)

	started := time.Now().Add(-time.Hour)
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:    models.CrawlStatusRunning,
		StartedAt: &started,
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))

	assert.Empty(t, q.addedJobs())
	crawl, err := store.Crawls().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusRunning, crawl.Status)
}

func TestReconcilerRequeuesStalledJob(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()
	q.setState("c1", interfaces.JobStateStalled)

	started := time.Now().Add(-time.Hour)
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:         models.CrawlStatusRunning,
		StartedAt:      &started,
		SucceededPages: 7,
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))

	assert.Equal(t, []string{"c1"}, q.requeuedJobs())
	assert.Empty(t, q.addedJobs())
	crawl, err := store.Crawls().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusRunning, crawl.Status)
}

func TestReconcilerFailsSettledJobWithActiveRow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()
	q.setState("c1", interfaces.JobStateCompleted)

	started := time.Now().Add(-time.Hour)
	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:    models.CrawlStatusUploading,
		StartedAt: &started,
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))

	crawl, err := store.Crawls().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusFailed, crawl.Status)
	assert.Contains(t, crawl.ErrorMessage, "worker terminated")
}

func TestReconcilerUsesCreatedAtForPendingRows(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := newFakeQueue()

	require.NoError(t, store.Crawls().Create(ctx, &models.Crawl{
		ID: "c1", SiteID: "s1",
		Status:    models.CrawlStatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	r := NewReconciler(reconcilerConfig(), store, q)
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, []string{"c1"}, q.addedJobs())
}
