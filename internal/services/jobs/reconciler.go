package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
)

// Reconciler repairs crawls whose worker died. A crawl row stuck in an
// active status past the grace period either lost its queue job (the job
// is re-enqueued under the same ID so the next attempt resumes) or the
// queue already settled it (the row is marked failed).
type Reconciler struct {
	cfg    *common.Config
	store  interfaces.Store
	queue  interfaces.Queue
	logger arbor.ILogger
}

func NewReconciler(cfg *common.Config, store interfaces.Store, queue interfaces.Queue) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		logger: common.GetLogger().WithPrefix("reconciler"),
	}
}

// Run reconciles once at startup and then on the configured interval
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Startup reconcile failed")
	}

	ticker := time.NewTicker(r.cfg.Worker.OrphanReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Reconcile failed")
			}
		}
	}
}

// Reconcile scans active crawl rows older than the grace period
func (r *Reconciler) Reconcile(ctx context.Context) error {
	crawls, err := r.store.Crawls().ListByStatus(ctx,
		models.CrawlStatusPending, models.CrawlStatusRunning, models.CrawlStatusUploading)
	if err != nil {
		return fmt.Errorf("failed to list active crawls: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.Worker.OrphanGrace)
	for _, crawl := range crawls {
		age := crawl.CreatedAt
		if crawl.StartedAt != nil {
			age = *crawl.StartedAt
		}
		if age.After(cutoff) {
			continue
		}
		if err := r.reconcileCrawl(ctx, crawl); err != nil {
			r.logger.Warn().Str("crawl", crawl.ID).Err(err).Msg("Failed to reconcile crawl")
		}
	}
	return nil
}

func (r *Reconciler) reconcileCrawl(ctx context.Context, crawl *models.Crawl) error {
	state, err := r.queue.GetState(ctx, crawl.ID)
	if err != nil {
		return err
	}

	switch state {
	case interfaces.JobStateWaiting, interfaces.JobStateActive:
		// A worker still owns or will pick up this job
		return nil

	case interfaces.JobStateStalled:
		// The holder stopped renewing its lease mid-crawl, leaving the job
		// record active with no lock. Return it to the pending list.
		if err := r.queue.Requeue(ctx, crawl.ID); err != nil {
			return fmt.Errorf("failed to requeue stalled crawl: %w", err)
		}
		r.logger.Warn().Str("crawl", crawl.ID).Str("site", crawl.SiteID).
			Int("succeeded", crawl.SucceededPages).Int("failed", crawl.FailedPages).
			Msg("Re-enqueued stalled crawl, previous pages will be recovered on resume")
		return nil

	case interfaces.JobStateMissing:
		job := &interfaces.QueueJob{
			ID:        crawl.ID,
			SiteID:    crawl.SiteID,
			CreatedAt: time.Now(),
		}
		if err := r.queue.Add(ctx, job); err != nil {
			return fmt.Errorf("failed to re-enqueue orphaned crawl: %w", err)
		}
		r.logger.Warn().Str("crawl", crawl.ID).Str("site", crawl.SiteID).
			Int("succeeded", crawl.SucceededPages).Int("failed", crawl.FailedPages).
			Msg("Re-enqueued orphaned crawl, previous pages will be recovered on resume")
		return nil

	default:
		// The queue settled the job but the row never reached a terminal
		// status: the worker died between queue and row updates
		r.logger.Warn().Str("crawl", crawl.ID).Str("queueState", state).
			Msg("Marking orphaned crawl failed")
		return r.store.Crawls().MarkCompleted(ctx, crawl.ID,
			models.CrawlStatusFailed, "", 0, "worker terminated before finishing the crawl")
	}
}
