package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/queue"
)

// leaseWait is how long one Lease call blocks before the loop re-checks
// for shutdown
const leaseWait = 5 * time.Second

// Manager owns the worker side of the crawl lifecycle: a fixed number of
// lease loops pulling jobs off the queue, lease renewal while a crawl
// runs, and the orphan reconciler.
type Manager struct {
	cfg        *common.Config
	store      interfaces.Store
	queue      interfaces.Queue
	bus        interfaces.EventBus
	objects    interfaces.ObjectStore
	reconciler *Reconciler
	logger     arbor.ILogger
}

func NewManager(cfg *common.Config, store interfaces.Store, q interfaces.Queue,
	bus interfaces.EventBus, objects interfaces.ObjectStore) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		queue:      q,
		bus:        bus,
		objects:    objects,
		reconciler: NewReconciler(cfg, store, q),
		logger:     common.GetLogger().WithPrefix("manager"),
	}
}

// Run blocks until the context is cancelled
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().Int("concurrency", m.cfg.Worker.CrawlConcurrency).Msg("Starting crawl workers")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Worker.CrawlConcurrency; i++ {
		g.Go(func() error {
			m.leaseLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return m.reconciler.Run(gctx)
	})
	return g.Wait()
}

func (m *Manager) leaseLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.queue.Lease(ctx, leaseWait, m.cfg.Worker.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("Lease failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		m.process(ctx, job)
	}
}

// process drives one leased job, renewing the lease until it settles
func (m *Manager) process(ctx context.Context, job *interfaces.QueueJob) {
	m.logger.Info().Str("job", job.ID).Str("site", job.SiteID).Msg("Processing crawl job")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(m.cfg.Worker.StalledInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				err := m.queue.RenewLease(jobCtx, job.ID, m.cfg.Worker.LockDuration)
				if errors.Is(err, queue.ErrLeaseLost) {
					// Another holder may own the job now; stop driving it
					m.logger.Warn().Str("job", job.ID).Msg("Lease lost, abandoning job")
					cancel()
					return
				}
				if err != nil && jobCtx.Err() == nil {
					m.logger.Warn().Str("job", job.ID).Err(err).Msg("Lease renewal failed")
				}
			}
		}
	}()

	err := newRunner(m.cfg, m.store, m.bus, m.objects).run(jobCtx, job)
	cancel()
	<-renewDone

	// Settle the queue entry with a background-capable context so a
	// shutdown mid-settle does not strand the job as active
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer settleCancel()
	if err != nil {
		m.logger.Warn().Str("job", job.ID).Err(err).Msg("Crawl job failed")
		if ferr := m.queue.Fail(settleCtx, job.ID, err.Error()); ferr != nil {
			m.logger.Warn().Str("job", job.ID).Err(ferr).Msg("Failed to settle queue job")
		}
		return
	}
	if cerr := m.queue.Complete(settleCtx, job.ID); cerr != nil {
		m.logger.Warn().Str("job", job.ID).Err(cerr).Msg("Failed to complete queue job")
	}
}
