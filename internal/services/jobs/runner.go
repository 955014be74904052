package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/services/assets"
	"github.com/ternarybob/sitevault/internal/services/crawler"
	"github.com/ternarybob/sitevault/internal/services/pages"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// runner drives one leased crawl job from row load to terminal status.
// Returning an error marks the queue job failed; the crawl row is always
// settled here regardless.
type runner struct {
	cfg      *common.Config
	store    interfaces.Store
	bus      interfaces.EventBus
	objects  interfaces.ObjectStore
	archiver *Archiver
	pruner   *Pruner
	logger   arbor.ILogger
}

func newRunner(cfg *common.Config, store interfaces.Store, bus interfaces.EventBus, objects interfaces.ObjectStore) *runner {
	return &runner{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		objects:  objects,
		archiver: NewArchiver(objects),
		pruner:   NewPruner(store, objects),
		logger:   common.GetLogger().WithPrefix("jobs"),
	}
}

func (r *runner) run(ctx context.Context, job *interfaces.QueueJob) error {
	crawl, err := r.store.Crawls().Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			r.logger.Warn().Str("job", job.ID).Msg("Crawl row missing for leased job, dropping")
			return nil
		}
		return err
	}
	if crawl.Status.IsTerminal() {
		r.logger.Info().Str("crawl", crawl.ID).Str("status", string(crawl.Status)).
			Msg("Crawl already settled, dropping job")
		return nil
	}

	site, err := r.store.Sites().Get(ctx, crawl.SiteID)
	if err != nil {
		return r.fail(ctx, crawl.ID, fmt.Errorf("site %s unavailable: %w", crawl.SiteID, err))
	}
	origin, err := site.Origin()
	if err != nil {
		return r.fail(ctx, crawl.ID, err)
	}

	// A non-nil started_at means a previous attempt owned this crawl;
	// keep it so elapsed time spans the whole crawl
	retry := crawl.StartedAt != nil
	if retry {
		if err := r.store.Crawls().UpdateStatus(ctx, crawl.ID, models.CrawlStatusRunning); err != nil {
			return err
		}
	} else {
		if err := r.store.Crawls().MarkStarted(ctx, crawl.ID, time.Now()); err != nil {
			return err
		}
	}

	tempDir, err := r.objects.MakeTempDir(crawl.ID)
	if err != nil {
		return r.fail(ctx, crawl.ID, fmt.Errorf("failed to create crawl workspace: %w", err))
	}

	emitLog := r.logSink(ctx, crawl.ID)

	resume := false
	if retry {
		state, serr := crawler.LoadState(tempDir)
		switch {
		case serr != nil:
			emitLog(models.LogLevelWarn, fmt.Sprintf("Previous crawl state is unreadable, starting fresh: %v", serr), "")
		case state == nil:
			emitLog(models.LogLevelWarn, "Expected crawl state from a previous attempt but found none, starting fresh", "")
		default:
			resume = true
		}
	}

	concurrency := site.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > r.cfg.Crawler.MaxSiteConcurrency {
		emitLog(models.LogLevelWarn, fmt.Sprintf("Site concurrency %d exceeds the limit, clamped to %d",
			concurrency, r.cfg.Crawler.MaxSiteConcurrency), "")
		concurrency = r.cfg.Crawler.MaxSiteConcurrency
	}

	excludes, invalid := site.CompileExcludePatterns()
	for _, pattern := range invalid {
		emitLog(models.LogLevelWarn, fmt.Sprintf("Ignoring invalid exclude pattern %q", pattern), "")
	}

	downloader := assets.NewDownloader(assets.Options{
		OutputDir: tempDir,
		UserAgent: r.cfg.Crawler.UserAgent,
		Blocklist: r.mergedBlocklist(ctx, site, emitLog),
	})
	browser := pages.NewLazyBrowser(r.cfg.Crawler)
	defer browser.Close()

	processor := pages.NewProcessor(pages.ProcessorOptions{
		OutputDir:   tempDir,
		UserAgent:   r.cfg.Crawler.UserAgent,
		RemoveBadge: site.RemoveBadge,
		Fetcher:     downloader,
		Renderer:    browser,
		Islands:     pages.NewIslandMirror(tempDir, r.cfg.Crawler.UserAgent),
		Log:         emitLog,
	})

	// The timeout covers the crawl phase only; the upload has its own
	poller := newStatusPoller(r.store.Crawls(), crawl.ID,
		r.cfg.Crawler.StatusCheckInterval, r.cfg.Crawler.MaxDuration)
	defer poller.Close()

	executor := crawler.NewExecutor(crawler.Options{
		BaseURL:         origin,
		Concurrency:     concurrency,
		MaxPages:        site.MaxPages,
		ExcludePatterns: excludes,
		Redirects:       site.ParseRedirects(),
		OutputDir:       tempDir,
		Resume:          resume,
		PageMaxRetries:  r.cfg.Crawler.PageMaxRetries,
		PageRetryDelay:  r.cfg.Crawler.PageRetryDelay,
	}, processor, crawler.NewSeeder(r.cfg.Crawler.UserAgent), crawler.Callbacks{
		OnProgress:  r.progressSink(crawl.ID),
		OnLog:       emitLog,
		ShouldAbort: poller.ShouldAbort,
	})

	summary, runErr := executor.Run(ctx)
	poller.Close()

	switch poller.Reason() {
	case abortDeleted:
		r.logger.Info().Str("crawl", crawl.ID).Msg("Crawl row deleted mid-flight, discarding output")
		os.RemoveAll(tempDir)
		return nil
	case abortCancelled:
		emitLog(models.LogLevelWarn, "Crawl cancelled", "")
		if err := r.store.Crawls().MarkCompleted(ctx, crawl.ID,
			models.CrawlStatusCancelled, "", 0, ""); err != nil {
			r.logger.Error().Str("crawl", crawl.ID).Err(err).Msg("Failed to settle cancelled crawl row")
		}
		os.RemoveAll(tempDir)
		return nil
	case abortTimedOut:
		emitLog(models.LogLevelWarn, fmt.Sprintf(
			"Crawl exceeded the maximum duration, archiving %d pages collected so far", summary.Succeeded), "")
		return r.finish(ctx, crawl, site, tempDir, summary, models.CrawlStatusTimedOut, emitLog)
	}

	if runErr != nil {
		os.RemoveAll(tempDir)
		return r.fail(ctx, crawl.ID, runErr)
	}

	emitLog(models.LogLevelInfo, fmt.Sprintf("Crawl finished: %d succeeded, %d failed of %d pages in %s",
		summary.Succeeded, summary.Failed, summary.Total, summary.Duration.Round(time.Second)), "")
	return r.finish(ctx, crawl, site, tempDir, summary, models.CrawlStatusCompleted, emitLog)
}

// finish transitions to uploading, archives the output and settles the row
func (r *runner) finish(ctx context.Context, crawl *models.Crawl, site *models.Site,
	tempDir string, summary *crawler.Summary, status models.CrawlStatus, emitLog func(models.LogLevel, string, string)) error {

	if err := r.store.Crawls().UpdateStatus(ctx, crawl.ID, models.CrawlStatusUploading); err != nil {
		return err
	}
	r.publish(ctx, crawl.ID, models.CrawlEvent{
		Type:      models.EventTypeProgress,
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Phase:     models.PhaseUploading,
	})

	spool, size, err := r.archiver.Build(tempDir)
	if err != nil {
		os.RemoveAll(tempDir)
		return r.fail(ctx, crawl.ID, err)
	}

	key := crawl.ArchiveKey()
	uploadCtx, cancel := context.WithTimeout(ctx, r.cfg.Storage.UploadTimeout)
	defer cancel()

	if err := r.archiver.Upload(uploadCtx, key, spool, size, r.uploadSink(ctx, crawl.ID, key, size, summary)); err != nil {
		os.RemoveAll(tempDir)
		return r.fail(ctx, crawl.ID, err)
	}

	errMsg := ""
	if status == models.CrawlStatusTimedOut {
		errMsg = "crawl exceeded the maximum duration"
	}
	if err := r.store.Crawls().MarkCompleted(ctx, crawl.ID, status, key, size, errMsg); err != nil {
		return err
	}
	emitLog(models.LogLevelInfo, fmt.Sprintf("Archive uploaded to %s (%d bytes)", key, size), "")
	if status == models.CrawlStatusTimedOut {
		emitLog(models.LogLevelWarn, "Partial results saved (timed out)", "")
	}

	if err := r.pruner.Prune(ctx, site); err != nil {
		r.logger.Warn().Str("site", site.ID).Err(err).Msg("Archive retention prune failed")
	}
	os.RemoveAll(tempDir)
	return nil
}

// fail settles the crawl row as failed and propagates the error so the
// queue job is failed too
func (r *runner) fail(ctx context.Context, crawlID string, cause error) error {
	r.publish(ctx, crawlID, models.NewLogEvent(models.LogLevelError, cause.Error(), ""))
	if err := r.store.Crawls().MarkCompleted(ctx, crawlID,
		models.CrawlStatusFailed, "", 0, cause.Error()); err != nil {
		r.logger.Error().Str("crawl", crawlID).Err(err).Msg("Failed to settle crawl row")
	}
	return cause
}

// logSink publishes every line to the event bus and persists everything
// above debug
func (r *runner) logSink(ctx context.Context, crawlID string) func(models.LogLevel, string, string) {
	return func(level models.LogLevel, message, url string) {
		r.publish(ctx, crawlID, models.NewLogEvent(level, message, url))
		if level == models.LogLevelDebug {
			return
		}
		entry := &models.CrawlLogEntry{
			CrawlID: crawlID,
			Level:   level,
			Message: message,
			URL:     url,
		}
		if err := r.store.CrawlLogs().Append(ctx, entry); err != nil {
			r.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Failed to persist crawl log line")
		}
	}
}

// progressSink publishes every tick and persists at most one row update
// per persist interval, plus always the final tick
func (r *runner) progressSink(crawlID string) func(context.Context, crawler.Progress) error {
	var mu sync.Mutex
	var lastPersist time.Time
	return func(ctx context.Context, p crawler.Progress) error {
		r.publish(ctx, crawlID, models.NewProgressEvent(p.Total, p.Succeeded, p.Failed, p.CurrentURL))

		final := p.CurrentURL == ""
		mu.Lock()
		due := final || time.Since(lastPersist) >= r.cfg.Crawler.ProgressPersistInterval
		if due {
			lastPersist = time.Now()
		}
		mu.Unlock()
		if !due {
			return nil
		}
		if err := r.store.Crawls().UpdateProgress(ctx, crawlID, p.Total, p.Succeeded, p.Failed); err != nil {
			r.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Failed to persist crawl progress")
		}
		return nil
	}
}

// uploadSink publishes byte-level upload progress and throttles row
// updates to one per second
func (r *runner) uploadSink(ctx context.Context, crawlID, key string, size int64, summary *crawler.Summary) interfaces.PutProgressFunc {
	var mu sync.Mutex
	var lastPersist time.Time
	return func(uploaded int64) {
		percent := 100.0
		if size > 0 {
			percent = float64(uploaded) / float64(size) * 100
		}
		filesUploaded := 0
		if uploaded >= size {
			filesUploaded = 1
		}
		r.publish(ctx, crawlID, models.CrawlEvent{
			Type:      models.EventTypeProgress,
			Total:     summary.Total,
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
			Phase:     models.PhaseUploading,
			Upload: &models.UploadProgress{
				TotalBytes:    size,
				UploadedBytes: uploaded,
				FilesTotal:    1,
				FilesUploaded: filesUploaded,
				CurrentFile:   key,
				Percent:       percent,
			},
		})

		mu.Lock()
		due := uploaded >= size || time.Since(lastPersist) >= time.Second
		if due {
			lastPersist = time.Now()
		}
		mu.Unlock()
		if !due {
			return
		}
		if err := r.store.Crawls().UpdateUploadProgress(ctx, crawlID, size, uploaded, key); err != nil {
			r.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Failed to persist upload progress")
		}
	}
}

// mergedBlocklist joins the global setting with the site's own list
func (r *runner) mergedBlocklist(ctx context.Context, site *models.Site, emitLog func(models.LogLevel, string, string)) []string {
	seen := make(map[string]bool, len(site.DownloadBlocklist))
	merged := make([]string, 0, len(site.DownloadBlocklist))
	add := func(entries []string) {
		for _, e := range entries {
			if e != "" && !seen[e] {
				seen[e] = true
				merged = append(merged, e)
			}
		}
	}
	add(site.DownloadBlocklist)

	setting, err := r.store.Settings().Get(ctx, models.SettingDownloadBlocklist)
	if err != nil {
		if !errors.Is(err, postgres.ErrNotFound) {
			emitLog(models.LogLevelWarn, fmt.Sprintf("Failed to load global download blocklist: %v", err), "")
		}
		return merged
	}
	var global []string
	if err := json.Unmarshal([]byte(setting.Value), &global); err != nil {
		emitLog(models.LogLevelWarn, fmt.Sprintf("Global download blocklist is not a JSON array: %v", err), "")
		return merged
	}
	add(global)
	return merged
}

func (r *runner) publish(ctx context.Context, crawlID string, event models.CrawlEvent) {
	if err := r.bus.Publish(ctx, crawlID, event); err != nil {
		r.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Failed to publish crawl event")
	}
}
