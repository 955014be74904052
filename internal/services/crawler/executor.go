package crawler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/services/pages"
)

// PageProcessor is the per-page pipeline the executor drives
type PageProcessor interface {
	Process(ctx context.Context, pageURL string) (*pages.Result, error)
}

// Progress is one progress tick; CurrentURL is empty on the final tick
type Progress struct {
	Total      int
	Succeeded  int
	Failed     int
	CurrentURL string
}

// Callbacks are the executor's reporting surface. OnProgress is awaited
// at every page boundary; ShouldAbort is polled at iteration boundaries.
type Callbacks struct {
	OnProgress  func(ctx context.Context, p Progress) error
	OnLog       func(level models.LogLevel, message, url string)
	ShouldAbort func(ctx context.Context) bool
}

// Options configures one crawl execution
type Options struct {
	BaseURL         *url.URL
	Concurrency     int
	MaxPages        int
	ExcludePatterns []*regexp.Regexp
	Redirects       map[string]string // old path or URL to its replacement
	OutputDir       string
	Resume          bool
	SitemapOnly     bool
	PageMaxRetries  int
	PageRetryDelay  time.Duration
}

// Summary is the crawl outcome
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Executor runs the bounded-worker crawl over a site's frontier
type Executor struct {
	opts      Options
	processor PageProcessor
	seeder    *Seeder
	callbacks Callbacks
	state     *StateWriter
	redirects map[string]string // normalized URL to normalized URL
	logger    arbor.ILogger

	counterMu sync.Mutex
	succeeded int
	failed    int
}

func NewExecutor(opts Options, processor PageProcessor, seeder *Seeder, callbacks Callbacks) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if callbacks.OnProgress == nil {
		callbacks.OnProgress = func(context.Context, Progress) error { return nil }
	}
	if callbacks.OnLog == nil {
		callbacks.OnLog = func(models.LogLevel, string, string) {}
	}
	if callbacks.ShouldAbort == nil {
		callbacks.ShouldAbort = func(context.Context) bool { return false }
	}
	return &Executor{
		opts:      opts,
		processor: processor,
		seeder:    seeder,
		callbacks: callbacks,
		redirects: normalizeRedirects(opts.BaseURL, opts.Redirects),
		logger:    common.GetLogger().WithPrefix("executor"),
	}
}

// normalizeRedirects resolves both sides of the redirect table against the
// site base so lookups work on normalized frontier URLs. Entries that do
// not parse are dropped.
func normalizeRedirects(base *url.URL, redirects map[string]string) map[string]string {
	if base == nil || len(redirects) == 0 {
		return nil
	}
	out := make(map[string]string, len(redirects))
	for from, to := range redirects {
		nfrom, err := resolveAndNormalize(base, from)
		if err != nil {
			continue
		}
		nto, err := resolveAndNormalize(base, to)
		if err != nil {
			continue
		}
		if nfrom != nto {
			out[nfrom] = nto
		}
	}
	return out
}

func resolveAndNormalize(base *url.URL, raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return common.NormalizeURL(base.ResolveReference(ref).String())
}

// canonical maps a normalized URL through the redirect table
func (e *Executor) canonical(normalized string) string {
	if target, ok := e.redirects[normalized]; ok {
		return target
	}
	return normalized
}

// Run crawls until the frontier drains, the page cap is hit, or
// cancellation fires. The final progress tick carries an empty CurrentURL.
func (e *Executor) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	e.callbacks.OnLog(models.LogLevelInfo, fmt.Sprintf("Starting crawl of %s", e.opts.BaseURL), "")

	f := newFrontier(e.opts.MaxPages)
	prior := e.applyResumeState(f)
	e.state = NewStateWriter(e.opts.OutputDir, prior)

	for _, seed := range e.seeder.Seed(ctx, e.opts.BaseURL) {
		seed = e.canonical(seed)
		if e.admissible(seed) {
			f.add(seed)
		}
	}

	// Cancellation watcher: ctx or the polled predicate closes the frontier
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				f.close()
				return
			case <-ticker.C:
				if e.callbacks.ShouldAbort(watchCtx) {
					f.close()
					return
				}
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Concurrency; i++ {
		g.Go(func() error {
			return e.worker(gctx, f)
		})
	}
	err := g.Wait()
	stopWatch()

	succeeded, failed := e.counters()
	summary := &Summary{
		Total:     f.discovered(),
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  time.Since(start),
	}

	// Final tick with CurrentURL unset
	if perr := e.callbacks.OnProgress(ctx, Progress{
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	}); perr != nil && err == nil {
		err = perr
	}

	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// applyResumeState marks previously-finished URLs so they are skipped
func (e *Executor) applyResumeState(f *frontier) *CrawlState {
	if !e.opts.Resume {
		return nil
	}
	state, err := LoadState(e.opts.OutputDir)
	if err != nil || state == nil {
		return nil
	}
	for _, u := range state.Succeeded {
		f.markSeen(u)
	}
	for _, u := range state.Failed {
		f.markSeen(u)
	}
	e.callbacks.OnLog(models.LogLevelInfo, fmt.Sprintf(
		"Resuming: %d succeeded and %d failed from previous attempt will be skipped",
		len(state.Succeeded), len(state.Failed)), "")
	return state
}

func (e *Executor) worker(ctx context.Context, f *frontier) error {
	for {
		if ctx.Err() != nil || e.callbacks.ShouldAbort(ctx) {
			return nil
		}
		pageURL, ok := f.next()
		if !ok {
			return nil
		}

		result, err := e.processPage(ctx, pageURL)

		if err != nil {
			e.counterMu.Lock()
			e.failed++
			e.counterMu.Unlock()
			if serr := e.state.AddFailed(pageURL); serr != nil {
				e.logger.Warn().Str("url", pageURL).Err(serr).Msg("Failed to persist crawl state")
			}
			e.callbacks.OnLog(models.LogLevelWarn, fmt.Sprintf("Page failed: %v", err), pageURL)
		} else {
			e.counterMu.Lock()
			e.succeeded++
			e.counterMu.Unlock()
			if serr := e.state.AddSucceeded(pageURL); serr != nil {
				e.logger.Warn().Str("url", pageURL).Err(serr).Msg("Failed to persist crawl state")
			}
			if !e.opts.SitemapOnly {
				for _, link := range e.extractLinks(result.HTML, pageURL) {
					f.add(link)
				}
			}
		}

		succeeded, failed := e.counters()
		perr := e.callbacks.OnProgress(ctx, Progress{
			Total:      f.discovered(),
			Succeeded:  succeeded,
			Failed:     failed,
			CurrentURL: pageURL,
		})
		f.done()
		if perr != nil {
			f.close()
			return perr
		}
	}
}

// processPage runs the page processor with the per-page retry budget.
// The delay grows linearly with the attempt number.
func (e *Executor) processPage(ctx context.Context, pageURL string) (*pages.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.PageMaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.opts.PageRetryDelay * time.Duration(attempt)
			e.callbacks.OnLog(models.LogLevelDebug,
				fmt.Sprintf("Retrying page (attempt %d/%d) after %s", attempt+1, e.opts.PageMaxRetries+1, delay), pageURL)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result, err := e.processor.Process(ctx, pageURL)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || e.callbacks.ShouldAbort(ctx) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// extractLinks pulls same-origin page links out of a document
func (e *Executor) extractLinks(html, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || common.IsSkippableHref(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		normalized, err := common.NormalizeURL(resolved.String())
		if err != nil {
			return
		}
		normalized = e.canonical(normalized)
		if e.admissible(normalized) {
			links = append(links, normalized)
		}
	})
	return links
}

// admissible applies the origin, scheme, asset-extension and exclusion
// filters to a normalized URL
func (e *Executor) admissible(normalized string) bool {
	parsed, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	if !common.IsCrawlableScheme(parsed) || !common.SameOrigin(e.opts.BaseURL, parsed) {
		return false
	}
	if common.IsAssetURL(parsed) {
		return false
	}
	target := parsed.Path
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	for _, re := range e.opts.ExcludePatterns {
		if re.MatchString(target) || re.MatchString(normalized) {
			return false
		}
	}
	return true
}

func (e *Executor) counters() (int, int) {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()
	return e.succeeded, e.failed
}
