package pages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/models"
)

const staticFetchTimeout = 10 * time.Second

// Renderer is the browser path the processor falls back to. Implemented
// by Browser; a LazyBrowser defers Chrome startup until first use.
type Renderer interface {
	RenderPage(ctx context.Context, pageURL string, sitemapOnly bool) (*RenderResult, error)
}

// LogFunc receives processor log lines destined for the crawl event bus
type LogFunc func(level models.LogLevel, message, url string)

// ProcessorOptions configures a per-crawl page processor
type ProcessorOptions struct {
	OutputDir   string
	UserAgent   string
	RemoveBadge bool
	SitemapOnly bool
	Fetcher     Fetcher
	Renderer    Renderer
	Islands     *IslandMirror
	Log         LogFunc
}

// Result is one processed page: the original HTML for link discovery and
// the rewritten file on disk
type Result struct {
	HTML        string
	OutputFile  string
	UsedBrowser bool
}

// staticOutcome is the static path's verdict: either it produced usable
// HTML or the page needs the browser
type staticOutcome struct {
	html     string
	fallback bool
	reason   string
}

// Processor turns one URL into a rewritten HTML file plus discovered
// links. Static fetch first; headless browser only when the raw HTML
// shows dynamic-content signals or the fetch fails.
type Processor struct {
	client   *http.Client
	opts     ProcessorOptions
	logger   arbor.ILogger
	writeMu  sync.Mutex
}

func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.UserAgent == "" {
		opts.UserAgent = common.DefaultUserAgent
	}
	if opts.Log == nil {
		opts.Log = func(models.LogLevel, string, string) {}
	}
	return &Processor{
		client: &http.Client{Timeout: staticFetchTimeout},
		opts:   opts,
		logger: common.GetLogger().WithPrefix("pages"),
	}
}

// Process archives one page. The returned HTML is the pre-rewrite
// document, used by the executor for link discovery.
func (p *Processor) Process(ctx context.Context, pageURL string) (*Result, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %s: %w", pageURL, err)
	}

	outcome, err := p.tryStatic(ctx, pageURL)
	if err == nil && !outcome.fallback {
		rewritten, rerr := p.rewrite(ctx, parsed, outcome.html)
		if rerr != nil {
			return nil, rerr
		}
		file, werr := p.writePage(parsed, rewritten)
		if werr != nil {
			return nil, werr
		}
		return &Result{HTML: outcome.html, OutputFile: file, UsedBrowser: false}, nil
	}

	if err != nil {
		p.opts.Log(models.LogLevelDebug, fmt.Sprintf("Static fetch failed (%v), using browser", err), pageURL)
	} else {
		p.opts.Log(models.LogLevelDebug, fmt.Sprintf("Dynamic content detected (%s), using browser", outcome.reason), pageURL)
	}
	return p.processWithBrowser(ctx, parsed, pageURL)
}

// tryStatic fetches the page over plain HTTP and decides whether the
// static pipeline can handle it
func (p *Processor) tryStatic(ctx context.Context, pageURL string) (staticOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return staticOutcome{}, fmt.Errorf("invalid request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return staticOutcome{}, fmt.Errorf("static fetch of %s failed: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return staticOutcome{}, fmt.Errorf("%s returned status %d", pageURL, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return staticOutcome{}, fmt.Errorf("%s returned non-HTML content type %q", pageURL, contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return staticOutcome{}, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	html := string(body)
	signals := ScanSignals(html)
	if NeedsBrowser(signals) {
		reasons := make([]string, len(signals))
		for i, s := range signals {
			reasons[i] = string(s)
		}
		return staticOutcome{fallback: true, reason: strings.Join(reasons, " ")}, nil
	}
	return staticOutcome{html: html}, nil
}

func (p *Processor) processWithBrowser(ctx context.Context, parsed *url.URL, pageURL string) (*Result, error) {
	if p.opts.Renderer == nil {
		return nil, fmt.Errorf("page %s needs browser rendering but no browser is available", pageURL)
	}

	rendered, err := p.opts.Renderer.RenderPage(ctx, pageURL, p.opts.SitemapOnly)
	if err != nil {
		return nil, fmt.Errorf("browser rendering of %s failed: %w", pageURL, err)
	}

	p.downloadRecordedAssets(ctx, rendered)

	rewritten, err := p.rewrite(ctx, parsed, rendered.HTML)
	if err != nil {
		return nil, err
	}
	file, err := p.writePage(parsed, rewritten)
	if err != nil {
		return nil, err
	}
	return &Result{HTML: rendered.HTML, OutputFile: file, UsedBrowser: true}, nil
}

// downloadRecordedAssets fetches every asset the browser observed.
// Failures are warnings; a missing chunk never fails the page.
func (p *Processor) downloadRecordedAssets(ctx context.Context, rendered *RenderResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for assetURL, category := range rendered.AssetURLs {
		assetURL, category := assetURL, category
		g.Go(func() error {
			if _, err := p.opts.Fetcher.Download(gctx, assetURL, category); err != nil {
				p.opts.Log(models.LogLevelWarn, fmt.Sprintf("Asset download failed: %v", err), assetURL)
			}
			return nil
		})
	}
	g.Wait()
}

func (p *Processor) rewrite(ctx context.Context, pageURL *url.URL, html string) (string, error) {
	return Rewrite(ctx, html, RewriteOptions{
		PageURL:     pageURL,
		RemoveBadge: p.opts.RemoveBadge,
		Fetcher:     p.opts.Fetcher,
		Islands:     p.opts.Islands,
	})
}

// writePage stores the rewritten document at its archive path
func (p *Processor) writePage(pageURL *url.URL, html string) (string, error) {
	rel := common.PageOutputPath(pageURL)
	full := filepath.Join(p.opts.OutputDir, filepath.FromSlash(rel))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create page directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("failed to write page %s: %w", rel, err)
	}
	return rel, nil
}

// LazyBrowser starts Chrome on first use so crawls of fully static sites
// never pay the browser startup cost
type LazyBrowser struct {
	cfg common.CrawlerConfig

	mu      sync.Mutex
	browser *Browser
	err     error
}

func NewLazyBrowser(cfg common.CrawlerConfig) *LazyBrowser {
	return &LazyBrowser{cfg: cfg}
}

func (l *LazyBrowser) RenderPage(ctx context.Context, pageURL string, sitemapOnly bool) (*RenderResult, error) {
	l.mu.Lock()
	if l.browser == nil && l.err == nil {
		l.browser, l.err = NewBrowser(context.Background(), l.cfg)
	}
	browser, err := l.browser, l.err
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return browser.RenderPage(ctx, pageURL, sitemapOnly)
}

func (l *LazyBrowser) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		l.browser.Close()
		l.browser = nil
	}
}
