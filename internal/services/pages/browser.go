package pages

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/services/assets"
)

const (
	navTimeout        = 30 * time.Second
	selectorTimeout   = 5 * time.Second
	networkIdleWindow = 500 * time.Millisecond
	networkIdleMax    = 8 * time.Second

	// Selectors that indicate the app shell has mounted
	contentSelector = "main,[data-wf-page],.w-nav,article,#root"

	chunkDiscoveryJS = `(() => {
	const refs = new Set();
	const chunkRe = /\.chunk\.[0-9a-f]+\.js/;
	document.querySelectorAll('script[src]').forEach(s => {
		const src = s.getAttribute('src');
		if (src && chunkRe.test(src)) refs.add(src);
	});
	document.querySelectorAll('link[rel="preload"],link[rel="prefetch"]').forEach(l => {
		const href = l.getAttribute('href');
		if (href && chunkRe.test(href)) refs.add(href);
	});
	if (typeof __webpack_require__ === 'function' && typeof __webpack_require__.u === 'function') {
		for (let i = 0; i < 100; i++) {
			try {
				const u = __webpack_require__.u(i);
				if (u && typeof u === 'string') refs.add(u);
			} catch (e) {}
		}
	}
	for (const key of Object.getOwnPropertyNames(self)) {
		if (!key.startsWith('webpackChunk') && !key.startsWith('rspackChunk')) continue;
		try {
			const registry = self[key];
			if (!Array.isArray(registry)) continue;
			for (const entry of registry) {
				if (Array.isArray(entry) && Array.isArray(entry[0])) {
					for (const id of entry[0]) refs.add(String(id));
				}
			}
		} catch (e) {}
	}
	const inlineRes = [
		/[\w@./-]+\.chunk\.[0-9a-f]+\.js/g,
		/[\w@./-]+\.achunk\.[0-9a-f]+\.js/g,
		/\/js\/[\w.-]+\.js/g,
	];
	document.querySelectorAll('script:not([src])').forEach(s => {
		const text = s.textContent || '';
		for (const re of inlineRes) {
			let m;
			while ((m = re.exec(text))) refs.add(m[0]);
		}
	});
	return Array.from(refs);
})()`
)

// scrollJS walks the page in viewport steps so lazy loaders fire
const scrollJS = `(async () => {
	const step = window.innerHeight * %d;
	const height = document.body ? document.body.scrollHeight : 0;
	for (let y = 0; y <= height; y += step) {
		window.scrollTo(0, y);
		await new Promise(r => setTimeout(r, 100));
	}
	window.scrollTo(0, 0);
})()`

// hoverJS dispatches mouseover on interactive elements to trigger
// hover-gated chunk loads
const hoverJS = `(() => {
	const targets = document.querySelectorAll('a,button,[role="button"],[onmouseover]');
	let count = 0;
	for (const el of targets) {
		if (count >= %d) break;
		el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true}));
		count++;
	}
	return count;
})()`

// RenderResult is what one browser-rendered page yields
type RenderResult struct {
	HTML string
	// AssetURLs maps absolute same-origin asset URLs to their category
	AssetURLs map[string]string
}

// Browser owns one headless Chrome instance shared by all page tasks of a
// single crawl. Each RenderPage call opens and closes its own tab.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	userAgent     string
	logger        arbor.ILogger
}

// NewBrowser launches headless Chrome with the crawler settings
func NewBrowser(ctx context.Context, cfg common.CrawlerConfig) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser process up front so failures surface here
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		userAgent:     cfg.UserAgent,
		logger:        common.GetLogger().WithPrefix("browser"),
	}, nil
}

func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
}

// RenderPage renders one URL in a fresh tab, runs the chunk-discovery
// triggers, and returns the final serialized DOM plus every same-origin
// asset response observed. sitemapOnly scales the triggers down for
// crawls that only archive sitemap URLs.
func (b *Browser) RenderPage(ctx context.Context, pageURL string, sitemapOnly bool) (*RenderResult, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %s: %w", pageURL, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()

	// Bound the whole render by the caller's context
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	result := &RenderResult{AssetURLs: make(map[string]string)}
	var mu sync.Mutex
	var inflight int64
	recordAsset := func(rawURL string) {
		category := assetCategoryFor(parsed, rawURL)
		if category == "" {
			return
		}
		mu.Lock()
		result.AssetURLs[rawURL] = category
		mu.Unlock()
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt64(&inflight, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			atomic.AddInt64(&inflight, -1)
		case *network.EventResponseReceived:
			if e.Response.Status >= 200 && e.Response.Status < 300 {
				recordAsset(e.Response.URL)
			}
		}
	})

	if err := b.navigate(tabCtx, pageURL); err != nil {
		return nil, err
	}

	b.waitForContent(tabCtx, &inflight)
	chromedp.Run(tabCtx, chromedp.Sleep(500*time.Millisecond))

	b.runChunkTriggers(tabCtx, parsed, result, &mu, sitemapOnly)

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", pageURL, err)
	}
	result.HTML = html
	return result, nil
}

// navigate loads the page with a 30s budget, retrying once on timeout
func (b *Browser) navigate(tabCtx context.Context, pageURL string) error {
	navCtx, cancel := context.WithTimeout(tabCtx, navTimeout)
	err := chromedp.Run(navCtx, network.Enable(), chromedp.Navigate(pageURL))
	cancel()
	if err == nil {
		return nil
	}
	if navCtx.Err() == nil {
		return fmt.Errorf("failed to navigate to %s: %w", pageURL, err)
	}

	b.logger.Warn().Str("url", pageURL).Msg("Navigation timed out, retrying with full load wait")
	retryCtx, cancel := context.WithTimeout(tabCtx, navTimeout)
	defer cancel()
	if err := chromedp.Run(retryCtx, chromedp.Navigate(pageURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s after retry: %w", pageURL, err)
	}
	return nil
}

// waitForContent races the content selector against network idle; either
// outcome proceeds, both timing out proceeds too
func (b *Browser) waitForContent(tabCtx context.Context, inflight *int64) {
	done := make(chan struct{}, 2)

	selCtx, selCancel := context.WithTimeout(tabCtx, selectorTimeout)
	defer selCancel()
	go func() {
		chromedp.Run(selCtx, chromedp.WaitReady(contentSelector, chromedp.ByQuery))
		done <- struct{}{}
	}()

	idleCtx, idleCancel := context.WithTimeout(tabCtx, networkIdleMax)
	defer idleCancel()
	go func() {
		defer func() { done <- struct{}{} }()
		var idleSince time.Time
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-idleCtx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt64(inflight) <= 0 {
					if idleSince.IsZero() {
						idleSince = time.Now()
					} else if time.Since(idleSince) >= networkIdleWindow {
						return
					}
				} else {
					idleSince = time.Time{}
				}
			}
		}
	}()

	select {
	case <-done:
	case <-tabCtx.Done():
	}
}

func (b *Browser) runChunkTriggers(tabCtx context.Context, pageURL *url.URL, result *RenderResult, mu *sync.Mutex, sitemapOnly bool) {
	var refs []string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(chunkDiscoveryJS, &refs)); err != nil {
		b.logger.Debug().Str("url", pageURL.String()).Err(err).Msg("Chunk discovery failed")
	}
	for _, ref := range refs {
		abs := resolveRef(pageURL, ref)
		if abs == "" {
			continue
		}
		if resolved, err := url.Parse(abs); err == nil && common.SameOrigin(pageURL, resolved) {
			mu.Lock()
			result.AssetURLs[abs] = assets.CategoryJS
			mu.Unlock()
		}
	}

	scrollMult, hoverMax, settle := 1, 20, 500*time.Millisecond
	if sitemapOnly {
		scrollMult, hoverMax, settle = 2, 10, 200*time.Millisecond
	}

	chromedp.Run(tabCtx,
		chromedp.Evaluate(fmt.Sprintf(scrollJS, scrollMult), nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	var hovered int
	chromedp.Run(tabCtx, chromedp.Evaluate(fmt.Sprintf(hoverJS, hoverMax), &hovered))
	chromedp.Run(tabCtx, chromedp.Sleep(settle))
}

// assetCategoryFor classifies a response URL; "" means not an asset we
// capture (cross-origin, page HTML, data/blob schemes)
func assetCategoryFor(pageURL *url.URL, rawURL string) string {
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ""
	}
	if !common.SameOrigin(pageURL, parsed) {
		return ""
	}
	switch strings.ToLower(path.Ext(parsed.Path)) {
	case ".js", ".mjs":
		return assets.CategoryJS
	case ".css":
		return assets.CategoryCSS
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico", ".bmp":
		return assets.CategoryImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return assets.CategoryFont
	case ".mp4", ".webm", ".mp3", ".ogg", ".wav":
		return assets.CategoryMedia
	}
	return ""
}
