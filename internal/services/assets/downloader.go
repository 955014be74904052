package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/sitevault/internal/common"
)

const (
	downloadTimeout = 10 * time.Second
	maxAssetBytes   = 100 * 1024 * 1024
)

// Asset categories; each maps to a directory at the crawl output root
const (
	CategoryJS    = "js"
	CategoryCSS   = "css"
	CategoryImage = "image"
	CategoryFont  = "font"
	CategoryMedia = "media"
)

// ErrBlocked marks an asset the blocklist excluded. Callers leave the
// original reference in place instead of rewriting.
var ErrBlocked = errors.New("assets: url is blocklisted")

// categoryDir maps a category to its output directory name
func categoryDir(category string) string {
	switch category {
	case CategoryImage:
		return "images"
	case CategoryFont:
		return "fonts"
	case CategoryJS, CategoryCSS, CategoryMedia:
		return category
	default:
		return "media"
	}
}

// Downloader fetches page assets into a crawl's working directory. Each
// asset URL is downloaded at most once per crawl; concurrent page workers
// share the dedupe map.
type Downloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	outputDir string
	blocklist []string
	logger    arbor.ILogger

	mu   sync.Mutex
	seen map[string]*assetResult
}

type assetResult struct {
	done    chan struct{}
	relPath string
	err     error
}

// Options configures a per-crawl downloader
type Options struct {
	OutputDir string
	UserAgent string
	Blocklist []string
	// RequestsPerSecond limits asset fetch rate; 0 disables limiting
	RequestsPerSecond float64
}

func NewDownloader(opts Options) *Downloader {
	ua := opts.UserAgent
	if ua == "" {
		ua = common.DefaultUserAgent
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	return &Downloader{
		client:    &http.Client{Timeout: downloadTimeout},
		limiter:   limiter,
		userAgent: ua,
		outputDir: opts.OutputDir,
		blocklist: opts.Blocklist,
		logger:    common.GetLogger().WithPrefix("assets"),
		seen:      make(map[string]*assetResult),
	}
}

// Blocked reports whether an asset URL matches the merged blocklist. An
// entry ending in '*' matches as a prefix, otherwise it must match exactly.
func (d *Downloader) Blocked(rawURL string) bool {
	for _, entry := range d.blocklist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(rawURL, strings.TrimSuffix(entry, "*")) {
				return true
			}
		} else if rawURL == entry {
			return true
		}
	}
	return false
}

// Download fetches one asset and returns its path relative to the crawl
// root, e.g. "js/3fa4b2c19e07d5a1.js". Repeat calls for the same URL
// return the first result; callers racing on a URL wait for the in-flight
// download. An empty category is inferred from the URL and response type.
func (d *Downloader) Download(ctx context.Context, rawURL, category string) (string, error) {
	normalized, err := common.NormalizeURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid asset URL %s: %w", rawURL, err)
	}

	d.mu.Lock()
	if res, ok := d.seen[normalized]; ok {
		d.mu.Unlock()
		select {
		case <-res.done:
			return res.relPath, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	res := &assetResult{done: make(chan struct{})}
	d.seen[normalized] = res
	d.mu.Unlock()

	res.relPath, res.err = d.fetch(ctx, rawURL, normalized, category)
	close(res.done)
	return res.relPath, res.err
}

func (d *Downloader) fetch(ctx context.Context, rawURL, normalized, category string) (string, error) {
	if d.Blocked(rawURL) {
		return "", fmt.Errorf("%w: %s", ErrBlocked, rawURL)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid asset URL %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch asset %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("asset %s returned status %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extensionFor(rawURL, contentType)
	if category == "" {
		category = inferCategory(ext, contentType)
	}

	sum := sha256.Sum256([]byte(normalized))
	relPath := path.Join(categoryDir(category), hex.EncodeToString(sum[:8])+ext)

	fullPath := filepath.Join(d.outputDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create asset file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxAssetBytes)); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to save asset %s: %w", rawURL, err)
	}

	d.logger.Debug().Str("url", rawURL).Str("path", relPath).Msg("Asset downloaded")
	return relPath, nil
}

func extensionFor(rawURL, contentType string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(parsed.Path)); ext != "" && len(ext) <= 8 {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

func inferCategory(ext, contentType string) string {
	switch ext {
	case ".js", ".mjs":
		return CategoryJS
	case ".css":
		return CategoryCSS
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico", ".bmp":
		return CategoryImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return CategoryFont
	case ".mp4", ".webm", ".mp3", ".ogg", ".wav", ".pdf":
		return CategoryMedia
	}
	switch {
	case strings.Contains(contentType, "javascript"):
		return CategoryJS
	case strings.Contains(contentType, "css"):
		return CategoryCSS
	case strings.HasPrefix(contentType, "image/"):
		return CategoryImage
	case strings.HasPrefix(contentType, "font/"), strings.Contains(contentType, "font"):
		return CategoryFont
	}
	return CategoryMedia
}
