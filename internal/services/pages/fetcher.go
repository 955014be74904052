package pages

import "context"

// Fetcher is the asset-downloader contract the rewrite pipeline needs.
// Implemented by assets.Downloader.
type Fetcher interface {
	// Download fetches a URL into the crawl output tree and returns the
	// crawl-relative path, e.g. "images/3fa4b2c19e07d5a1.png"
	Download(ctx context.Context, rawURL, category string) (string, error)
}
