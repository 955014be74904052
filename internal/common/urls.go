package common

import (
	"net/url"
	"path"
	"strings"
)

// assetExtensions are file extensions that identify non-page resources.
// Anchor hrefs pointing at these are never scheduled as pages.
var assetExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".avif": true, ".ico": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp4": true, ".webm": true, ".mov": true, ".avi": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true,
	".pdf": true, ".zip": true, ".rar": true, ".7z": true, ".gz": true,
	".tar": true, ".exe": true, ".dmg": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".csv": true,
	".xml": true, ".json": true, ".txt": true,
}

// NormalizeURL canonicalizes a URL for frontier deduplication: lowercase
// scheme and host, fragment dropped, trailing slash dropped (except root).
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path != "/" && strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String(), nil
}

// SameOrigin reports whether two URLs share scheme and host
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// IsAssetURL reports whether the URL path ends in a known asset extension
func IsAssetURL(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	// .html/.htm are pages
	if ext == ".html" || ext == ".htm" {
		return false
	}
	return assetExtensions[ext]
}

// IsCrawlableScheme reports whether the URL scheme is eligible for crawling
func IsCrawlableScheme(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

// IsSkippableHref reports whether an anchor href should never be followed
func IsSkippableHref(href string) bool {
	return strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "data:") ||
		strings.HasPrefix(href, "#")
}

// PageOutputPath maps a page URL to its path inside the archive tree.
// "/" becomes index.html, "/about" becomes about/index.html, and a path
// that already carries an .html extension is kept as-is.
func PageOutputPath(u *url.URL) string {
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return "index.html"
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == ".html" || ext == ".htm" {
		return p
	}
	return p + "/index.html"
}
