package pages

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

var cssURLRe = regexp.MustCompile(`url\(\s*(['"]?)([^'")\s]+)['"]?\s*\)`)

// localPrefixes identify references the pipeline has already rewritten;
// rewriting twice must be a no-op
var localPrefixes = []string{"/js/", "/css/", "/images/", "/fonts/", "/media/", "/code-components/"}

func isLocalRef(ref string) bool {
	for _, p := range localPrefixes {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}
	return false
}

func isSkippableRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	lower := strings.ToLower(ref)
	for _, p := range []string{"data:", "blob:", "javascript:", "mailto:", "tel:", "about:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return isLocalRef(ref)
}

// resolveRef makes ref absolute against base; returns "" when the result
// is not an http(s) URL
func resolveRef(base *url.URL, ref string) string {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// RewriteCSSURLs downloads every url(...) reference in a CSS fragment and
// rewrites it to the local path. Unresolvable or blocked references are
// left as written.
func RewriteCSSURLs(ctx context.Context, base *url.URL, css string, fetch Fetcher) string {
	return cssURLRe.ReplaceAllStringFunc(css, func(match string) string {
		groups := cssURLRe.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		quote, ref := groups[1], groups[2]
		if isSkippableRef(ref) {
			return match
		}
		abs := resolveRef(base, ref)
		if abs == "" {
			return match
		}
		rel, err := fetch.Download(ctx, abs, "")
		if err != nil {
			return match
		}
		return "url(" + quote + "/" + rel + quote + ")"
	})
}
