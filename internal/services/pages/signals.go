package pages

import (
	"regexp"
	"strings"
)

// Signal names evidence in raw HTML that a page needs dynamic rendering
type Signal string

const (
	SignalChunkRuntime   Signal = "chunk-runtime"
	SignalWebpackRequire Signal = "webpack-require"
	SignalDynamicImport  Signal = "dynamic-import"
	SignalLazyMedia      Signal = "lazy-media"
	SignalCodeIsland     Signal = "code-island"
)

var (
	chunkAssignRe   = regexp.MustCompile(`(?:webpackChunk|rspackChunk)\w*\s*=`)
	inlineScriptRe  = regexp.MustCompile(`(?is)<script\b([^>]*)>(.*?)</script>`)
	scriptSrcRe     = regexp.MustCompile(`(?i)\bsrc\s*=`)
	dynamicImportRe = regexp.MustCompile(`\bimport\s*\(`)
	lazyMediaRe     = regexp.MustCompile(`(?i)\bdata-(?:src|srcset|bg)\s*=`)
)

// ScanSignals inspects raw HTML for dynamic-content markers. The scan is
// textual; it runs before any DOM parse so the static path stays cheap.
func ScanSignals(html string) []Signal {
	var signals []Signal

	if chunkAssignRe.MatchString(html) {
		signals = append(signals, SignalChunkRuntime)
	}
	if strings.Contains(html, "__webpack_require__") {
		signals = append(signals, SignalWebpackRequire)
	}
	if hasInlineDynamicImport(html) {
		signals = append(signals, SignalDynamicImport)
	}
	if lazyMediaRe.MatchString(html) {
		signals = append(signals, SignalLazyMedia)
	}
	if strings.Contains(html, "<code-island") {
		signals = append(signals, SignalCodeIsland)
	}
	return signals
}

// hasInlineDynamicImport looks for dynamic import() calls inside inline
// script blocks only; a src attribute on the script tag disqualifies it
func hasInlineDynamicImport(html string) bool {
	for _, match := range inlineScriptRe.FindAllStringSubmatch(html, -1) {
		attrs, body := match[1], match[2]
		if scriptSrcRe.MatchString(attrs) {
			continue
		}
		if dynamicImportRe.MatchString(body) {
			return true
		}
	}
	return false
}

// NeedsBrowser decides the rendering path. Any signal other than a lone
// code-island forces the browser; islands alone stay static so the
// original mount roots survive untouched.
func NeedsBrowser(signals []Signal) bool {
	for _, s := range signals {
		if s != SignalCodeIsland {
			return true
		}
	}
	return false
}
