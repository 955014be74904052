package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanSignals(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []Signal
	}{
		{
			name: "plain static page",
			html: `<html><body><p>hello</p><script src="/js/app.js"></script></body></html>`,
			want: nil,
		},
		{
			name: "webpack chunk runtime",
			html: `<script>self.webpackChunkmy_app = self.webpackChunkmy_app || [];</script>`,
			want: []Signal{SignalChunkRuntime},
		},
		{
			name: "rspack chunk runtime",
			html: `<script>self.rspackChunkapp=self.rspackChunkapp||[]</script>`,
			want: []Signal{SignalChunkRuntime},
		},
		{
			name: "webpack require reference",
			html: `<script>__webpack_require__.e(42)</script>`,
			want: []Signal{SignalWebpackRequire},
		},
		{
			name: "dynamic import in inline script",
			html: `<script>import("/js/lazy.js").then(m => m.init())</script>`,
			want: []Signal{SignalDynamicImport},
		},
		{
			name: "import inside src script does not count",
			html: `<script src="/js/import (weird).js"></script>`,
			want: nil,
		},
		{
			name: "lazy media attributes",
			html: `<img data-src="/img/hero.jpg" alt="">`,
			want: []Signal{SignalLazyMedia},
		},
		{
			name: "data-bg attribute",
			html: `<div data-bg="/img/bg.jpg"></div>`,
			want: []Signal{SignalLazyMedia},
		},
		{
			name: "code island",
			html: `<code-island data-loader='{"tag":"FEDERATION"}'></code-island>`,
			want: []Signal{SignalCodeIsland},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanSignals(tt.html))
		})
	}
}

func TestNeedsBrowser(t *testing.T) {
	assert.False(t, NeedsBrowser(nil))
	assert.False(t, NeedsBrowser([]Signal{SignalCodeIsland}), "lone code-island stays static")
	assert.True(t, NeedsBrowser([]Signal{SignalChunkRuntime}))
	assert.True(t, NeedsBrowser([]Signal{SignalCodeIsland, SignalLazyMedia}))
	assert.True(t, NeedsBrowser([]Signal{SignalWebpackRequire, SignalDynamicImport}))
}
