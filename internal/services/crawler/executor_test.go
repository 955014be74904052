package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/services/pages"
)

// fakeProcessor serves canned HTML per URL path and records call counts
type fakeProcessor struct {
	mu    sync.Mutex
	html  map[string]string
	fail  map[string]bool
	calls map[string]int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		html:  map[string]string{},
		fail:  map[string]bool{},
		calls: map[string]int{},
	}
}

func (p *fakeProcessor) Process(_ context.Context, pageURL string) (*pages.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[pageURL]++
	if p.fail[pageURL] {
		return nil, errors.New("fetch failed")
	}
	return &pages.Result{HTML: p.html[pageURL]}, nil
}

func (p *fakeProcessor) callCount(pageURL string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[pageURL]
}

func newTestExecutor(t *testing.T, base string, proc PageProcessor, opts Options, cb Callbacks) *Executor {
	t.Helper()
	u := mustParse(t, base)
	opts.BaseURL = u
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return NewExecutor(opts, proc, NewSeeder(""), cb)
}

func TestExecutorCrawlsDiscoveredLinks(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = fmt.Sprintf(
		`<a href="/about">a</a> <a href="%s/pricing">b</a> <a href="mailto:x@y.z">m</a>`, srv.URL)
	proc.html[srv.URL+"/about"] = `<a href="/">home</a>`
	proc.html[srv.URL+"/pricing"] = ``

	e := newTestExecutor(t, srv.URL, proc, Options{}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, proc.callCount(srv.URL+"/"))
	assert.Equal(t, 1, proc.callCount(srv.URL+"/about"))
}

func TestExecutorSkipsExternalAndExcluded(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="https://elsewhere.example/page">x</a> <a href="/admin/panel">y</a> <a href="/ok">z</a>`
	proc.html[srv.URL+"/ok"] = ``

	e := newTestExecutor(t, srv.URL, proc, Options{
		ExcludePatterns: []*regexp.Regexp{regexp.MustCompile(`^/admin`)},
	}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, proc.callCount(srv.URL+"/admin/panel"))
	assert.Equal(t, 0, proc.callCount("https://elsewhere.example/page"))
}

func TestExecutorFollowsRedirectTable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="/old-blog">a</a> <a href="/about">b</a>`
	proc.html[srv.URL+"/blog"] = ``
	proc.html[srv.URL+"/about"] = ``

	e := newTestExecutor(t, srv.URL, proc, Options{
		Redirects: map[string]string{"/old-blog": "/blog"},
	}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	// The moved path is fetched at its replacement, never at the old URL
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, proc.callCount(srv.URL+"/blog"))
	assert.Equal(t, 0, proc.callCount(srv.URL+"/old-blog"))
}

func TestExecutorRedirectTargetDeduplicates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="/old-blog">a</a> <a href="/blog">b</a>`
	proc.html[srv.URL+"/blog"] = ``

	e := newTestExecutor(t, srv.URL, proc, Options{
		Concurrency: 1,
		Redirects:   map[string]string{"/old-blog": "/blog"},
	}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, proc.callCount(srv.URL+"/blog"))
}

func TestExecutorRetriesFailedPages(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.fail[srv.URL+"/"] = true

	e := newTestExecutor(t, srv.URL, proc, Options{
		PageMaxRetries: 2,
	}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, proc.callCount(srv.URL+"/"))
}

func TestExecutorMaxPagesCap(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	var links string
	for i := 0; i < 10; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
	}
	proc.html[srv.URL+"/"] = links

	e := newTestExecutor(t, srv.URL, proc, Options{MaxPages: 3, Concurrency: 1}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
}

func TestExecutorResumeSkipsFinishedPages(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	prior := NewStateWriter(dir, nil)
	require.NoError(t, prior.AddSucceeded(srv.URL+"/about"))
	require.NoError(t, prior.AddFailed(srv.URL+"/broken"))

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="/about">a</a> <a href="/broken">b</a> <a href="/new">c</a>`
	proc.html[srv.URL+"/new"] = ``

	var logs []string
	e := newTestExecutor(t, srv.URL, proc, Options{
		OutputDir: dir,
		Resume:    true,
	}, Callbacks{
		OnLog: func(_ models.LogLevel, message, _ string) {
			logs = append(logs, message)
		},
	})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, proc.callCount(srv.URL+"/about"))
	assert.Equal(t, 0, proc.callCount(srv.URL+"/broken"))
	assert.Equal(t, 1, proc.callCount(srv.URL+"/new"))
	assert.Contains(t, logs, "Resuming: 1 succeeded and 1 failed from previous attempt will be skipped")
}

func TestExecutorSitemapOnlySkipsLinkExtraction(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/about</loc></url></urlset>`, base)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="/hidden">h</a>`
	proc.html[srv.URL+"/about"] = `<a href="/hidden">h</a>`

	e := newTestExecutor(t, srv.URL, proc, Options{SitemapOnly: true}, Callbacks{})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, proc.callCount(srv.URL+"/hidden"))
}

func TestExecutorFinalProgressHasNoCurrentURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = ``

	var mu sync.Mutex
	var ticks []Progress
	e := newTestExecutor(t, srv.URL, proc, Options{}, Callbacks{
		OnProgress: func(_ context.Context, p Progress) error {
			mu.Lock()
			ticks = append(ticks, p)
			mu.Unlock()
			return nil
		},
	})
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(ticks), 2)
	last := ticks[len(ticks)-1]
	assert.Empty(t, last.CurrentURL)
	assert.Equal(t, 1, last.Succeeded)
	assert.NotEmpty(t, ticks[0].CurrentURL)
}

func TestExecutorAbortStopsCrawl(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	proc := newFakeProcessor()
	var links string
	for i := 0; i < 50; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
	}
	proc.html[srv.URL+"/"] = links

	var processed int
	var mu sync.Mutex
	e := newTestExecutor(t, srv.URL, proc, Options{Concurrency: 1}, Callbacks{
		ShouldAbort: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return processed >= 3
		},
		OnProgress: func(context.Context, Progress) error {
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		},
	})
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, summary.Succeeded, 50)
}

func TestExecutorPersistsStateDuringCrawl(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	proc := newFakeProcessor()
	proc.html[srv.URL+"/"] = `<a href="/fail">f</a>`
	proc.fail[srv.URL+"/fail"] = true

	e := newTestExecutor(t, srv.URL, proc, Options{OutputDir: dir}, Callbacks{})
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	state, err := LoadState(dir)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{srv.URL + "/"}, state.Succeeded)
	assert.Equal(t, []string{srv.URL + "/fail"}, state.Failed)
}
