package pages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFederationServer(t *testing.T, wfHits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/header/wf-manifest.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(wfHits, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"name":  "header",
			"entry": "mf-manifest.json",
		})
	})
	mux.HandleFunc("/modules/header/mf-manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mfManifest{
			Name: "header",
			MetaData: &mfMetaData{
				Name:        "header",
				RemoteEntry: &mfRemoteEntry{Name: "remoteEntry.js", Type: "global"},
				PublicPath:  "auto",
			},
			Exposes: []mfModule{{
				Name: "./Header",
				Assets: &mfAssets{
					JS:  mfAssetGroup{Sync: []string{"static/js/header.js"}},
					CSS: mfAssetGroup{Sync: []string{"static/css/header.css"}},
				},
			}},
		})
	})
	for _, p := range []string{"/modules/header/remoteEntry.js", "/modules/header/static/js/header.js", "/modules/header/static/css/header.css"} {
		p := p
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("content of " + p))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestIslandMirrorMirrorsManifestTree(t *testing.T) {
	var wfHits int32
	srv := newFederationServer(t, &wfHits)
	dir := t.TempDir()
	mirror := NewIslandMirror(dir, "")

	moduleURL := srv.URL + "/modules/header/wf-manifest.json"
	localPath, err := mirror.Mirror(context.Background(), moduleURL)
	require.NoError(t, err)

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, "/code-components/"+host+"/modules/header/wf-manifest.json", localPath)

	wfFile := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(localPath, "/")))
	wfData, err := os.ReadFile(wfFile)
	require.NoError(t, err)
	var wf map[string]any
	require.NoError(t, json.Unmarshal(wfData, &wf))
	assert.Equal(t, "mf-manifest.json", wf["entry"])

	mfFile := filepath.Join(filepath.Dir(wfFile), "mf-manifest.json")
	mfData, err := os.ReadFile(mfFile)
	require.NoError(t, err)
	var mf mfManifest
	require.NoError(t, json.Unmarshal(mfData, &mf))

	require.NotNil(t, mf.MetaData)
	assert.True(t, strings.HasPrefix(mf.MetaData.PublicPath, "/code-components/"))
	require.Len(t, mf.Exposes, 1)
	assert.Equal(t, []string{"static/js/header.js"}, mf.Exposes[0].Assets.JS.Sync)

	// Mirrored assets landed next to the manifest
	for _, rel := range []string{"remoteEntry.js", "static/js/header.js", "static/css/header.css"} {
		_, err := os.Stat(filepath.Join(filepath.Dir(wfFile), filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
}

func TestIslandMirrorCachesPerSource(t *testing.T) {
	var wfHits int32
	srv := newFederationServer(t, &wfHits)
	mirror := NewIslandMirror(t.TempDir(), "")

	moduleURL := srv.URL + "/modules/header/wf-manifest.json"
	first, err := mirror.Mirror(context.Background(), moduleURL)
	require.NoError(t, err)
	second, err := mirror.Mirror(context.Background(), moduleURL)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&wfHits), "same source mirrored once")
}

func TestMirrorIslandsRewritesLoader(t *testing.T) {
	var wfHits int32
	srv := newFederationServer(t, &wfHits)
	mirror := NewIslandMirror(t.TempDir(), "")

	moduleURL := srv.URL + "/modules/header/wf-manifest.json"
	loader := map[string]any{
		"tag": "FEDERATION",
		"val": map[string]any{"clientModuleUrl": moduleURL, "scope": "header"},
	}
	loaderJSON, _ := json.Marshal(loader)

	html := `<code-island data-loader='` + string(loaderJSON) + `'></code-island>
	<code-island data-loader='{"tag":"INLINE","val":{}}'></code-island>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	mirror.MirrorIslands(context.Background(), doc)

	islands := doc.Find("code-island")
	require.Equal(t, 2, islands.Length())

	rewritten, _ := islands.First().Attr("data-loader")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(rewritten), &out))
	val := out["val"].(map[string]any)
	assert.True(t, strings.HasPrefix(val["clientModuleUrl"].(string), "/code-components/"))
	assert.Equal(t, "header", val["scope"], "unrelated loader fields preserved")

	// Non-federation island untouched
	other, _ := islands.Last().Attr("data-loader")
	assert.JSONEq(t, `{"tag":"INLINE","val":{}}`, other)
}
