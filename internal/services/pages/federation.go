package pages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
)

const (
	islandTagFederation = "FEDERATION"
	defaultMFEntry      = "mf-manifest.json"
	mirrorRoot          = "code-components"
)

// mfManifest is the typed shape of a Module Federation manifest. Rewriting
// builds a new tree and serializes it rather than patching raw JSON.
type mfManifest struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name,omitempty"`
	MetaData *mfMetaData `json:"metaData,omitempty"`
	Exposes  []mfModule  `json:"exposes,omitempty"`
	Shared   []mfModule  `json:"shared,omitempty"`
	Remotes  []mfModule  `json:"remotes,omitempty"`
}

type mfMetaData struct {
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type,omitempty"`
	BuildInfo   map[string]any `json:"buildInfo,omitempty"`
	RemoteEntry *mfRemoteEntry `json:"remoteEntry,omitempty"`
	PublicPath  string         `json:"publicPath,omitempty"`
}

type mfRemoteEntry struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`
}

type mfModule struct {
	ID     string    `json:"id,omitempty"`
	Name   string    `json:"name,omitempty"`
	Path   string    `json:"path,omitempty"`
	Assets *mfAssets `json:"assets,omitempty"`
}

type mfAssets struct {
	JS  mfAssetGroup `json:"js"`
	CSS mfAssetGroup `json:"css"`
}

type mfAssetGroup struct {
	Sync  []string `json:"sync"`
	Async []string `json:"async"`
}

// IslandMirror localizes federated code-island modules: the WF manifest,
// its MF manifest, and every asset the MF manifest references. One source
// URL is mirrored at most once per crawl.
type IslandMirror struct {
	client    *http.Client
	outputDir string
	userAgent string
	logger    arbor.ILogger

	mu       sync.Mutex
	mirrored map[string]*mirrorResult
}

type mirrorResult struct {
	done      chan struct{}
	localPath string
	err       error
}

func NewIslandMirror(outputDir, userAgent string) *IslandMirror {
	if userAgent == "" {
		userAgent = common.DefaultUserAgent
	}
	return &IslandMirror{
		client:    &http.Client{Timeout: 10 * time.Second},
		outputDir: outputDir,
		userAgent: userAgent,
		logger:    common.GetLogger().WithPrefix("islands"),
		mirrored:  make(map[string]*mirrorResult),
	}
}

// MirrorIslands rewrites every FEDERATION code-island in the document so
// its loader points at the locally mirrored WF manifest. Mirror failures
// are logged and leave the island untouched.
func (m *IslandMirror) MirrorIslands(ctx context.Context, doc *goquery.Document) {
	doc.Find("code-island[data-loader]").Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr("data-loader")
		var loader map[string]any
		if err := json.Unmarshal([]byte(raw), &loader); err != nil {
			return
		}
		if tag, _ := loader["tag"].(string); tag != islandTagFederation {
			return
		}
		val, _ := loader["val"].(map[string]any)
		moduleURL, _ := val["clientModuleUrl"].(string)
		if moduleURL == "" {
			return
		}

		localPath, err := m.Mirror(ctx, moduleURL)
		if err != nil {
			m.logger.Warn().Str("url", moduleURL).Err(err).Msg("Failed to mirror federated module")
			return
		}

		val["clientModuleUrl"] = localPath
		rewritten, err := json.Marshal(loader)
		if err != nil {
			return
		}
		s.SetAttr("data-loader", string(rewritten))
	})
}

// Mirror fetches a WF manifest and its MF manifest tree into the crawl
// output dir and returns the local root-relative WF manifest path
func (m *IslandMirror) Mirror(ctx context.Context, moduleURL string) (string, error) {
	m.mu.Lock()
	if res, ok := m.mirrored[moduleURL]; ok {
		m.mu.Unlock()
		select {
		case <-res.done:
			return res.localPath, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	res := &mirrorResult{done: make(chan struct{})}
	m.mirrored[moduleURL] = res
	m.mu.Unlock()

	res.localPath, res.err = m.mirror(ctx, moduleURL)
	close(res.done)
	return res.localPath, res.err
}

func (m *IslandMirror) mirror(ctx context.Context, moduleURL string) (string, error) {
	wfURL, err := url.Parse(moduleURL)
	if err != nil || (wfURL.Scheme != "http" && wfURL.Scheme != "https") {
		return "", fmt.Errorf("invalid module URL %q", moduleURL)
	}

	wfRel := localManifestPath(wfURL)
	wfBody, err := m.get(ctx, moduleURL)
	if err != nil {
		return "", err
	}

	var wf map[string]any
	if err := json.Unmarshal(wfBody, &wf); err != nil {
		return "", fmt.Errorf("WF manifest %s is not JSON: %w", moduleURL, err)
	}

	entry, _ := wf["entry"].(string)
	if entry == "" {
		entry = defaultMFEntry
	}
	entryRef, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("WF manifest %s has invalid entry %q: %w", moduleURL, entry, err)
	}
	mfURL := wfURL.ResolveReference(entryRef)

	mfRel := path.Join(path.Dir(wfRel), path.Base(mfURL.Path))
	mfBody, err := m.get(ctx, mfURL.String())
	if err != nil {
		return "", err
	}

	var mf mfManifest
	if err := json.Unmarshal(mfBody, &mf); err != nil {
		return "", fmt.Errorf("MF manifest %s is not JSON: %w", mfURL, err)
	}

	localDir := path.Dir(mfRel)
	rewritten := m.mirrorManifestAssets(ctx, &mf, mfURL, localDir)

	// Point the WF entry at the mirrored MF manifest and publicPath at the
	// local layout
	wf["entry"] = path.Base(mfRel)

	wfOut, err := json.Marshal(wf)
	if err != nil {
		return "", err
	}
	mfOut, err := json.Marshal(rewritten)
	if err != nil {
		return "", err
	}
	if err := m.write(wfRel, wfOut); err != nil {
		return "", err
	}
	if err := m.write(mfRel, mfOut); err != nil {
		return "", err
	}

	m.logger.Info().Str("url", moduleURL).Str("path", wfRel).Msg("Federated module mirrored")
	return "/" + wfRel, nil
}

// mirrorManifestAssets downloads every asset the MF manifest references
// and returns a new manifest tree pointing at the local layout
func (m *IslandMirror) mirrorManifestAssets(ctx context.Context, mf *mfManifest, mfURL *url.URL, localDir string) *mfManifest {
	base := mfURL
	if mf.MetaData != nil && mf.MetaData.PublicPath != "" {
		if parsed, err := url.Parse(mf.MetaData.PublicPath); err == nil {
			base = mfURL.ResolveReference(parsed)
		}
	}

	out := *mf
	if mf.MetaData != nil {
		meta := *mf.MetaData
		if meta.RemoteEntry != nil && meta.RemoteEntry.Name != "" {
			entry := *meta.RemoteEntry
			ref := entry.Name
			if entry.Path != "" {
				ref = path.Join(entry.Path, entry.Name)
			}
			if local := m.mirrorRef(ctx, base, localDir, ref); local != "" {
				entry.Name = path.Base(local)
				if dir := path.Dir(local); dir != "." {
					entry.Path = dir
				} else {
					entry.Path = ""
				}
			}
			meta.RemoteEntry = &entry
		}
		meta.PublicPath = "/" + localDir + "/"
		out.MetaData = &meta
	}
	out.Exposes = m.mirrorModules(ctx, base, localDir, mf.Exposes)
	out.Shared = m.mirrorModules(ctx, base, localDir, mf.Shared)
	out.Remotes = m.mirrorModules(ctx, base, localDir, mf.Remotes)
	return &out
}

func (m *IslandMirror) mirrorModules(ctx context.Context, base *url.URL, localDir string, modules []mfModule) []mfModule {
	if modules == nil {
		return nil
	}
	out := make([]mfModule, len(modules))
	for i, mod := range modules {
		out[i] = mod
		if mod.Assets == nil {
			continue
		}
		a := *mod.Assets
		a.JS.Sync = m.mirrorRefs(ctx, base, localDir, a.JS.Sync)
		a.JS.Async = m.mirrorRefs(ctx, base, localDir, a.JS.Async)
		a.CSS.Sync = m.mirrorRefs(ctx, base, localDir, a.CSS.Sync)
		a.CSS.Async = m.mirrorRefs(ctx, base, localDir, a.CSS.Async)
		out[i].Assets = &a
	}
	return out
}

func (m *IslandMirror) mirrorRefs(ctx context.Context, base *url.URL, localDir string, refs []string) []string {
	if refs == nil {
		return nil
	}
	out := make([]string, len(refs))
	for i, ref := range refs {
		if local := m.mirrorRef(ctx, base, localDir, ref); local != "" {
			out[i] = local
		} else {
			out[i] = ref
		}
	}
	return out
}

// mirrorRef downloads one asset reference next to the mirrored manifest
// and returns the new (manifest-relative) reference, or "" on failure
func (m *IslandMirror) mirrorRef(ctx context.Context, base *url.URL, localDir, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	var localRef string
	if parsed.IsAbs() {
		localRef = path.Base(parsed.Path)
	} else {
		localRef = strings.TrimPrefix(path.Clean(parsed.Path), "/")
		if strings.HasPrefix(localRef, "..") {
			localRef = path.Base(localRef)
		}
	}

	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	body, err := m.get(ctx, abs.String())
	if err != nil {
		m.logger.Warn().Str("url", abs.String()).Err(err).Msg("Failed to mirror module asset")
		return ""
	}
	if err := m.write(path.Join(localDir, localRef), body); err != nil {
		return ""
	}
	return localRef
}

func (m *IslandMirror) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (m *IslandMirror) write(rel string, data []byte) error {
	full := filepath.Join(m.outputDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// localManifestPath maps a manifest URL to its deterministic mirror path,
// code-components/{host}/{decoded-path}
func localManifestPath(u *url.URL) string {
	p := u.Path
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = strings.TrimPrefix(path.Clean(p), "/")
	if p == "" || p == "." {
		p = defaultMFEntry
	}
	return path.Join(mirrorRoot, u.Host, p)
}
