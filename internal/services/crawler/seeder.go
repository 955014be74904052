package crawler

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
)

// conventionalSitemaps are tried last, in order
var conventionalSitemaps = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/sitemap.xml",
	"/wp-sitemap.xml",
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Seeder discovers a site's page URLs from its sitemaps. Discovery order:
// sitemap.xml, then robots.txt Sitemap directives, then sitemap_index.xml
// and conventional paths. Indexes are followed one level deep.
type Seeder struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger
}

func NewSeeder(userAgent string) *Seeder {
	if userAgent == "" {
		userAgent = common.DefaultUserAgent
	}
	return &Seeder{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    common.GetLogger().WithPrefix("seeder"),
	}
}

// Seed returns same-origin page URLs discovered from sitemaps. The base
// URL itself is always first. Never errors on discovery failure; a site
// without a sitemap simply seeds only its base URL.
func (s *Seeder) Seed(ctx context.Context, base *url.URL) []string {
	seen := map[string]bool{}
	var seeds []string
	add := func(raw string) {
		normalized, err := common.NormalizeURL(raw)
		if err != nil {
			return
		}
		parsed, err := url.Parse(normalized)
		if err != nil || !common.SameOrigin(base, parsed) || !common.IsCrawlableScheme(parsed) {
			return
		}
		if !seen[normalized] {
			seen[normalized] = true
			seeds = append(seeds, normalized)
		}
	}

	add(base.String())

	for _, loc := range s.discoverSitemaps(ctx, base) {
		for _, pageURL := range s.fetchSitemap(ctx, loc, true) {
			add(pageURL)
		}
		if len(seeds) > 1 {
			break
		}
	}

	return seeds
}

// discoverSitemaps yields candidate sitemap URLs in priority order
func (s *Seeder) discoverSitemaps(ctx context.Context, base *url.URL) []string {
	primary := base.ResolveReference(&url.URL{Path: "/sitemap.xml"}).String()
	if s.exists(ctx, primary) {
		return []string{primary}
	}

	if fromRobots := s.robotsSitemaps(ctx, base); len(fromRobots) > 0 {
		return fromRobots
	}

	var candidates []string
	for _, p := range conventionalSitemaps[1:] {
		candidates = append(candidates, base.ResolveReference(&url.URL{Path: p}).String())
	}
	return candidates
}

// robotsSitemaps scans robots.txt for Sitemap directives
func (s *Seeder) robotsSitemaps(ctx context.Context, base *url.URL) []string {
	body, err := s.get(ctx, base.ResolveReference(&url.URL{Path: "/robots.txt"}).String())
	if err != nil {
		return nil
	}
	defer body.Close()

	var sitemaps []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(strings.ToLower(line), "sitemap:"); ok {
			// Re-cut from the original line to keep URL casing
			loc := strings.TrimSpace(line[len(line)-len(rest):])
			if loc != "" {
				sitemaps = append(sitemaps, loc)
			}
		}
	}
	return sitemaps
}

// fetchSitemap parses one sitemap document. Index documents are followed
// when followIndex is set; nested indexes are not.
func (s *Seeder) fetchSitemap(ctx context.Context, loc string, followIndex bool) []string {
	body, err := s.get(ctx, loc)
	if err != nil {
		s.logger.Debug().Str("url", loc).Err(err).Msg("Sitemap fetch failed")
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(body, 20*1024*1024))
	body.Close()
	if err != nil {
		return nil
	}

	var urlset sitemapURLSet
	if err := xml.Unmarshal(data, &urlset); err == nil && len(urlset.URLs) > 0 {
		out := make([]string, 0, len(urlset.URLs))
		for _, u := range urlset.URLs {
			if loc := strings.TrimSpace(u.Loc); loc != "" {
				out = append(out, loc)
			}
		}
		s.logger.Info().Str("url", loc).Int("pages", len(out)).Msg("Sitemap parsed")
		return out
	}

	if followIndex {
		var index sitemapIndex
		if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
			var out []string
			for _, sm := range index.Sitemaps {
				if child := strings.TrimSpace(sm.Loc); child != "" {
					out = append(out, s.fetchSitemap(ctx, child, false)...)
				}
			}
			return out
		}
	}
	return nil
}

func (s *Seeder) exists(ctx context.Context, rawURL string) bool {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return false
	}
	body.Close()
	return true
}

func (s *Seeder) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}
