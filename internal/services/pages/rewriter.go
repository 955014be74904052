package pages

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/sitevault/internal/services/assets"
)

// RewriteOptions configures one page's rewrite pass
type RewriteOptions struct {
	PageURL     *url.URL
	RemoveBadge bool
	Fetcher     Fetcher
	Islands     *IslandMirror
}

// Rewrite runs the shared HTML pipeline: badge removal, Rocket Loader
// normalization, lazy-media folding, code-island mirroring, then asset
// localization across every reference kind. References that fail to
// download (including blocklisted ones) are left exactly as written.
func Rewrite(ctx context.Context, html string, opts RewriteOptions) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML for %s: %w", opts.PageURL, err)
	}

	if opts.RemoveBadge {
		doc.Find(".w-webflow-badge").Remove()
	}

	normalizeRocketLoader(doc)
	normalizeLazyMedia(doc)

	if opts.Islands != nil {
		opts.Islands.MirrorIslands(ctx, doc)
	}

	r := &rewriter{ctx: ctx, base: opts.PageURL, fetch: opts.Fetcher}
	r.stylesheets(doc)
	r.scripts(doc)
	r.images(doc)
	r.pictureSources(doc)
	r.media(doc)
	r.icons(doc)
	r.inlineStyles(doc)
	r.metaImages(doc)
	r.iframes(doc)

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize HTML for %s: %w", opts.PageURL, err)
	}
	return out, nil
}

// normalizeRocketLoader strips Cloudflare Rocket Loader so rewritten
// scripts execute without its runtime. Best-effort.
func normalizeRocketLoader(doc *goquery.Document) {
	doc.Find(`script[src*="rocket-loader.min.js"]`).Remove()
	doc.Find("[data-cfasync]").Each(func(_ int, s *goquery.Selection) {
		s.RemoveAttr("data-cfasync")
	})
	doc.Find(`script[type="text/rocketscript"]`).Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("type", "text/javascript")
	})
}

// normalizeLazyMedia folds lazy-loading attributes into their eager
// counterparts so the archived page renders without scroll listeners
func normalizeLazyMedia(doc *goquery.Document) {
	doc.Find("[data-src]").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("data-src"); ok && v != "" {
			s.SetAttr("src", v)
		}
	})
	doc.Find("[data-srcset]").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("data-srcset"); ok && v != "" {
			s.SetAttr("srcset", v)
		}
	})
	doc.Find("[data-bg]").Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr("data-bg")
		if !ok || v == "" {
			return
		}
		style, _ := s.Attr("style")
		if style != "" && !strings.HasSuffix(style, ";") {
			style += ";"
		}
		s.SetAttr("style", style+"background-image:url("+v+")")
	})
}

type rewriter struct {
	ctx   context.Context
	base  *url.URL
	fetch Fetcher
}

// localize downloads one reference and returns its root-relative local
// path, or "" when the reference must stay as written
func (r *rewriter) localize(ref, category string) string {
	if isSkippableRef(ref) {
		return ""
	}
	abs := resolveRef(r.base, ref)
	if abs == "" {
		return ""
	}
	rel, err := r.fetch.Download(r.ctx, abs, category)
	if err != nil {
		return ""
	}
	return "/" + rel
}

// rewriteAttr localizes one attribute and strips integrity on success
func (r *rewriter) rewriteAttr(s *goquery.Selection, attr, category string) {
	ref, ok := s.Attr(attr)
	if !ok {
		return
	}
	if local := r.localize(ref, category); local != "" {
		s.SetAttr(attr, local)
		s.RemoveAttr("integrity")
	}
}

// rewriteSrcset localizes each candidate of a srcset attribute
func (r *rewriter) rewriteSrcset(s *goquery.Selection, attr string) {
	raw, ok := s.Attr(attr)
	if !ok || raw == "" {
		return
	}
	candidates := strings.Split(raw, ",")
	changed := false
	for i, candidate := range candidates {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		if local := r.localize(fields[0], assets.CategoryImage); local != "" {
			fields[0] = local
			candidates[i] = strings.Join(fields, " ")
			changed = true
		}
	}
	if changed {
		s.SetAttr(attr, strings.Join(candidates, ", "))
		s.RemoveAttr("integrity")
	}
}

func (r *rewriter) stylesheets(doc *goquery.Document) {
	doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "href", assets.CategoryCSS)
	})
}

func (r *rewriter) scripts(doc *goquery.Document) {
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src", assets.CategoryJS)
	})
}

func (r *rewriter) images(doc *goquery.Document) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src", assets.CategoryImage)
		r.rewriteSrcset(s, "srcset")
	})
}

func (r *rewriter) pictureSources(doc *goquery.Document) {
	doc.Find("picture source").Each(func(_ int, s *goquery.Selection) {
		r.rewriteSrcset(s, "srcset")
		r.rewriteAttr(s, "src", assets.CategoryImage)
	})
}

func (r *rewriter) media(doc *goquery.Document) {
	doc.Find("video, audio").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src", assets.CategoryMedia)
		r.rewriteAttr(s, "poster", assets.CategoryImage)
	})
	doc.Find("video source, audio source").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src", assets.CategoryMedia)
	})
}

func (r *rewriter) icons(doc *goquery.Document) {
	doc.Find(`link[rel~="icon"], link[rel="apple-touch-icon"], link[rel="mask-icon"]`).Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "href", assets.CategoryImage)
	})
}

func (r *rewriter) inlineStyles(doc *goquery.Document) {
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		rewritten := RewriteCSSURLs(r.ctx, r.base, s.Text(), r.fetch)
		s.SetText(rewritten)
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if strings.Contains(style, "url(") {
			s.SetAttr("style", RewriteCSSURLs(r.ctx, r.base, style, r.fetch))
		}
	})
}

func (r *rewriter) metaImages(doc *goquery.Document) {
	doc.Find(`meta[property="og:image"], meta[property="og:image:url"], meta[property="og:image:secure_url"], meta[name="twitter:image"], meta[itemprop="image"]`).Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "content", assets.CategoryImage)
	})
	doc.Find(`link[rel="image_src"]`).Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "href", assets.CategoryImage)
	})
}

func (r *rewriter) iframes(doc *goquery.Document) {
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src", assets.CategoryMedia)
	})
}
