package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Site is the configuration for one archived origin. Rows are owned by the
// external admin API; the worker only reads them.
type Site struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name" validate:"required"`
	BaseURL           string    `db:"base_url" json:"base_url" validate:"required,url"`
	Concurrency       int       `db:"concurrency" json:"concurrency" validate:"min=1,max=30"`
	MaxPages          int       `db:"max_pages" json:"max_pages"` // 0 = unbounded
	ExcludePatterns   StringList `db:"exclude_patterns" json:"exclude_patterns"`
	DownloadBlocklist StringList `db:"download_blocklist" json:"download_blocklist"`
	RemoveBadge       bool      `db:"remove_badge" json:"remove_badge"`
	RedirectsCSV      string    `db:"redirects_csv" json:"redirects_csv"`
	Schedule          string    `db:"schedule" json:"schedule"`
	MaxArchivesToKeep int       `db:"max_archives_to_keep" json:"max_archives_to_keep"` // 0 = unbounded
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Origin returns the parsed base URL. The base URL doubles as crawl root
// and origin filter.
func (s *Site) Origin() (*url.URL, error) {
	parsed, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", s.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", s.BaseURL)
	}
	return parsed, nil
}

// CompileExcludePatterns compiles the site's exclusion regexes, skipping
// invalid ones. The second return value lists patterns that failed to compile.
func (s *Site) CompileExcludePatterns() ([]*regexp.Regexp, []string) {
	compiled := make([]*regexp.Regexp, 0, len(s.ExcludePatterns))
	var invalid []string
	for _, pattern := range s.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			invalid = append(invalid, pattern)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled, invalid
}

// ValidateSchedule checks the optional schedule expression with the standard
// cron parser. The external scheduler owns execution; the worker only
// validates so a broken expression is surfaced early.
func (s *Site) ValidateSchedule() error {
	if s.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.Schedule, err)
	}
	return nil
}

// ParseRedirects parses the canonical-redirects CSV into a from→to map.
// Each line is "from,to"; malformed lines are skipped.
func (s *Site) ParseRedirects() map[string]string {
	redirects := make(map[string]string)
	if s.RedirectsCSV == "" {
		return redirects
	}
	for _, line := range strings.Split(s.RedirectsCSV, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		from := strings.TrimSpace(parts[0])
		to := strings.TrimSpace(parts[1])
		if from != "" && to != "" {
			redirects[from] = to
		}
	}
	return redirects
}
