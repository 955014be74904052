package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/sitevault/internal/models"
)

// SiteStorage persists site definitions
type SiteStorage interface {
	Create(ctx context.Context, site *models.Site) error
	Update(ctx context.Context, site *models.Site) error
	Get(ctx context.Context, id string) (*models.Site, error)
	List(ctx context.Context) ([]*models.Site, error)
	Delete(ctx context.Context, id string) error
}

// CrawlStorage persists crawl rows and their progress counters
type CrawlStorage interface {
	Create(ctx context.Context, crawl *models.Crawl) error
	Get(ctx context.Context, id string) (*models.Crawl, error)
	ListBySite(ctx context.Context, siteID string, limit int) ([]*models.Crawl, error)
	ListByStatus(ctx context.Context, statuses ...models.CrawlStatus) ([]*models.Crawl, error)
	UpdateStatus(ctx context.Context, id string, status models.CrawlStatus) error
	UpdateProgress(ctx context.Context, id string, total, succeeded, failed int) error
	UpdateUploadProgress(ctx context.Context, id string, totalBytes, uploadedBytes int64, currentFile string) error
	MarkStarted(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, status models.CrawlStatus, outputPath string, outputSize int64, errMsg string) error
	ClearOutput(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// CrawlLogStorage persists per-crawl log lines
type CrawlLogStorage interface {
	Append(ctx context.Context, entry *models.CrawlLogEntry) error
	List(ctx context.Context, crawlID string, limit int) ([]*models.CrawlLogEntry, error)
	DeleteByCrawl(ctx context.Context, crawlID string) error
}

// SettingsStorage persists global key/value settings
type SettingsStorage interface {
	Get(ctx context.Context, key string) (*models.Setting, error)
	Set(ctx context.Context, key, value string) error
}

// Store aggregates the persistence layers behind one handle
type Store interface {
	Sites() SiteStorage
	Crawls() CrawlStorage
	CrawlLogs() CrawlLogStorage
	Settings() SettingsStorage
	Ping(ctx context.Context) error
	Close() error
}
