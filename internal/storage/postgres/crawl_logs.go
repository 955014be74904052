package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/sitevault/internal/models"
)

// CrawlLogStorage persists per-crawl log lines
type CrawlLogStorage struct {
	db *sqlx.DB
}

func (s *CrawlLogStorage) Append(ctx context.Context, entry *models.CrawlLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_logs (crawl_id, timestamp, level, message, url) VALUES ($1, $2, $3, $4, $5)`,
		entry.CrawlID, entry.Timestamp, entry.Level, entry.Message, entry.URL)
	if err != nil {
		return fmt.Errorf("failed to append log for crawl %s: %w", entry.CrawlID, err)
	}
	return nil
}

func (s *CrawlLogStorage) List(ctx context.Context, crawlID string, limit int) ([]*models.CrawlLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var entries []*models.CrawlLogEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM crawl_logs WHERE crawl_id = $1 ORDER BY id LIMIT $2`, crawlID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for crawl %s: %w", crawlID, err)
	}
	return entries, nil
}

func (s *CrawlLogStorage) DeleteByCrawl(ctx context.Context, crawlID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_logs WHERE crawl_id = $1`, crawlID); err != nil {
		return fmt.Errorf("failed to delete logs for crawl %s: %w", crawlID, err)
	}
	return nil
}
