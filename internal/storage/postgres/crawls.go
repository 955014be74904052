package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ternarybob/sitevault/internal/models"
)

// CrawlStorage persists crawl rows and their progress counters
type CrawlStorage struct {
	db *sqlx.DB
}

func (s *CrawlStorage) Create(ctx context.Context, crawl *models.Crawl) error {
	if crawl.CreatedAt.IsZero() {
		crawl.CreatedAt = time.Now()
	}
	if crawl.Status == "" {
		crawl.Status = models.CrawlStatusPending
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO crawls (id, site_id, status, total_pages, succeeded_pages, failed_pages,
			upload_total_bytes, upload_uploaded_bytes, upload_current_file,
			output_path, output_size_bytes, error_message, created_at)
		VALUES (:id, :site_id, :status, :total_pages, :succeeded_pages, :failed_pages,
			:upload_total_bytes, :upload_uploaded_bytes, :upload_current_file,
			:output_path, :output_size_bytes, :error_message, :created_at)`, crawl)
	if err != nil {
		return fmt.Errorf("failed to create crawl %s: %w", crawl.ID, err)
	}
	return nil
}

func (s *CrawlStorage) Get(ctx context.Context, id string) (*models.Crawl, error) {
	var crawl models.Crawl
	err := s.db.GetContext(ctx, &crawl, `SELECT * FROM crawls WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("crawl %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get crawl %s: %w", id, err)
	}
	return &crawl, nil
}

func (s *CrawlStorage) ListBySite(ctx context.Context, siteID string, limit int) ([]*models.Crawl, error) {
	if limit <= 0 {
		limit = 50
	}
	var crawls []*models.Crawl
	err := s.db.SelectContext(ctx, &crawls,
		`SELECT * FROM crawls WHERE site_id = $1 ORDER BY created_at DESC LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawls for site %s: %w", siteID, err)
	}
	return crawls, nil
}

func (s *CrawlStorage) ListByStatus(ctx context.Context, statuses ...models.CrawlStatus) ([]*models.Crawl, error) {
	query, args, err := sqlx.In(`SELECT * FROM crawls WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}
	var crawls []*models.Crawl
	if err := s.db.SelectContext(ctx, &crawls, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list crawls by status: %w", err)
	}
	return crawls, nil
}

func (s *CrawlStorage) UpdateStatus(ctx context.Context, id string, status models.CrawlStatus) error {
	query := `UPDATE crawls SET status = $1 WHERE id = $2`
	if status.IsTerminal() {
		// Terminal rows always carry completed_at; the first write wins
		query = `UPDATE crawls SET status = $1, completed_at = COALESCE(completed_at, NOW()) WHERE id = $2`
	}
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update crawl %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("crawl %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *CrawlStorage) UpdateProgress(ctx context.Context, id string, total, succeeded, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET total_pages = $1, succeeded_pages = $2, failed_pages = $3 WHERE id = $4`,
		total, succeeded, failed, id)
	if err != nil {
		return fmt.Errorf("failed to update crawl %s progress: %w", id, err)
	}
	return nil
}

func (s *CrawlStorage) UpdateUploadProgress(ctx context.Context, id string, totalBytes, uploadedBytes int64, currentFile string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET upload_total_bytes = $1, upload_uploaded_bytes = $2, upload_current_file = $3 WHERE id = $4`,
		totalBytes, uploadedBytes, currentFile, id)
	if err != nil {
		return fmt.Errorf("failed to update crawl %s upload progress: %w", id, err)
	}
	return nil
}

func (s *CrawlStorage) MarkStarted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET status = $1, started_at = $2 WHERE id = $3`,
		models.CrawlStatusRunning, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark crawl %s started: %w", id, err)
	}
	return nil
}

func (s *CrawlStorage) MarkCompleted(ctx context.Context, id string, status models.CrawlStatus, outputPath string, outputSize int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET status = $1, output_path = $2, output_size_bytes = $3,
			error_message = $4, completed_at = $5 WHERE id = $6`,
		status, outputPath, outputSize, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark crawl %s completed: %w", id, err)
	}
	return nil
}

// ClearOutput drops the archive pointers after the stored object is pruned
func (s *CrawlStorage) ClearOutput(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET output_path = '', output_size_bytes = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear crawl %s output: %w", id, err)
	}
	return nil
}

func (s *CrawlStorage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawls WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete crawl %s: %w", id, err)
	}
	return nil
}
