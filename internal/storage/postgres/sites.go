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

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("postgres: not found")

// SiteStorage persists site rows
type SiteStorage struct {
	db *sqlx.DB
}

func (s *SiteStorage) Create(ctx context.Context, site *models.Site) error {
	now := time.Now()
	site.CreatedAt = now
	site.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sites (id, name, base_url, concurrency, max_pages, exclude_patterns,
			download_blocklist, remove_badge, redirects_csv, schedule, max_archives_to_keep,
			created_at, updated_at)
		VALUES (:id, :name, :base_url, :concurrency, :max_pages, :exclude_patterns,
			:download_blocklist, :remove_badge, :redirects_csv, :schedule, :max_archives_to_keep,
			:created_at, :updated_at)`, site)
	if err != nil {
		return fmt.Errorf("failed to create site %s: %w", site.ID, err)
	}
	return nil
}

func (s *SiteStorage) Update(ctx context.Context, site *models.Site) error {
	site.UpdatedAt = time.Now()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE sites SET name = :name, base_url = :base_url, concurrency = :concurrency,
			max_pages = :max_pages, exclude_patterns = :exclude_patterns,
			download_blocklist = :download_blocklist, remove_badge = :remove_badge,
			redirects_csv = :redirects_csv, schedule = :schedule,
			max_archives_to_keep = :max_archives_to_keep, updated_at = :updated_at
		WHERE id = :id`, site)
	if err != nil {
		return fmt.Errorf("failed to update site %s: %w", site.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("site %s: %w", site.ID, ErrNotFound)
	}
	return nil
}

func (s *SiteStorage) Get(ctx context.Context, id string) (*models.Site, error) {
	var site models.Site
	err := s.db.GetContext(ctx, &site, `SELECT * FROM sites WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("site %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get site %s: %w", id, err)
	}
	return &site, nil
}

func (s *SiteStorage) List(ctx context.Context) ([]*models.Site, error) {
	var sites []*models.Site
	if err := s.db.SelectContext(ctx, &sites, `SELECT * FROM sites ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

func (s *SiteStorage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete site %s: %w", id, err)
	}
	return nil
}
