package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements interfaces.Store on Postgres via sqlx
type Store struct {
	db     *sqlx.DB
	logger arbor.ILogger

	sites     *SiteStorage
	crawls    *CrawlStorage
	crawlLogs *CrawlLogStorage
	settings  *SettingsStorage
}

// New connects to Postgres and optionally runs pending migrations
func New(ctx context.Context, cfg common.DatabaseConfig) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	store := newStore(db)

	if cfg.MigrateOnStart {
		if err := store.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithDB wraps an existing connection; used by tests
func NewWithDB(db *sqlx.DB) *Store {
	return newStore(db)
}

func newStore(db *sqlx.DB) *Store {
	return &Store{
		db:        db,
		logger:    common.GetLogger().WithPrefix("postgres"),
		sites:     &SiteStorage{db: db},
		crawls:    &CrawlStorage{db: db},
		crawlLogs: &CrawlLogStorage{db: db},
		settings:  &SettingsStorage{db: db},
	}
}

// Migrate applies the embedded migrations
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	s.logger.Info().Msg("Database migrations applied")
	return nil
}

func (s *Store) Sites() interfaces.SiteStorage          { return s.sites }
func (s *Store) Crawls() interfaces.CrawlStorage        { return s.crawls }
func (s *Store) CrawlLogs() interfaces.CrawlLogStorage  { return s.crawlLogs }
func (s *Store) Settings() interfaces.SettingsStorage   { return s.settings }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
