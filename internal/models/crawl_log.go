package models

import "time"

// LogLevel is the severity of a crawl log entry. Debug exists for the
// event stream but is never persisted.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// CrawlLogEntry is an append-only log line owned by one crawl
type CrawlLogEntry struct {
	ID        int64     `db:"id" json:"id"`
	CrawlID   string    `db:"crawl_id" json:"crawl_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	URL       string    `db:"url" json:"url,omitempty"`
}
