package models

import (
	"time"
)

// CrawlStatus is the lifecycle state of a crawl
type CrawlStatus string

const (
	CrawlStatusPending   CrawlStatus = "pending"
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusUploading CrawlStatus = "uploading"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusTimedOut  CrawlStatus = "timed_out"
	CrawlStatusFailed    CrawlStatus = "failed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s CrawlStatus) IsTerminal() bool {
	switch s {
	case CrawlStatusCompleted, CrawlStatusTimedOut, CrawlStatusFailed, CrawlStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a queue job in this state should still be driven
func (s CrawlStatus) IsActive() bool {
	switch s {
	case CrawlStatusPending, CrawlStatusRunning, CrawlStatusUploading:
		return true
	}
	return false
}

// Crawl is one archiving attempt for a site. The ID doubles as the queue
// job ID. The worker owns these rows while a crawl runs.
type Crawl struct {
	ID     string      `db:"id" json:"id"`
	SiteID string      `db:"site_id" json:"site_id"`
	Status CrawlStatus `db:"status" json:"status"`

	// Page counters; monotonic within one attempt, may reset on resume
	TotalPages     int `db:"total_pages" json:"total_pages"`
	SucceededPages int `db:"succeeded_pages" json:"succeeded_pages"`
	FailedPages    int `db:"failed_pages" json:"failed_pages"`

	// Upload progress
	UploadTotalBytes    int64  `db:"upload_total_bytes" json:"upload_total_bytes"`
	UploadUploadedBytes int64  `db:"upload_uploaded_bytes" json:"upload_uploaded_bytes"`
	UploadCurrentFile   string `db:"upload_current_file" json:"upload_current_file"`

	// Result pointers; OutputPath is set only for completed/timed_out
	OutputPath      string `db:"output_path" json:"output_path"`
	OutputSizeBytes int64  `db:"output_size_bytes" json:"output_size_bytes"`
	ErrorMessage    string `db:"error_message" json:"error_message"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ArchiveKey returns the storage key for this crawl's archive
func (c *Crawl) ArchiveKey() string {
	return "archives/" + c.ID + ".zip"
}
