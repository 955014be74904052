package models

import "time"

// Event types published on the per-crawl bus channel
const (
	EventTypeLog       = "log"
	EventTypeProgress  = "progress"
	EventTypeConnected = "connected" // emitted by subscribers only
	EventTypePing      = "ping"      // emitted by subscribers only
)

// Crawl phases carried on progress events
const (
	PhaseCrawling  = "crawling"
	PhaseUploading = "uploading"
)

// UploadProgress is the byte-level upload state carried on progress events
type UploadProgress struct {
	TotalBytes    int64   `json:"totalBytes"`
	UploadedBytes int64   `json:"uploadedBytes"`
	FilesTotal    int     `json:"filesTotal"`
	FilesUploaded int     `json:"filesUploaded"`
	CurrentFile   string  `json:"currentFile,omitempty"`
	Percent       float64 `json:"percent"`
}

// CrawlEvent is the wire shape published on crawl:{id} and appended to the
// capped replay stream crawl-events:{id}
type CrawlEvent struct {
	Type string `json:"type"`

	// log fields
	Level     LogLevel  `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// progress fields
	Total      int             `json:"total,omitempty"`
	Succeeded  int             `json:"succeeded,omitempty"`
	Failed     int             `json:"failed,omitempty"`
	CurrentURL string          `json:"currentUrl,omitempty"`
	Phase      string          `json:"phase,omitempty"`
	Upload     *UploadProgress `json:"upload,omitempty"`

	// connected fields
	CrawlID string `json:"crawlId,omitempty"`
}

// NewLogEvent builds a log event with the current timestamp
func NewLogEvent(level LogLevel, message, url string) CrawlEvent {
	return CrawlEvent{
		Type:      EventTypeLog,
		Level:     level,
		Message:   message,
		URL:       url,
		Timestamp: time.Now(),
	}
}

// NewProgressEvent builds a crawl-phase progress event
func NewProgressEvent(total, succeeded, failed int, currentURL string) CrawlEvent {
	return CrawlEvent{
		Type:       EventTypeProgress,
		Total:      total,
		Succeeded:  succeeded,
		Failed:     failed,
		CurrentURL: currentURL,
		Phase:      PhaseCrawling,
	}
}
