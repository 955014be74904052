package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// memStore is an in-memory interfaces.Store for worker tests
type memStore struct {
	mu       sync.Mutex
	sites    map[string]*models.Site
	crawls   map[string]*models.Crawl
	logs     map[string][]*models.CrawlLogEntry
	settings map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		sites:    map[string]*models.Site{},
		crawls:   map[string]*models.Crawl{},
		logs:     map[string][]*models.CrawlLogEntry{},
		settings: map[string]string{},
	}
}

func (s *memStore) Sites() interfaces.SiteStorage        { return (*memSites)(s) }
func (s *memStore) Crawls() interfaces.CrawlStorage      { return (*memCrawls)(s) }
func (s *memStore) CrawlLogs() interfaces.CrawlLogStorage { return (*memLogs)(s) }
func (s *memStore) Settings() interfaces.SettingsStorage  { return (*memSettings)(s) }
func (s *memStore) Ping(context.Context) error            { return nil }
func (s *memStore) Close() error                          { return nil }

type memSites memStore

func (s *memSites) Create(_ context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
	return nil
}

func (s *memSites) Update(_ context.Context, site *models.Site) error {
	return s.Create(context.Background(), site)
}

func (s *memSites) Get(_ context.Context, id string) (*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return nil, fmt.Errorf("site %s: %w", id, postgres.ErrNotFound)
	}
	copied := *site
	return &copied, nil
}

func (s *memSites) List(context.Context) ([]*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Site, 0, len(s.sites))
	for _, site := range s.sites {
		copied := *site
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memSites) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sites, id)
	return nil
}

type memCrawls memStore

func (s *memCrawls) Create(_ context.Context, crawl *models.Crawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl.Status == "" {
		crawl.Status = models.CrawlStatusPending
	}
	if crawl.CreatedAt.IsZero() {
		crawl.CreatedAt = time.Now()
	}
	copied := *crawl
	s.crawls[crawl.ID] = &copied
	return nil
}

func (s *memCrawls) Get(_ context.Context, id string) (*models.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return nil, fmt.Errorf("crawl %s: %w", id, postgres.ErrNotFound)
	}
	copied := *crawl
	return &copied, nil
}

func (s *memCrawls) ListBySite(_ context.Context, siteID string, _ int) ([]*models.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Crawl
	for _, crawl := range s.crawls {
		if crawl.SiteID == siteID {
			copied := *crawl
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memCrawls) ListByStatus(_ context.Context, statuses ...models.CrawlStatus) ([]*models.Crawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Crawl
	for _, crawl := range s.crawls {
		for _, status := range statuses {
			if crawl.Status == status {
				copied := *crawl
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (s *memCrawls) UpdateStatus(_ context.Context, id string, status models.CrawlStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return fmt.Errorf("crawl %s: %w", id, postgres.ErrNotFound)
	}
	crawl.Status = status
	if status.IsTerminal() && crawl.CompletedAt == nil {
		now := time.Now()
		crawl.CompletedAt = &now
	}
	return nil
}

func (s *memCrawls) UpdateProgress(_ context.Context, id string, total, succeeded, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl, ok := s.crawls[id]; ok {
		crawl.TotalPages = total
		crawl.SucceededPages = succeeded
		crawl.FailedPages = failed
	}
	return nil
}

func (s *memCrawls) UpdateUploadProgress(_ context.Context, id string, totalBytes, uploadedBytes int64, currentFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl, ok := s.crawls[id]; ok {
		crawl.UploadTotalBytes = totalBytes
		crawl.UploadUploadedBytes = uploadedBytes
		crawl.UploadCurrentFile = currentFile
	}
	return nil
}

func (s *memCrawls) MarkStarted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl, ok := s.crawls[id]; ok {
		crawl.Status = models.CrawlStatusRunning
		crawl.StartedAt = &at
	}
	return nil
}

func (s *memCrawls) MarkCompleted(_ context.Context, id string, status models.CrawlStatus, outputPath string, outputSize int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl, ok := s.crawls[id]; ok {
		now := time.Now()
		crawl.Status = status
		crawl.OutputPath = outputPath
		crawl.OutputSizeBytes = outputSize
		crawl.ErrorMessage = errMsg
		crawl.CompletedAt = &now
	}
	return nil
}

func (s *memCrawls) ClearOutput(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawl, ok := s.crawls[id]; ok {
		crawl.OutputPath = ""
		crawl.OutputSizeBytes = 0
	}
	return nil
}

func (s *memCrawls) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.crawls, id)
	return nil
}

type memLogs memStore

func (s *memLogs) Append(_ context.Context, entry *models.CrawlLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.logs[entry.CrawlID] = append(s.logs[entry.CrawlID], &copied)
	return nil
}

func (s *memLogs) List(_ context.Context, crawlID string, _ int) ([]*models.CrawlLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CrawlLogEntry(nil), s.logs[crawlID]...), nil
}

func (s *memLogs) DeleteByCrawl(_ context.Context, crawlID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, crawlID)
	return nil
}

type memSettings memStore

func (s *memSettings) Get(_ context.Context, key string) (*models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, postgres.ErrNotFound)
	}
	return &models.Setting{Key: key, Value: value}, nil
}

func (s *memSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// fakeQueue records queue interactions for reconciler tests
type fakeQueue struct {
	mu       sync.Mutex
	states   map[string]string
	added    []string
	requeued []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{states: map[string]string{}}
}

func (q *fakeQueue) Add(_ context.Context, job *interfaces.QueueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.states[job.ID]; ok {
		return errors.New("job already exists")
	}
	q.states[job.ID] = interfaces.JobStateWaiting
	q.added = append(q.added, job.ID)
	return nil
}

func (q *fakeQueue) Lease(context.Context, time.Duration, time.Duration) (*interfaces.QueueJob, error) {
	return nil, nil
}

func (q *fakeQueue) RenewLease(context.Context, string, time.Duration) error { return nil }

func (q *fakeQueue) Requeue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = interfaces.JobStateWaiting
	q.requeued = append(q.requeued, jobID)
	return nil
}

func (q *fakeQueue) GetState(_ context.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state, ok := q.states[jobID]; ok {
		return state, nil
	}
	return interfaces.JobStateMissing, nil
}

func (q *fakeQueue) Complete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = interfaces.JobStateCompleted
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID string, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = interfaces.JobStateFailed
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.states, jobID)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) addedJobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.added...)
}

func (q *fakeQueue) requeuedJobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.requeued...)
}

func (q *fakeQueue) setState(jobID, state string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[jobID] = state
}
