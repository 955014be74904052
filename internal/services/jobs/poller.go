package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// abortReason says why a crawl was asked to stop mid-flight
type abortReason string

const (
	abortNone      abortReason = ""
	abortTimedOut  abortReason = "timed_out"
	abortCancelled abortReason = "cancelled"
	abortDeleted   abortReason = "deleted"
)

// statusPoller watches one crawl row while the crawl phase runs. The
// verdict is cached between polls so the executor's frequent ShouldAbort
// calls never hit the database.
type statusPoller struct {
	crawls   interfaces.CrawlStorage
	crawlID  string
	interval time.Duration
	deadline time.Time

	mu     sync.Mutex
	reason abortReason

	stop chan struct{}
	done chan struct{}
}

func newStatusPoller(crawls interfaces.CrawlStorage, crawlID string, interval, maxDuration time.Duration) *statusPoller {
	p := &statusPoller{
		crawls:   crawls,
		crawlID:  crawlID,
		interval: interval,
		deadline: time.Now().Add(maxDuration),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *statusPoller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if reason := p.check(); reason != abortNone {
				p.mu.Lock()
				p.reason = reason
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *statusPoller) check() abortReason {
	if time.Now().After(p.deadline) {
		return abortTimedOut
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	crawl, err := p.crawls.Get(ctx, p.crawlID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return abortDeleted
		}
		// Transient lookup failure; keep crawling
		return abortNone
	}
	if crawl.Status == models.CrawlStatusCancelled {
		return abortCancelled
	}
	return abortNone
}

// ShouldAbort is the executor-facing predicate
func (p *statusPoller) ShouldAbort(context.Context) bool {
	return p.Reason() != abortNone
}

func (p *statusPoller) Reason() abortReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Close stops the watch goroutine
func (p *statusPoller) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}
