package interfaces

import (
	"context"

	"github.com/ternarybob/sitevault/internal/models"
)

// EventBus fans crawl events out to live subscribers and keeps a capped
// replay window per crawl so late subscribers can catch up
type EventBus interface {
	// Publish delivers the event to live subscribers of the crawl and
	// appends it to the crawl's replay stream
	Publish(ctx context.Context, crawlID string, event models.CrawlEvent) error

	// Subscribe returns a channel of events for one crawl. Cancel the
	// context to unsubscribe; the channel is closed on unsubscribe.
	Subscribe(ctx context.Context, crawlID string) (<-chan models.CrawlEvent, error)

	// Replay returns the retained events for a crawl, oldest first
	Replay(ctx context.Context, crawlID string) ([]models.CrawlEvent, error)

	Close() error
}
