package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/models"
)

const (
	// replayMaxLen caps the per-crawl replay stream. Approximate trimming
	// lets Redis trim in whole macro nodes.
	replayMaxLen = 1000

	// subscriberBuffer absorbs bursts before a slow consumer drops events
	subscriberBuffer = 256
)

func channelKey(crawlID string) string { return "crawl:" + crawlID }
func streamKey(crawlID string) string  { return "crawl-events:" + crawlID }

// RedisBus implements interfaces.EventBus on Redis pub/sub with a capped
// stream per crawl for replay. Live delivery is fire-and-forget; the
// stream is what late subscribers catch up from.
type RedisBus struct {
	client *redis.Client
	logger arbor.ILogger
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		logger: common.GetLogger().WithPrefix("eventbus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, crawlID string, event models.CrawlEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Publish(ctx, channelKey(crawlID), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(crawlID),
		MaxLen: replayMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(payload)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event for crawl %s: %w", crawlID, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, crawlID string) (<-chan models.CrawlEvent, error) {
	pubsub := b.client.Subscribe(ctx, channelKey(crawlID))

	// Wait for the subscription to land so no events published after this
	// call are missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to crawl %s: %w", crawlID, err)
	}

	out := make(chan models.CrawlEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.CrawlEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn().Str("crawl_id", crawlID).Err(err).Msg("Dropping malformed event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				default:
					// Slow consumer; drop rather than block the pump
					b.logger.Debug().Str("crawl_id", crawlID).Msg("Subscriber buffer full, dropping event")
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Replay(ctx context.Context, crawlID string) ([]models.CrawlEvent, error) {
	entries, err := b.client.XRange(ctx, streamKey(crawlID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read replay stream for crawl %s: %w", crawlID, err)
	}

	events := make([]models.CrawlEvent, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}
		var event models.CrawlEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			b.logger.Warn().Str("crawl_id", crawlID).Err(err).Msg("Skipping malformed replay entry")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (b *RedisBus) Close() error {
	return nil
}
