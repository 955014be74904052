package events

import (
	"context"
	"sync"

	"github.com/ternarybob/sitevault/internal/models"
)

// MemoryBus is an in-process interfaces.EventBus for development and tests.
// Replay windows are capped the same way as the Redis bus.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan models.CrawlEvent]struct{}
	replay      map[string][]models.CrawlEvent
	closed      bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]map[chan models.CrawlEvent]struct{}),
		replay:      make(map[string][]models.CrawlEvent),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, crawlID string, event models.CrawlEvent) error {
	b.mu.Lock()
	window := append(b.replay[crawlID], event)
	if len(window) > replayMaxLen {
		window = window[len(window)-replayMaxLen:]
	}
	b.replay[crawlID] = window

	var targets []chan models.CrawlEvent
	for ch := range b.subscribers[crawlID] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, crawlID string) (<-chan models.CrawlEvent, error) {
	ch := make(chan models.CrawlEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[crawlID] == nil {
		b.subscribers[crawlID] = make(map[chan models.CrawlEvent]struct{})
	}
	b.subscribers[crawlID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs, ok := b.subscribers[crawlID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subscribers, crawlID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *MemoryBus) Replay(ctx context.Context, crawlID string) ([]models.CrawlEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	window := b.replay[crawlID]
	out := make([]models.CrawlEvent, len(window))
	copy(out, window)
	return out, nil
}

func (b *MemoryBus) Close() error {
	return nil
}
