package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitevault/internal/models"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client)
}

func TestRedisBusPublishAndReplay(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "c1", models.NewLogEvent(models.LogLevelInfo, "starting crawl", "")))
	require.NoError(t, bus.Publish(ctx, "c1", models.NewProgressEvent(10, 4, 1, "https://example.com/about")))

	events, err := bus.Replay(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, models.EventTypeLog, events[0].Type)
	assert.Equal(t, "starting crawl", events[0].Message)
	assert.Equal(t, models.EventTypeProgress, events[1].Type)
	assert.Equal(t, 10, events[1].Total)
	assert.Equal(t, "https://example.com/about", events[1].CurrentURL)
}

func TestRedisBusReplayIsolatedPerCrawl(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "c1", models.NewLogEvent(models.LogLevelInfo, "one", "")))
	require.NoError(t, bus.Publish(ctx, "c2", models.NewLogEvent(models.LogLevelInfo, "two", "")))

	events, err := bus.Replay(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "one", events[0].Message)
}

func TestRedisBusReplayEmptyCrawl(t *testing.T) {
	bus := newTestBus(t)

	events, err := bus.Replay(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisBusSubscribeReceivesLiveEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "c1", models.NewLogEvent(models.LogLevelWarn, "slow page", "https://example.com/slow")))

	select {
	case event := <-ch:
		assert.Equal(t, models.EventTypeLog, event.Type)
		assert.Equal(t, models.LogLevelWarn, event.Level)
		assert.Equal(t, "https://example.com/slow", event.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisBusSubscribeClosesOnCancel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "c1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisBusReplayWindowIsCapped(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < replayMaxLen+50; i++ {
		require.NoError(t, bus.Publish(ctx, "c1", models.NewLogEvent(models.LogLevelInfo, fmt.Sprintf("line %d", i), "")))
	}

	events, err := bus.Replay(ctx, "c1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), replayMaxLen)
	assert.Equal(t, fmt.Sprintf("line %d", replayMaxLen+49), events[len(events)-1].Message)
}
