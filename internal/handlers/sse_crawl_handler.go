package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

const (
	ssePingInterval   = 30 * time.Second
	sseStatusInterval = 5 * time.Second
)

// SSECrawlHandler streams one crawl's events over Server-Sent Events
type SSECrawlHandler struct {
	store  interfaces.Store
	bus    interfaces.EventBus
	logger arbor.ILogger
}

func NewSSECrawlHandler(store interfaces.Store, bus interfaces.EventBus) *SSECrawlHandler {
	return &SSECrawlHandler{
		store:  store,
		bus:    bus,
		logger: common.GetLogger().WithPrefix("sse"),
	}
}

// StreamCrawlEvents handles GET /sse/crawls/{id}. The stream opens with a
// connected event and forwards live events until the client disconnects or
// the crawl reaches a terminal status. Passing replay=1 prepends the
// retained event window.
func (h *SSECrawlHandler) StreamCrawlEvents(w http.ResponseWriter, r *http.Request) {
	crawlID, _ := splitPath(r.URL.Path, "/sse/crawls/")
	if crawlID == "" {
		writeError(w, http.StatusBadRequest, "crawl id is required")
		return
	}

	crawl, err := h.store.Crawls().Get(r.Context(), crawlID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing published in between is lost
	live, err := h.bus.Subscribe(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe to crawl events")
		return
	}

	h.sendEvent(w, flusher, models.CrawlEvent{Type: models.EventTypeConnected, CrawlID: crawlID})

	if wantsReplay(r) {
		replay, err := h.bus.Replay(r.Context(), crawlID)
		if err != nil {
			h.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Event replay failed")
		}
		for _, event := range replay {
			h.sendEvent(w, flusher, event)
		}
	}

	h.logger.Debug().Str("crawl", crawlID).Msg("SSE subscriber connected")

	terminal := crawl.Status.IsTerminal()
	pingTicker := time.NewTicker(ssePingInterval)
	statusTicker := time.NewTicker(sseStatusInterval)
	defer pingTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-live:
			if !ok {
				return
			}
			h.sendEvent(w, flusher, event)

		case <-statusTicker.C:
			if terminal {
				// One extra interval after the terminal status so the last
				// published events drain to the client first
				h.logger.Debug().Str("crawl", crawlID).Msg("Crawl finished, closing SSE stream")
				return
			}
			current, err := h.store.Crawls().Get(r.Context(), crawlID)
			if err != nil || current.Status.IsTerminal() {
				terminal = true
			}

		case <-pingTicker.C:
			h.sendEvent(w, flusher, models.CrawlEvent{Type: models.EventTypePing, Timestamp: time.Now()})
		}
	}
}

func (h *SSECrawlHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event models.CrawlEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	flusher.Flush()
}
