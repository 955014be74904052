package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// WSCrawlHandler mirrors the SSE stream over a WebSocket for dashboards
// that prefer a bidirectional transport
type WSCrawlHandler struct {
	store    interfaces.Store
	bus      interfaces.EventBus
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

func NewWSCrawlHandler(store interfaces.Store, bus interfaces.EventBus) *WSCrawlHandler {
	return &WSCrawlHandler{
		store: store,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: common.GetLogger().WithPrefix("ws"),
	}
}

// StreamCrawlEvents handles GET /ws/crawls/{id}. Live-only by default;
// replay=1 prepends the retained event window.
func (h *WSCrawlHandler) StreamCrawlEvents(w http.ResponseWriter, r *http.Request) {
	crawlID, _ := splitPath(r.URL.Path, "/ws/crawls/")
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

	live, err := h.bus.Subscribe(r.Context(), crawlID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe to crawl events")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Str("crawl", crawlID).Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Read pump: the client sends nothing we care about, but reading is
	// required to notice the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(event models.CrawlEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return false
		}
		return true
	}

	if !send(models.CrawlEvent{Type: models.EventTypeConnected, CrawlID: crawlID}) {
		return
	}
	if wantsReplay(r) {
		replay, err := h.bus.Replay(r.Context(), crawlID)
		if err != nil {
			h.logger.Warn().Str("crawl", crawlID).Err(err).Msg("Event replay failed")
		}
		for _, event := range replay {
			if !send(event) {
				return
			}
		}
	}

	terminal := crawl.Status.IsTerminal()
	pingTicker := time.NewTicker(ssePingInterval)
	statusTicker := time.NewTicker(sseStatusInterval)
	defer pingTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return

		case event, ok := <-live:
			if !ok {
				return
			}
			if !send(event) {
				return
			}

		case <-statusTicker.C:
			if terminal {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "crawl finished"),
					time.Now().Add(time.Second))
				return
			}
			current, err := h.store.Crawls().Get(r.Context(), crawlID)
			if err != nil || current.Status.IsTerminal() {
				terminal = true
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
