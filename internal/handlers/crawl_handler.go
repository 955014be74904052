package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
	"github.com/ternarybob/sitevault/internal/models"
	"github.com/ternarybob/sitevault/internal/queue"
	"github.com/ternarybob/sitevault/internal/storage/postgres"
)

// CrawlHandler serves the crawl lifecycle API
type CrawlHandler struct {
	store  interfaces.Store
	queue  interfaces.Queue
	logger arbor.ILogger
}

func NewCrawlHandler(store interfaces.Store, q interfaces.Queue) *CrawlHandler {
	return &CrawlHandler{
		store:  store,
		queue:  q,
		logger: common.GetLogger().WithPrefix("api"),
	}
}

type createCrawlRequest struct {
	SiteID string `json:"site_id"`
}

// CreateCrawlHandler handles POST /api/crawls: a pending row plus a queue
// job sharing the same ID
func (h *CrawlHandler) CreateCrawlHandler(w http.ResponseWriter, r *http.Request) {
	var req createCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}

	site, err := h.store.Sites().Get(r.Context(), req.SiteID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "site not found")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to load site")
		writeError(w, http.StatusInternalServerError, "failed to load site")
		return
	}
	if err := site.ValidateSchedule(); err != nil {
		h.logger.Warn().Str("site", site.ID).Err(err).Msg("Site has an invalid schedule expression")
	}

	crawl := &models.Crawl{
		ID:        uuid.New().String(),
		SiteID:    site.ID,
		Status:    models.CrawlStatusPending,
		CreatedAt: time.Now(),
	}
	if err := h.store.Crawls().Create(r.Context(), crawl); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create crawl")
		writeError(w, http.StatusInternalServerError, "failed to create crawl")
		return
	}

	job := &interfaces.QueueJob{ID: crawl.ID, SiteID: site.ID, CreatedAt: crawl.CreatedAt}
	if err := h.queue.Add(r.Context(), job); err != nil {
		if errors.Is(err, queue.ErrJobExists) {
			writeError(w, http.StatusConflict, "crawl already queued")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to enqueue crawl")
		writeError(w, http.StatusInternalServerError, "failed to enqueue crawl")
		return
	}

	h.logger.Info().Str("crawl", crawl.ID).Str("site", site.ID).Msg("Crawl queued")
	writeJSON(w, http.StatusAccepted, crawl)
}

// GetCrawlHandler handles GET /api/crawls/{id}
func (h *CrawlHandler) GetCrawlHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := splitPath(r.URL.Path, "/api/crawls/")
	crawl, err := h.store.Crawls().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}
	writeJSON(w, http.StatusOK, crawl)
}

// CancelCrawlHandler handles POST /api/crawls/{id}/cancel. The worker
// observes the status change on its next poll and stops.
func (h *CrawlHandler) CancelCrawlHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := splitPath(r.URL.Path, "/api/crawls/")
	crawl, err := h.store.Crawls().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}
	if crawl.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "crawl already finished")
		return
	}

	if err := h.store.Crawls().UpdateStatus(r.Context(), id, models.CrawlStatusCancelled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel crawl")
		return
	}
	if crawl.Status == models.CrawlStatusPending {
		// Not leased yet; drop the queue entry so no worker picks it up
		if err := h.queue.Remove(r.Context(), id); err != nil {
			h.logger.Warn().Str("crawl", id).Err(err).Msg("Failed to remove queued job for cancelled crawl")
		}
	}

	h.logger.Info().Str("crawl", id).Msg("Crawl cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.CrawlStatusCancelled)})
}

// ListCrawlLogsHandler handles GET /api/crawls/{id}/logs
func (h *CrawlHandler) ListCrawlLogsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := splitPath(r.URL.Path, "/api/crawls/")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	if _, err := h.store.Crawls().Get(r.Context(), id); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}

	logs, err := h.store.CrawlLogs().List(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load crawl logs")
		return
	}
	if logs == nil {
		logs = []*models.CrawlLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"crawl_id": id, "logs": logs})
}
