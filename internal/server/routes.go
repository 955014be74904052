package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Crawl lifecycle
	mux.HandleFunc("/api/crawls", s.handleCrawlsRoute)
	mux.HandleFunc("/api/crawls/", s.handleCrawlRoutes)

	// Live event streams
	mux.HandleFunc("/sse/crawls/", s.app.SSEHandler.StreamCrawlEvents)
	mux.HandleFunc("/ws/crawls/", s.app.WSHandler.StreamCrawlEvents)

	// System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleCrawlsRoute routes /api/crawls (create)
func (s *Server) handleCrawlsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.CrawlHandler.CreateCrawlHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCrawlRoutes routes /api/crawls/{id} and subpaths
func (s *Server) handleCrawlRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel") {
		s.app.CrawlHandler.CancelCrawlHandler(w, r)
		return
	}

	if r.Method == http.MethodGet {
		if strings.HasSuffix(path, "/logs") {
			s.app.CrawlHandler.ListCrawlLogsHandler(w, r)
			return
		}
		s.app.CrawlHandler.GetCrawlHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
