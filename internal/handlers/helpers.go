package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// wantsReplay reports whether the subscriber asked for the retained event
// history via the replay query parameter. Streams are live-only by default.
func wantsReplay(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("replay")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// splitPath returns the path segment after prefix and any remainder.
// splitPath("/api/crawls/abc/logs", "/api/crawls/") yields ("abc", "logs").
func splitPath(path, prefix string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path {
		return "", ""
	}
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], strings.Trim(trimmed[idx+1:], "/")
	}
	return trimmed, ""
}
