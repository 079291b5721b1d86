package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/flowsync/internal/store"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store   store.Store
	feed    *FeedHub
	apiKey  string
	version string
}

// NewHandler creates a handler with the given dependencies.
func NewHandler(s store.Store, feed *FeedHub, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		feed:    feed,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health handles GET /api/v1/health. No auth required.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
