package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// Triggerer starts a background refresh cycle.
type Triggerer interface {
	Trigger() bool
}

// RefreshHandler serves the manual refresh trigger.
type RefreshHandler struct {
	scheduler Triggerer
	logger    *slog.Logger
}

// NewRefreshHandler creates a RefreshHandler. scheduler may be nil when no
// background loop runs in this process.
func NewRefreshHandler(scheduler Triggerer, logger *slog.Logger) *RefreshHandler {
	return &RefreshHandler{scheduler: scheduler, logger: logger}
}

// Trigger enqueues one refresh cycle over every tracked listing.
// POST /api/refresh
func (h *RefreshHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh scheduler not running")
		return
	}
	queued := h.scheduler.Trigger()
	h.logger.InfoContext(r.Context(), "handler: refresh trigger requested", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
