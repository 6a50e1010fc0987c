package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pricewatch/internal/feed"
)

// OutcomeReplayer reads refresh outcomes back from the outcome stream.
type OutcomeReplayer interface {
	After(ctx context.Context, after string, limit int) ([]feed.StreamedOutcome, error)
}

// OutcomeHandler lets clients catch up on outcomes they missed while
// disconnected from the websocket.
type OutcomeHandler struct {
	replay OutcomeReplayer
	logger *slog.Logger
}

func NewOutcomeHandler(replay OutcomeReplayer, logger *slog.Logger) *OutcomeHandler {
	return &OutcomeHandler{replay: replay, logger: logger}
}

// Recent returns up to limit (default 100, max 1000) outcomes after the
// stream cursor "after", plus the cursor to resume from.
// GET /api/outcomes?after=<id>&limit=<n>
func (h *OutcomeHandler) Recent(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}

	outcomes, err := h.replay.After(r.Context(), after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: replay outcomes", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "outcome stream unavailable")
		return
	}
	next := after
	if len(outcomes) > 0 {
		next = outcomes[len(outcomes)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": outcomes,
		"next":     next,
	})
}
