package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ResyncHandler lets an operator force a fresh board snapshot.
type ResyncHandler struct {
	logger  *slog.Logger
	trigger func() // nil when no live feed is attached
}

// NewResyncHandler creates a ResyncHandler. trigger may be nil, e.g. during
// replay.
func NewResyncHandler(trigger func(), logger *slog.Logger) *ResyncHandler {
	return &ResyncHandler{logger: logger, trigger: trigger}
}

// Resync requests a snapshot resubscription. Requests made while one is
// already pending are coalesced by the feed.
// POST /api/book/resync
func (h *ResyncHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "no live feed attached")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: book resync requested")
	h.trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
