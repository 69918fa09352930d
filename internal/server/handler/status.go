package handler

import (
	"net/http"
	"time"
)

// StatsSource exposes the book engine's stream statistics.
type StatsSource interface {
	Ready() bool
	Quality() float64
	UpdatesPerSecond() float64
	MidPrice() int64
}

// PendingSource exposes the order engine's counters.
type PendingSource interface {
	Pending() int
	OrderIDs() []string
}

// StatusHandler serves the mirror's runtime status for dashboards.
type StatusHandler struct {
	mode      string
	product   string
	startedAt time.Time
	book      StatsSource
	orders    PendingSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, product string, startedAt time.Time, book StatsSource, orders PendingSource) *StatusHandler {
	return &StatusHandler{mode: mode, product: product, startedAt: startedAt, book: book, orders: orders}
}

// GetStatus responds with mode, uptime and stream statistics.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":               h.mode,
		"product_code":       h.product,
		"started_at":         h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
		"ready":              h.book.Ready(),
		"mid_price":          h.book.MidPrice(),
		"quality":            h.book.Quality(),
		"updates_per_second": h.book.UpdatesPerSecond(),
		"orders_tracked":     len(h.orders.OrderIDs()),
		"updates_pending":    h.orders.Pending(),
	})
}
