package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessSource reports whether the book has received its first snapshot.
type ReadinessSource interface {
	Ready() bool
	Quality() float64
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	mode    string
	book    ReadinessSource
	deps    map[string]Pinger
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. deps may be empty.
func NewHealthHandler(mode string, book ReadinessSource, deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:    mode,
		book:    book,
		deps:    deps,
		started: time.Now(),
		logger:  logger,
	}
}

// HealthCheck answers 200 with status "ok" when every dependency responds,
// and 503 with status "degraded" otherwise. A book that is not yet ready is
// reported but does not fail the check.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.deps))
	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health: dependency unreachable",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"book_ready":     h.book.Ready(),
		"stream_quality": h.book.Quality(),
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
