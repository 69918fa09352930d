// Package server exposes the mirrored book and order statuses over a
// read-only HTTP API plus a WebSocket push endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/server/handler"
	"github.com/alanyoungcy/boardmirror/internal/server/middleware"
	"github.com/alanyoungcy/boardmirror/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables token auth on everything except /api/health.
	APIKey string
	// RateLimit is requests per second per client; zero disables it.
	RateLimit int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Book   *handler.BookHandler
	Orders *handler.OrderHandler
	// Resync is optional.
	Resync *handler.ResyncHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and the middleware chain. wsHub and limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	h := middleware.CORS(cfg.CORSOrigins)(
		middleware.Logging(logger)(
			withRateLimit(limiter, cfg.RateLimit, logger)(
				middleware.Auth(cfg.APIKey, "/api/health")(
					Routes(handlers, wsHub),
				),
			),
		),
	)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the route table.
func Routes(handlers Handlers, wsHub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	mux.HandleFunc("GET /api/book", handlers.Book.GetBook)
	mux.HandleFunc("GET /api/book/liquidity", handlers.Book.GetLiquidity)
	if handlers.Resync != nil {
		mux.HandleFunc("POST /api/book/resync", handlers.Resync.Resync)
	}
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/events", handlers.Orders.GetOrderEvents)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("GET /api/orders/{id}/history", handlers.Orders.GetOrderHistory)
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	return mux
}

func withRateLimit(limiter domain.RateLimiter, perSecond int, logger *slog.Logger) func(http.Handler) http.Handler {
	if limiter == nil || perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(limiter, perSecond, time.Second, logger)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
