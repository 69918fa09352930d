package domain

import (
	"context"
	"time"
)

// BookCache mirrors the derived book view into an external cache so other
// processes can read top-of-book without a feed of their own.
type BookCache interface {
	SetView(ctx context.Context, product string, view BookView) error
	GetView(ctx context.Context, product string) (BookView, error)
}

// OrderStatusCache mirrors order status projections.
type OrderStatusCache interface {
	SetStatus(ctx context.Context, status OrderStatus) error
	GetStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter admits at most limit requests per window for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
