package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StatusRecord is one persisted observation of an order's derived status.
type StatusRecord struct {
	ID         int64
	Status     OrderStatus
	ObservedAt time.Time
}

// StatusHistoryStore keeps an append-only audit trail of derived order
// statuses. It is write-mostly and is never read to rebuild engine state.
type StatusHistoryStore interface {
	Append(ctx context.Context, status OrderStatus, observedAt time.Time) error
	ListByOrder(ctx context.Context, orderID string, opts ListOpts) ([]StatusRecord, error)
}
