package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrWSDisconnect         = errors.New("websocket disconnected")
	ErrMalformedSnapshot    = errors.New("malformed snapshot")
	ErrBookNotReady         = errors.New("order book not ready")
	ErrInvariantViolation   = errors.New("internal invariant violation")
	ErrOrderPlacementFailed = errors.New("order placement failed")
	ErrInvalidEvent         = errors.New("invalid order event")
	ErrUnknownChannel       = errors.New("unknown channel")
	ErrLockHeld             = errors.New("lock held by another owner")
)

// OrderFailedError carries the event log of an order whose placement the
// exchange rejected.
type OrderFailedError struct {
	OrderID string
	Events  []OrderEvent
}

func (e *OrderFailedError) Error() string {
	return "order " + e.OrderID + ": " + ErrOrderPlacementFailed.Error()
}

func (e *OrderFailedError) Unwrap() error { return ErrOrderPlacementFailed }
