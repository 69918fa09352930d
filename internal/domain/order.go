package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventType is the lifecycle event reported by the exchange for an order.
type OrderEventType string

const (
	EventNew          OrderEventType = "NEW"
	EventOrderFailed  OrderEventType = "ORDER_FAILED"
	EventCancel       OrderEventType = "CANCEL"
	EventCancelFailed OrderEventType = "CANCEL_FAILED"
	EventExecution    OrderEventType = "EXECUTION"
	EventExpire       OrderEventType = "EXPIRE"
)

// ParseOrderEventType maps a wire event_type onto the domain type. The
// exchange reports a new order as "ORDER". Unknown types (parent order
// TRIGGER/COMPLETE, for instance) return false.
func ParseOrderEventType(s string) (OrderEventType, bool) {
	switch s {
	case "ORDER", "NEW":
		return EventNew, true
	case "ORDER_FAILED":
		return EventOrderFailed, true
	case "CANCEL":
		return EventCancel, true
	case "CANCEL_FAILED":
		return EventCancelFailed, true
	case "EXECUTION":
		return EventExecution, true
	case "EXPIRE":
		return EventExpire, true
	default:
		return "", false
	}
}

// OrderEvent is an immutable lifecycle record for one order. OrderID is the
// acceptance id returned when the order was placed.
type OrderEvent struct {
	OrderID         string
	Type            OrderEventType
	Time            time.Time
	Size            decimal.Decimal
	Price           decimal.Decimal
	OutstandingSize decimal.Decimal
	ExecID          string
	Side            string
	Channel         string
}

// OrderState is the derived lifecycle state of an order.
type OrderState string

const (
	OrderStateUnknown      OrderState = "unknown"
	OrderStateOpen         OrderState = "open"
	OrderStatePartialFill  OrderState = "partial_fill"
	OrderStateFullFill     OrderState = "full_fill"
	OrderStateCancel       OrderState = "cancel"
	OrderStateCancelFailed OrderState = "cancel_failed"
	OrderStateExpire       OrderState = "expire"
	OrderStateOrderFailed  OrderState = "order_failed"
)

// Terminal reports whether no further transition is expected from s.
// CANCEL_FAILED is deliberately not terminal: a retry may follow.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFullFill, OrderStateCancel, OrderStateExpire, OrderStateOrderFailed:
		return true
	}
	return false
}

// OrderStatus is the projection of an order's event log. It is never stored
// by the engine; callers recompute it on demand.
type OrderStatus struct {
	OrderID          string
	Status           OrderState
	AvgFillPrice     decimal.Decimal
	ExecutedQuantity decimal.Decimal
	OutstandingSize  decimal.NullDecimal
	OrderQuantity    decimal.NullDecimal
	LastEventAt      time.Time
	Events           int
}
