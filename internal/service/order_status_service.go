package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/notify"
)

const (
	// ChannelOrders is the bus channel carrying order status events.
	ChannelOrders = "orders"
	// StreamOrders is the durable stream of the same events.
	StreamOrders = "orders"
)

// StatusSource is the read side of the order status engine.
type StatusSource interface {
	StatusOf(orderID string) (domain.OrderStatus, error)
	WaitForUpdate(ctx context.Context) (string, error)
}

// OrderStatusService is the single consumer of order update notifications.
// For every updated order it recomputes the status and fans it out to the
// cache, the bus, the history store and, on fills and failures, the alerts.
type OrderStatusService struct {
	source  StatusSource
	cache   domain.OrderStatusCache
	bus     domain.SignalBus
	history domain.StatusHistoryStore
	alerts  Alerter
	now     func() time.Time
	logger  *slog.Logger

	last map[string]domain.OrderState
}

// NewOrderStatusService wires the fan-out. Any sink may be nil.
func NewOrderStatusService(
	source StatusSource,
	cache domain.OrderStatusCache,
	bus domain.SignalBus,
	history domain.StatusHistoryStore,
	alerts Alerter,
	logger *slog.Logger,
) *OrderStatusService {
	return &OrderStatusService{
		source:  source,
		cache:   cache,
		bus:     bus,
		history: history,
		alerts:  alerts,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "order_status")),
		last:    make(map[string]domain.OrderState),
	}
}

// Run consumes updates until ctx is done. Sink failures are logged and do not
// stop the loop.
func (s *OrderStatusService) Run(ctx context.Context) error {
	for {
		id, err := s.source.WaitForUpdate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("order_status: wait: %w", err)
		}
		if err := s.Handle(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "order status fan-out failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Handle recomputes and distributes the status of one order.
func (s *OrderStatusService) Handle(ctx context.Context, orderID string) error {
	st, err := s.source.StatusOf(orderID)
	var failed *domain.OrderFailedError
	if err != nil && !errors.As(err, &failed) {
		return fmt.Errorf("order_status: status of %s: %w", orderID, err)
	}
	if st.Status == domain.OrderStateUnknown {
		return nil
	}

	prev, seen := s.last[orderID]
	s.last[orderID] = st.Status

	var errs []error
	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bus != nil {
		if err := s.publish(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	if s.history != nil {
		if err := s.history.Append(ctx, st, s.now()); err != nil {
			errs = append(errs, err)
		}
	}

	if !seen || prev != st.Status {
		s.logger.InfoContext(ctx, "order status",
			slog.String("order_id", orderID),
			slog.String("status", string(st.Status)),
			slog.String("executed", st.ExecutedQuantity.String()),
			slog.String("avg_price", st.AvgFillPrice.String()),
		)
		s.alert(ctx, st)
	}
	return errors.Join(errs...)
}

func (s *OrderStatusService) publish(ctx context.Context, st domain.OrderStatus) error {
	payload, err := OrderStatusJSON(st)
	if err != nil {
		return fmt.Errorf("order_status: marshal: %w", err)
	}
	if err := s.bus.Publish(ctx, ChannelOrders, payload); err != nil {
		return fmt.Errorf("order_status: publish: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, StreamOrders, payload); err != nil {
		return fmt.Errorf("order_status: stream append: %w", err)
	}
	return nil
}

func (s *OrderStatusService) alert(ctx context.Context, st domain.OrderStatus) {
	if s.alerts == nil {
		return
	}
	var event, title string
	switch st.Status {
	case domain.OrderStateFullFill:
		event, title = notify.EventOrderFilled, "Order filled"
	case domain.OrderStateOrderFailed:
		event, title = notify.EventOrderFailed, "Order failed"
	default:
		return
	}
	msg := fmt.Sprintf("%s executed %s @ %s", st.OrderID, st.ExecutedQuantity, st.AvgFillPrice)
	if err := s.alerts.Notify(ctx, event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "order alert failed", slog.String("error", err.Error()))
	}
}

// OrderStatusPayload is the JSON shape of a status on the bus and the HTTP
// API.
type OrderStatusPayload struct {
	OrderID          string           `json:"order_id"`
	Status           string           `json:"status"`
	AvgFillPrice     decimal.Decimal  `json:"avg_fill_price"`
	ExecutedQuantity decimal.Decimal  `json:"executed_quantity"`
	OutstandingSize  *decimal.Decimal `json:"outstanding_size,omitempty"`
	OrderQuantity    *decimal.Decimal `json:"order_quantity,omitempty"`
	LastEventAt      string           `json:"last_event_at,omitempty"`
	Events           int              `json:"events"`
}

// OrderStatusJSON renders a status in the bus/API shape.
func OrderStatusJSON(st domain.OrderStatus) ([]byte, error) {
	return json.Marshal(NewOrderStatusPayload(st))
}

// NewOrderStatusPayload renders st.
func NewOrderStatusPayload(st domain.OrderStatus) OrderStatusPayload {
	out := OrderStatusPayload{
		OrderID:          st.OrderID,
		Status:           string(st.Status),
		AvgFillPrice:     st.AvgFillPrice,
		ExecutedQuantity: st.ExecutedQuantity,
		Events:           st.Events,
	}
	if st.OutstandingSize.Valid {
		d := st.OutstandingSize.Decimal
		out.OutstandingSize = &d
	}
	if st.OrderQuantity.Valid {
		d := st.OrderQuantity.Decimal
		out.OrderQuantity = &d
	}
	if !st.LastEventAt.IsZero() {
		out.LastEventAt = st.LastEventAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}
