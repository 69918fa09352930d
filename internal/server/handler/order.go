package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/service"
)

// OrderReader is the read side of the order status engine.
type OrderReader interface {
	StatusOf(orderID string) (domain.OrderStatus, error)
	Events(orderID string) []domain.OrderEvent
	OrderIDs() []string
}

// StreamReader reads the durable order status stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error)
}

// OrderHandler serves derived order statuses and their audit history.
type OrderHandler struct {
	orders  OrderReader
	history domain.StatusHistoryStore
	stream  StreamReader
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. history may be nil, in which case
// the history endpoint answers 503.
func NewOrderHandler(orders OrderReader, history domain.StatusHistoryStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, history: history, logger: logger}
}

// WithStream enables the status stream endpoint.
func (h *OrderHandler) WithStream(s StreamReader) *OrderHandler {
	h.stream = s
	return h
}

type listOrdersResponse struct {
	Orders []service.OrderStatusPayload `json:"orders"`
	Total  int                          `json:"total"`
}

// ListOrders returns the status of every tracked order, sorted by id.
// GET /api/orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	ids := h.orders.OrderIDs()
	total := len(ids)

	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	out := make([]service.OrderStatusPayload, 0, end-start)
	for _, id := range ids[start:end] {
		st, _ := h.orders.StatusOf(id)
		out = append(out, service.NewOrderStatusPayload(st))
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: out, Total: total})
}

type eventPayload struct {
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	OutstandingSize decimal.Decimal `json:"outstanding_size"`
	ExecID          string          `json:"exec_id,omitempty"`
	Side            string          `json:"side,omitempty"`
	Channel         string          `json:"channel,omitempty"`
}

type orderResponse struct {
	service.OrderStatusPayload
	Error  string         `json:"error,omitempty"`
	Events []eventPayload `json:"events"`
}

// GetOrder returns one order's status and event log.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.orders.StatusOf(id)
	if st.Status == domain.OrderStateUnknown {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	resp := orderResponse{OrderStatusPayload: service.NewOrderStatusPayload(st)}
	if err != nil {
		resp.Error = err.Error()
	}
	for _, ev := range h.orders.Events(id) {
		resp.Events = append(resp.Events, eventPayload{
			Type:            string(ev.Type),
			Time:            ev.Time.UTC().Format(time.RFC3339Nano),
			Size:            ev.Size,
			Price:           ev.Price,
			OutstandingSize: ev.OutstandingSize,
			ExecID:          ev.ExecID,
			Side:            ev.Side,
			Channel:         ev.Channel,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	service.OrderStatusPayload
	ObservedAt string `json:"observed_at"`
}

// GetOrderHistory returns the persisted status observations, newest first.
// GET /api/orders/{id}/history?limit=50&since=...
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "status history is not configured")
		return
	}

	id := r.PathValue("id")
	records, err := h.history.ListByOrder(r.Context(), id, parseListOpts(r))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "handler: list order history failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list order history")
		return
	}

	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, historyEntry{
			OrderStatusPayload: service.NewOrderStatusPayload(rec.Status),
			ObservedAt:         rec.ObservedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "history": out})
}

type streamEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// GetOrderEvents pages through the order status stream. Clients pass the
// returned next id as after to resume where they left off.
// GET /api/orders/events?after=0-0&limit=50
func (h *OrderHandler) GetOrderEvents(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "order stream is not configured")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0-0"
	}
	msgs, err := h.stream.StreamRead(r.Context(), service.StreamOrders, after, parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read order stream failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read order stream")
		return
	}

	out := make([]streamEntry, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEntry{ID: m.ID, Payload: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}
