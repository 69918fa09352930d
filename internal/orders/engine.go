// Package orders reconstructs order lifecycle state from exchange order
// events. Events are stored per order; status is derived on demand by folding
// the log, so the stored data is never out of sync with the derived view.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// DefaultMaxPending bounds the queue of order ids waiting to be picked up by
// WaitForUpdate.
const DefaultMaxPending = 100_000

// Config tunes an Engine. Zero values fall back to the defaults.
type Config struct {
	// FillTolerance unset means DefaultFillTolerance; set to zero for exact
	// comparison.
	FillTolerance decimal.NullDecimal
	MaxPending    int
}

// Engine is the order status engine. RecordEvent is called by a single
// writer; StatusOf, Events and OrderIDs are safe for concurrent readers.
type Engine struct {
	mu   sync.RWMutex
	logs map[string]*eventLog

	tolerance decimal.Decimal

	warnMu sync.Mutex
	warned map[string]struct{}

	pendingMu  sync.Mutex
	pending    []string
	maxPending int
	signal     chan struct{}

	logger *slog.Logger
}

// NewEngine creates an empty Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	tolerance := DefaultFillTolerance
	if cfg.FillTolerance.Valid && !cfg.FillTolerance.Decimal.IsNegative() {
		tolerance = cfg.FillTolerance.Decimal
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Engine{
		logs:       make(map[string]*eventLog),
		tolerance:  tolerance,
		warned:     make(map[string]struct{}),
		maxPending: cfg.MaxPending,
		signal:     make(chan struct{}, 1),
		logger:     logger.With(slog.String("component", "orders")),
	}
}

// RecordEvent appends ev to its order's log, creating the log on the first
// event. A redelivered copy of an already logged event is ignored and does
// not wake WaitForUpdate.
func (e *Engine) RecordEvent(ev domain.OrderEvent) error {
	if ev.OrderID == "" {
		return fmt.Errorf("orders: record event: %w: empty order id", domain.ErrInvalidEvent)
	}
	if _, ok := typeRank[ev.Type]; !ok {
		return fmt.Errorf("orders: record event %s: %w: type %q", ev.OrderID, domain.ErrInvalidEvent, ev.Type)
	}

	e.mu.Lock()
	log, ok := e.logs[ev.OrderID]
	if !ok {
		log = newEventLog()
		e.logs[ev.OrderID] = log
	}
	added := log.add(ev)
	e.mu.Unlock()

	if !added {
		e.logger.Debug("duplicate order event ignored",
			slog.String("order_id", ev.OrderID),
			slog.String("event_type", string(ev.Type)),
		)
		return nil
	}

	e.enqueue(ev.OrderID)
	return nil
}

// StatusOf folds the order's event log into its current status. An order with
// no events yields OrderStateUnknown and no error. A logged ORDER_FAILED
// yields OrderStateOrderFailed together with a *domain.OrderFailedError.
func (e *Engine) StatusOf(orderID string) (domain.OrderStatus, error) {
	e.mu.RLock()
	log, ok := e.logs[orderID]
	var events []domain.OrderEvent
	if ok {
		events = log.events()
	}
	e.mu.RUnlock()

	if !ok {
		return domain.OrderStatus{OrderID: orderID, Status: domain.OrderStateUnknown}, nil
	}

	res, err := fold(orderID, events, e.tolerance)
	if err != nil {
		return res.status, err
	}
	if res.missingNew {
		e.warnOnce(orderID, res.status)
	}
	return res.status, nil
}

// WaitForUpdate blocks until some order receives a new event and returns its
// id. Each update is handed to exactly one caller. It returns ctx.Err() when
// ctx is done first.
func (e *Engine) WaitForUpdate(ctx context.Context) (string, error) {
	for {
		if id, ok := e.dequeue(); ok {
			return id, nil
		}
		select {
		case <-e.signal:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Events returns a copy of the order's log in chronological order, or nil.
func (e *Engine) Events(orderID string) []domain.OrderEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	log, ok := e.logs[orderID]
	if !ok {
		return nil
	}
	return log.events()
}

// OrderIDs returns every order with at least one event, sorted.
func (e *Engine) OrderIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.logs))
	for id := range e.logs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// EventCount returns the number of distinct events logged for orderID.
func (e *Engine) EventCount(orderID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if log, ok := e.logs[orderID]; ok {
		return log.len()
	}
	return 0
}

// Pending returns the number of updates not yet consumed by WaitForUpdate.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) enqueue(orderID string) {
	e.pendingMu.Lock()
	if len(e.pending) >= e.maxPending {
		dropped := e.pending[0]
		e.pending = e.pending[1:]
		e.logger.Warn("update queue full, dropping oldest",
			slog.String("dropped_order_id", dropped),
			slog.Int("max_pending", e.maxPending),
		)
	}
	e.pending = append(e.pending, orderID)
	e.pendingMu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() (string, bool) {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return "", false
	}
	id := e.pending[0]
	e.pending = e.pending[1:]
	more := len(e.pending) > 0
	e.pendingMu.Unlock()

	// Pass the wakeup on so a second waiter sees the remaining items.
	if more {
		select {
		case e.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

func (e *Engine) warnOnce(orderID string, st domain.OrderStatus) {
	e.warnMu.Lock()
	_, seen := e.warned[orderID]
	if !seen {
		e.warned[orderID] = struct{}{}
	}
	e.warnMu.Unlock()
	if seen {
		return
	}
	e.logger.Warn("order quantity unknown, NEW event never observed",
		slog.String("order_id", orderID),
		slog.String("status", string(st.Status)),
		slog.String("executed_quantity", st.ExecutedQuantity.String()),
	)
}
