package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// orderStatusTTL expires projections of orders that have gone quiet.
const orderStatusTTL = 7 * 24 * time.Hour

// OrderStatusCache implements domain.OrderStatusCache. Each order's latest
// projection is a hash at "order:{id}"; "orders:recent" is a sorted set of
// order ids scored by last event time.
type OrderStatusCache struct {
	rdb    *redis.Client
	prefix string
}

// NewOrderStatusCache creates an OrderStatusCache backed by the given Client.
func NewOrderStatusCache(c *Client) *OrderStatusCache {
	return &OrderStatusCache{rdb: c.Underlying(), prefix: c.KeyPrefix()}
}

func (oc *OrderStatusCache) orderKey(id string) string { return oc.prefix + "order:" + id }
func (oc *OrderStatusCache) recentKey() string         { return oc.prefix + "orders:recent" }

// SetStatus stores the projection and indexes it by last event time.
func (oc *OrderStatusCache) SetStatus(ctx context.Context, st domain.OrderStatus) error {
	key := oc.orderKey(st.OrderID)

	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, statusFields(st))
	pipe.Expire(ctx, key, orderStatusTTL)
	pipe.ZAdd(ctx, oc.recentKey(), redis.Z{
		Score:  float64(st.LastEventAt.UnixMilli()),
		Member: st.OrderID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set order status %s: %w", st.OrderID, err)
	}
	return nil
}

// GetStatus returns the cached projection, or domain.ErrNotFound.
func (oc *OrderStatusCache) GetStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	vals, err := oc.rdb.HGetAll(ctx, oc.orderKey(orderID)).Result()
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("redis: get order status %s: %w", orderID, err)
	}
	if len(vals) == 0 {
		return domain.OrderStatus{}, domain.ErrNotFound
	}
	st, err := parseStatusFields(orderID, vals)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("redis: parse order status %s: %w", orderID, err)
	}
	return st, nil
}

// RecentOrderIDs returns up to limit order ids, most recently active first.
func (oc *OrderStatusCache) RecentOrderIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := oc.rdb.ZRevRange(ctx, oc.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent orders: %w", err)
	}
	return ids, nil
}

func statusFields(st domain.OrderStatus) map[string]any {
	f := map[string]any{
		"status":            string(st.Status),
		"avg_fill_price":    st.AvgFillPrice.String(),
		"executed_quantity": st.ExecutedQuantity.String(),
		"last_event_at":     strconv.FormatInt(st.LastEventAt.UnixNano(), 10),
		"events":            strconv.Itoa(st.Events),
	}
	if st.OutstandingSize.Valid {
		f["outstanding_size"] = st.OutstandingSize.Decimal.String()
	}
	if st.OrderQuantity.Valid {
		f["order_quantity"] = st.OrderQuantity.Decimal.String()
	}
	return f
}

func parseStatusFields(orderID string, f map[string]string) (domain.OrderStatus, error) {
	st := domain.OrderStatus{OrderID: orderID, Status: domain.OrderState(f["status"])}

	var err error
	if st.AvgFillPrice, err = decimal.NewFromString(f["avg_fill_price"]); err != nil {
		return st, fmt.Errorf("avg_fill_price: %w", err)
	}
	if st.ExecutedQuantity, err = decimal.NewFromString(f["executed_quantity"]); err != nil {
		return st, fmt.Errorf("executed_quantity: %w", err)
	}
	if s, ok := f["outstanding_size"]; ok {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return st, fmt.Errorf("outstanding_size: %w", err)
		}
		st.OutstandingSize = decimal.NewNullDecimal(d)
	}
	if s, ok := f["order_quantity"]; ok {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return st, fmt.Errorf("order_quantity: %w", err)
		}
		st.OrderQuantity = decimal.NewNullDecimal(d)
	}
	if s, ok := f["last_event_at"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return st, fmt.Errorf("last_event_at: %w", err)
		}
		st.LastEventAt = time.Unix(0, ns).UTC()
	}
	if s, ok := f["events"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return st, fmt.Errorf("events: %w", err)
		}
		st.Events = n
	}
	return st, nil
}

// Compile-time interface check.
var _ domain.OrderStatusCache = (*OrderStatusCache)(nil)
