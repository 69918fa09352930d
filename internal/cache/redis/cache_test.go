package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

func TestViewFieldsRoundTrip(t *testing.T) {
	view := domain.BookView{
		Ready:            true,
		BestBid:          955328,
		BestAsk:          955406,
		MidPrice:         955367,
		Adjusted:         true,
		Quality:          0.9875,
		Degraded:         false,
		UpdatesPerSecond: 412.5,
		Timestamp:        time.Date(2024, 3, 1, 9, 0, 0, 42, time.UTC),
	}

	fields := viewFields(view)
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = v.(string)
	}

	got, err := parseViewFields(str)
	require.NoError(t, err)
	assert.Equal(t, view, got)
}

func TestParseViewFieldsBadValue(t *testing.T) {
	_, err := parseViewFields(map[string]string{"bid": "abc"})
	assert.ErrorContains(t, err, "field bid")
}

func TestParseLevels(t *testing.T) {
	levels := parseLevels(
		[]string{"101", "100", "oops", "99"},
		map[string]string{"101": "0.5", "100": "2", "oops": "1"},
	)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(101), levels[0].Price)
	assert.True(t, levels[0].Size.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(100), levels[1].Price)
}

func TestStatusFieldsRoundTrip(t *testing.T) {
	st := domain.OrderStatus{
		OrderID:          "JRF20240301-090000-000001",
		Status:           domain.OrderStatePartialFill,
		AvgFillPrice:     decimal.RequireFromString("955012.5"),
		ExecutedQuantity: decimal.RequireFromString("0.004"),
		OutstandingSize:  decimal.NewNullDecimal(decimal.RequireFromString("0.006")),
		OrderQuantity:    decimal.NewNullDecimal(decimal.RequireFromString("0.01")),
		LastEventAt:      time.Date(2024, 3, 1, 9, 0, 1, 0, time.UTC),
		Events:           3,
	}

	fields := statusFields(st)
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = v.(string)
	}

	got, err := parseStatusFields(st.OrderID, str)
	require.NoError(t, err)
	assert.Equal(t, st.Status, got.Status)
	assert.True(t, st.AvgFillPrice.Equal(got.AvgFillPrice))
	assert.True(t, st.ExecutedQuantity.Equal(got.ExecutedQuantity))
	assert.True(t, got.OutstandingSize.Valid)
	assert.True(t, st.OutstandingSize.Decimal.Equal(got.OutstandingSize.Decimal))
	assert.True(t, st.OrderQuantity.Decimal.Equal(got.OrderQuantity.Decimal))
	assert.Equal(t, st.LastEventAt, got.LastEventAt)
	assert.Equal(t, 3, got.Events)
}

func TestStatusFieldsOmitUnknownQuantities(t *testing.T) {
	fields := statusFields(domain.OrderStatus{OrderID: "A", Status: domain.OrderStateUnknown})
	assert.NotContains(t, fields, "outstanding_size")
	assert.NotContains(t, fields, "order_quantity")
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("orders*"))
	assert.False(t, hasPattern("book"))
}

// offlineClient points at a port nothing listens on, with retries disabled.
func offlineClient(t *testing.T) *Client {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	return &Client{rdb: rdb, prefix: "bm:"}
}

func TestRateLimiterKeyIsPrefixed(t *testing.T) {
	rl := NewRateLimiter(offlineClient(t))
	assert.Equal(t, "bm:ratelimit:10.0.0.1", rl.key("10.0.0.1"))

	_, err := rl.Allow(context.Background(), "10.0.0.1", 5, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: rate limit allow")
}

func TestAcquireLeaseBackendDown(t *testing.T) {
	_, err := AcquireLease(context.Background(), offlineClient(t), "publisher:FX_BTC_JPY", time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrLockHeld))
	assert.Contains(t, err.Error(), "publisher:FX_BTC_JPY")
}
