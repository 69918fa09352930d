package lightstream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

func TestDecodeBoard(t *testing.T) {
	raw := []byte(`{"mid_price":955360.0,"bids":[{"price":955330.0,"size":1.21}],"asks":[{"price":955398.0,"size":0}]}`)

	u, err := DecodeBoard(raw, false)
	require.NoError(t, err)
	assert.False(t, u.Snapshot)
	assert.Equal(t, int64(955360), u.MidPrice)
	require.Len(t, u.Bids, 1)
	assert.Equal(t, int64(955330), u.Bids[0].Price)
	assert.True(t, u.Bids[0].Size.Equal(decimal.RequireFromString("1.21")))
	require.Len(t, u.Asks, 1)
	assert.True(t, u.Asks[0].Size.IsZero())

	_, err = DecodeBoard([]byte(`{"mid_price":`), true)
	assert.Error(t, err)
}

func TestDecodeOrderEvents(t *testing.T) {
	raw := []byte(`[
		{"product_code":"FX_BTC_JPY","child_order_id":"JOR1","child_order_acceptance_id":"JRF1",
		 "event_date":"2024-03-01T09:00:00.1234567Z","event_type":"ORDER","child_order_type":"LIMIT",
		 "side":"BUY","price":955000,"size":0.01},
		{"product_code":"FX_BTC_JPY","child_order_acceptance_id":"JRF1",
		 "event_date":"2024-03-01T09:00:01Z","event_type":"EXECUTION","exec_id":39287,
		 "side":"BUY","price":955000,"size":0.01,"outstanding_size":0},
		{"product_code":"FX_BTC_JPY","parent_order_acceptance_id":"JRP9",
		 "event_date":"2024-03-01T09:00:02Z","event_type":"TRIGGER"},
		{"product_code":"FX_BTC_JPY","parent_order_acceptance_id":"JRP9",
		 "event_date":"2024-03-01T09:00:03","event_type":"CANCEL"}
	]`)

	evs, err := DecodeOrderEvents(raw, "child_order_events")
	require.NoError(t, err)
	require.Len(t, evs, 3)

	assert.Equal(t, "JRF1", evs[0].OrderID)
	assert.Equal(t, domain.EventNew, evs[0].Type)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 123456700, time.UTC), evs[0].Time)
	assert.True(t, evs[0].Size.Equal(decimal.RequireFromString("0.01")))

	assert.Equal(t, domain.EventExecution, evs[1].Type)
	assert.Equal(t, "39287", evs[1].ExecID)
	assert.True(t, evs[1].OutstandingSize.IsZero())
	assert.Equal(t, "child_order_events", evs[1].Channel)

	assert.Equal(t, "JRP9", evs[2].OrderID)
	assert.Equal(t, domain.EventCancel, evs[2].Type)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 3, 0, time.UTC), evs[2].Time)
}

func TestDecodeOrderEventsBadDate(t *testing.T) {
	_, err := DecodeOrderEvents([]byte(`[{"child_order_acceptance_id":"A","event_type":"ORDER","event_date":"yesterday"}]`), "child_order_events")
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}
