package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEvent(id string, typ domain.OrderEventType, offset time.Duration) domain.OrderEvent {
	return domain.OrderEvent{OrderID: id, Type: typ, Time: t0.Add(offset)}
}

func execution(id string, offset time.Duration, execID, size, price, outstanding string) domain.OrderEvent {
	ev := newEvent(id, domain.EventExecution, offset)
	ev.ExecID = execID
	ev.Size = d(size)
	ev.Price = d(price)
	ev.OutstandingSize = d(outstanding)
	return ev
}

func order(id string, offset time.Duration, size, price string) domain.OrderEvent {
	ev := newEvent(id, domain.EventNew, offset)
	ev.Size = d(size)
	ev.Price = d(price)
	return ev
}

func TestEngine_FullFill(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	require.NoError(t, e.RecordEvent(order("JRF1", 0, "0.01", "955000")))
	require.NoError(t, e.RecordEvent(execution("JRF1", time.Second, "X1", "0.01", "955000", "0")))

	st, err := e.StatusOf("JRF1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFullFill, st.Status)
	assert.True(t, st.ExecutedQuantity.Equal(d("0.01")))
	assert.True(t, st.AvgFillPrice.Equal(d("955000")))
	require.True(t, st.OutstandingSize.Valid)
	assert.True(t, st.OutstandingSize.Decimal.IsZero())
	assert.Equal(t, 2, st.Events)
	assert.True(t, st.Status.Terminal())
}

func TestEngine_StatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []domain.OrderEvent
		want   domain.OrderState
	}{
		{
			name:   "new is open",
			events: []domain.OrderEvent{order("A", 0, "1", "100")},
			want:   domain.OrderStateOpen,
		},
		{
			name: "execution with remainder",
			events: []domain.OrderEvent{
				order("A", 0, "1", "100"),
				execution("A", time.Second, "X1", "0.4", "100", "0.6"),
			},
			want: domain.OrderStatePartialFill,
		},
		{
			name: "cancel after partial fill wins",
			events: []domain.OrderEvent{
				order("A", 0, "1", "100"),
				execution("A", time.Second, "X1", "0.4", "100", "0.6"),
				newEvent("A", domain.EventCancel, 2*time.Second),
			},
			want: domain.OrderStateCancel,
		},
		{
			name: "cancel failed is reported",
			events: []domain.OrderEvent{
				order("A", 0, "1", "100"),
				newEvent("A", domain.EventCancelFailed, time.Second),
			},
			want: domain.OrderStateCancelFailed,
		},
		{
			name: "expire",
			events: []domain.OrderEvent{
				order("A", 0, "1", "100"),
				newEvent("A", domain.EventExpire, time.Hour),
			},
			want: domain.OrderStateExpire,
		},
		{
			name: "fills summing to quantity",
			events: []domain.OrderEvent{
				order("A", 0, "1", "100"),
				execution("A", time.Second, "X1", "0.3", "100", "0.7"),
				execution("A", 2*time.Second, "X2", "0.7", "101", "0"),
			},
			want: domain.OrderStateFullFill,
		},
		{
			name: "missing NEW, outstanding reached zero",
			events: []domain.OrderEvent{
				execution("A", time.Second, "X1", "0.5", "100", "0.5"),
				execution("A", 2*time.Second, "X2", "0.5", "100", "0"),
			},
			want: domain.OrderStateFullFill,
		},
		{
			name: "missing NEW, remainder left",
			events: []domain.OrderEvent{
				execution("A", time.Second, "X1", "0.5", "100", "0.5"),
			},
			want: domain.OrderStatePartialFill,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(Config{}, testLogger())
			for _, ev := range tc.events {
				require.NoError(t, e.RecordEvent(ev))
			}
			st, err := e.StatusOf("A")
			require.NoError(t, err)
			assert.Equal(t, tc.want, st.Status)
		})
	}
}

func TestEngine_FoldsInEventTimeOrder(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	// delivered out of order across channels.
	require.NoError(t, e.RecordEvent(newEvent("A", domain.EventCancel, 3*time.Second)))
	require.NoError(t, e.RecordEvent(execution("A", 2*time.Second, "X1", "0.2", "100", "0.8")))
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))

	st, err := e.StatusOf("A")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCancel, st.Status)
	assert.Equal(t, t0.Add(3*time.Second), st.LastEventAt)

	evs := e.Events("A")
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EventNew, evs[0].Type)
	assert.Equal(t, domain.EventExecution, evs[1].Type)
	assert.Equal(t, domain.EventCancel, evs[2].Type)
}

func TestEngine_AverageFillPrice(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	require.NoError(t, e.RecordEvent(order("A", 0, "3", "100")))
	require.NoError(t, e.RecordEvent(execution("A", time.Second, "X1", "1", "100", "2")))
	require.NoError(t, e.RecordEvent(execution("A", 2*time.Second, "X2", "1", "103", "1")))

	st, err := e.StatusOf("A")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatePartialFill, st.Status)
	assert.True(t, st.AvgFillPrice.Equal(d("101.5")), st.AvgFillPrice.String())
	assert.True(t, st.ExecutedQuantity.Equal(d("2")))
	assert.True(t, st.OutstandingSize.Decimal.Equal(d("1")))
	assert.True(t, st.OrderQuantity.Decimal.Equal(d("3")))
}

func TestEngine_OrderFailed(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(newEvent("A", domain.EventOrderFailed, time.Second)))

	st, err := e.StatusOf("A")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderPlacementFailed)

	var failed *domain.OrderFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "A", failed.OrderID)
	assert.Len(t, failed.Events, 2)
	assert.Equal(t, domain.OrderStateOrderFailed, st.Status)
}

func TestEngine_UnknownOrder(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	st, err := e.StatusOf("nope")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateUnknown, st.Status)
	assert.Equal(t, "nope", st.OrderID)
	assert.Nil(t, e.Events("nope"))
}

func TestEngine_StatusIsPure(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(execution("A", time.Second, "X1", "0.25", "99", "0.75")))

	first, err := e.StatusOf("A")
	require.NoError(t, err)
	second, err := e.StatusOf("A")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_DuplicateEventsIgnored(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	ex := execution("A", time.Second, "X1", "0.5", "100", "0.5")
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(ex))
	ex.Channel = "parent_order_events"
	require.NoError(t, e.RecordEvent(ex))

	assert.Equal(t, 2, e.EventCount("A"))
	assert.Equal(t, 2, e.Pending())

	st, err := e.StatusOf("A")
	require.NoError(t, err)
	assert.True(t, st.ExecutedQuantity.Equal(d("0.5")))
}

func TestEngine_RejectsInvalidEvents(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	assert.ErrorIs(t, e.RecordEvent(domain.OrderEvent{Type: domain.EventNew}), domain.ErrInvalidEvent)
	assert.ErrorIs(t, e.RecordEvent(domain.OrderEvent{OrderID: "A", Type: "TRIGGER"}), domain.ErrInvalidEvent)
	assert.Empty(t, e.OrderIDs())
}

func TestEngine_ExactToleranceConfig(t *testing.T) {
	e := NewEngine(Config{FillTolerance: decimal.NewNullDecimal(decimal.Zero)}, testLogger())
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(execution("A", time.Second, "X1", "0.9999999", "100", "0.0000001")))

	st, err := e.StatusOf("A")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatePartialFill, st.Status)

	loose := NewEngine(Config{}, testLogger())
	for _, ev := range e.Events("A") {
		require.NoError(t, loose.RecordEvent(ev))
	}
	st, err = loose.StatusOf("A")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFullFill, st.Status)
}

func TestEngine_WaitForUpdate(t *testing.T) {
	e := NewEngine(Config{}, testLogger())

	got := make(chan string, 1)
	go func() {
		id, err := e.WaitForUpdate(context.Background())
		if err == nil {
			got <- id
		}
	}()

	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	select {
	case id := <-got:
		assert.Equal(t, "A", id)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForUpdate did not return")
	}
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_WaitForUpdateCancelled(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.WaitForUpdate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// an abandoned wait leaves nothing behind; the next update is still
	// delivered.
	require.NoError(t, e.RecordEvent(order("B", 0, "1", "100")))
	id, err := e.WaitForUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", id)
}

func TestEngine_WaitForUpdateSingleConsumer(t *testing.T) {
	e := NewEngine(Config{}, testLogger())
	const n = 200

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := e.WaitForUpdate(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		id := "O" + decimal.NewFromInt(int64(i)).String()
		require.NoError(t, e.RecordEvent(order(id, 0, "1", "100")))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestEngine_PendingQueueBounded(t *testing.T) {
	e := NewEngine(Config{MaxPending: 2}, testLogger())
	require.NoError(t, e.RecordEvent(order("A", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(order("B", 0, "1", "100")))
	require.NoError(t, e.RecordEvent(order("C", 0, "1", "100")))
	assert.Equal(t, 2, e.Pending())

	id, err := e.WaitForUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", id)
	assert.Equal(t, []string{"A", "B", "C"}, e.OrderIDs())
}
