package orders

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// DefaultFillTolerance is how close executed quantity must be to the order
// quantity for the order to count as fully filled.
var DefaultFillTolerance = decimal.New(1, -6)

// foldResult carries the derived status plus data-quality findings the engine
// may want to log.
type foldResult struct {
	status domain.OrderStatus
	// missingNew is set when no NEW was seen and the status could not be
	// inferred from the outstanding size.
	missingNew bool
}

// fold projects an ordered event log onto an order status. It is pure: the
// same events always give the same result.
func fold(orderID string, events []domain.OrderEvent, tolerance decimal.Decimal) (foldResult, error) {
	st := domain.OrderStatus{
		OrderID: orderID,
		Status:  domain.OrderStateUnknown,
		Events:  len(events),
	}

	var executedValue decimal.Decimal
	sawNew := false

	for _, ev := range events {
		st.LastEventAt = ev.Time

		switch ev.Type {
		case domain.EventNew:
			sawNew = true
			st.Status = domain.OrderStateOpen
			st.OrderQuantity = decimal.NewNullDecimal(ev.Size)
			st.OutstandingSize = decimal.NewNullDecimal(ev.Size)
		case domain.EventOrderFailed:
			st.Status = domain.OrderStateOrderFailed
			return foldResult{status: st}, &domain.OrderFailedError{OrderID: orderID, Events: events}
		case domain.EventCancel:
			st.Status = domain.OrderStateCancel
		case domain.EventCancelFailed:
			st.Status = domain.OrderStateCancelFailed
		case domain.EventExecution:
			st.Status = domain.OrderStateOpen
			st.ExecutedQuantity = st.ExecutedQuantity.Add(ev.Size)
			executedValue = executedValue.Add(ev.Size.Mul(ev.Price))
			st.OutstandingSize = decimal.NewNullDecimal(ev.OutstandingSize)
		case domain.EventExpire:
			st.Status = domain.OrderStateExpire
		}
	}

	if st.ExecutedQuantity.Sign() > 0 && st.Status == domain.OrderStateOpen {
		st.Status = domain.OrderStatePartialFill
	}

	res := foldResult{}
	if st.OrderQuantity.Valid {
		diff := st.ExecutedQuantity.Sub(st.OrderQuantity.Decimal).Abs()
		if diff.LessThan(tolerance) || diff.IsZero() {
			st.Status = domain.OrderStateFullFill
		}
	} else if !sawNew {
		filling := st.Status == domain.OrderStateOpen || st.Status == domain.OrderStatePartialFill
		if filling && st.OutstandingSize.Valid && st.OutstandingSize.Decimal.IsZero() {
			st.Status = domain.OrderStateFullFill
		} else {
			res.missingNew = true
		}
	}

	if st.ExecutedQuantity.Sign() > 0 {
		st.AvgFillPrice = executedValue.Div(st.ExecutedQuantity)
	}

	res.status = st
	return res, nil
}
