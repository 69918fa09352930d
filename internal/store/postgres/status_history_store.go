package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// StatusHistoryStore implements domain.StatusHistoryStore on the
// order_status_history table.
type StatusHistoryStore struct {
	pool *pgxpool.Pool
}

// NewStatusHistoryStore creates a StatusHistoryStore backed by the given pool.
func NewStatusHistoryStore(pool *pgxpool.Pool) *StatusHistoryStore {
	return &StatusHistoryStore{pool: pool}
}

// Append records one derived status observation. Decimal quantities are
// passed as strings so NUMERIC keeps full precision.
func (s *StatusHistoryStore) Append(ctx context.Context, st domain.OrderStatus, observedAt time.Time) error {
	const query = `
		INSERT INTO order_status_history (
			order_id, status, avg_fill_price, executed_quantity,
			outstanding_size, order_quantity, last_event_at, event_count, observed_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		st.OrderID,
		string(st.Status),
		st.AvgFillPrice.String(),
		st.ExecutedQuantity.String(),
		nullDecimalArg(st.OutstandingSize),
		nullDecimalArg(st.OrderQuantity),
		nullTimeArg(st.LastEventAt),
		st.Events,
		observedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append order status %s: %w", st.OrderID, err)
	}
	return nil
}

// ListByOrder returns an order's history, newest first.
func (s *StatusHistoryStore) ListByOrder(ctx context.Context, orderID string, opts domain.ListOpts) ([]domain.StatusRecord, error) {
	query, args := buildHistoryQuery(orderID, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order status %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.StatusRecord
	for rows.Next() {
		rec, err := scanStatusRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order status %s: %w", orderID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate order status %s: %w", orderID, err)
	}
	return out, nil
}

// buildHistoryQuery assembles the filtered, paginated history select.
func buildHistoryQuery(orderID string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, order_id, status, avg_fill_price::text, executed_quantity::text,
		outstanding_size::text, order_quantity::text, last_event_at, event_count, observed_at
		FROM order_status_history WHERE order_id = $1`)
	args := []any{orderID}
	argIdx := 2

	if opts.Since != nil {
		fmt.Fprintf(&b, " AND observed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND observed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	b.WriteString(" ORDER BY observed_at DESC, id DESC")

	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return b.String(), args
}

func scanStatusRecord(row pgx.Row) (domain.StatusRecord, error) {
	var (
		rec                   domain.StatusRecord
		status                string
		avg, executed         string
		outstanding, orderQty *string
		lastEventAt           *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Status.OrderID, &status, &avg, &executed,
		&outstanding, &orderQty, &lastEventAt, &rec.Status.Events, &rec.ObservedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Status.Status = domain.OrderState(status)
	if rec.Status.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return rec, fmt.Errorf("avg_fill_price: %w", err)
	}
	if rec.Status.ExecutedQuantity, err = decimal.NewFromString(executed); err != nil {
		return rec, fmt.Errorf("executed_quantity: %w", err)
	}
	if rec.Status.OutstandingSize, err = parseNullDecimal(outstanding); err != nil {
		return rec, fmt.Errorf("outstanding_size: %w", err)
	}
	if rec.Status.OrderQuantity, err = parseNullDecimal(orderQty); err != nil {
		return rec, fmt.Errorf("order_quantity: %w", err)
	}
	if lastEventAt != nil {
		rec.Status.LastEventAt = *lastEventAt
	}
	return rec, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullTimeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Compile-time interface check.
var _ domain.StatusHistoryStore = (*StatusHistoryStore)(nil)
