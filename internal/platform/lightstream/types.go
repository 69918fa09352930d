package lightstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

const (
	methodAuth           = "auth"
	methodSubscribe      = "subscribe"
	methodUnsubscribe    = "unsubscribe"
	methodChannelMessage = "channelMessage"
)

// rpcRequest is an outbound JSON-RPC 2.0 call.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

// rpcEnvelope covers both responses (ID set) and server notifications
// (Method set).
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type channelParams struct {
	Channel string `json:"channel"`
}

type channelMessage struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// ---------------------------------------------------------------------------
// Board payloads
// ---------------------------------------------------------------------------

// BoardLevel is one price level on the board channels. Prices are sent as
// JSON numbers such as 955330.0.
type BoardLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BoardMessage is the payload of both lightning_board_snapshot_{P} and
// lightning_board_{P}.
type BoardMessage struct {
	MidPrice decimal.Decimal `json:"mid_price"`
	Bids     []BoardLevel    `json:"bids"`
	Asks     []BoardLevel    `json:"asks"`
}

// DecodeBoard parses a board payload into a domain.BookUpdate. Prices are
// truncated to integer ticks.
func DecodeBoard(raw []byte, snapshot bool) (domain.BookUpdate, error) {
	var msg BoardMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.BookUpdate{}, fmt.Errorf("lightstream: decode board: %w", err)
	}
	return domain.BookUpdate{
		Snapshot: snapshot,
		MidPrice: msg.MidPrice.IntPart(),
		Bids:     toLevels(msg.Bids),
		Asks:     toLevels(msg.Asks),
	}, nil
}

func toLevels(in []BoardLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: l.Price.IntPart(), Size: l.Size}
	}
	return out
}

// ---------------------------------------------------------------------------
// Order event payloads
// ---------------------------------------------------------------------------

// OrderEventMessage is one element of a child_order_events or
// parent_order_events payload.
type OrderEventMessage struct {
	ProductCode             string          `json:"product_code"`
	ChildOrderID            string          `json:"child_order_id,omitempty"`
	ChildOrderAcceptanceID  string          `json:"child_order_acceptance_id,omitempty"`
	ParentOrderID           string          `json:"parent_order_id,omitempty"`
	ParentOrderAcceptanceID string          `json:"parent_order_acceptance_id,omitempty"`
	EventDate               string          `json:"event_date"`
	EventType               string          `json:"event_type"`
	ChildOrderType          string          `json:"child_order_type,omitempty"`
	ExpireDate              string          `json:"expire_date,omitempty"`
	Reason                  string          `json:"reason,omitempty"`
	ExecID                  json.Number     `json:"exec_id,omitempty"`
	Side                    string          `json:"side,omitempty"`
	Price                   decimal.Decimal `json:"price"`
	Size                    decimal.Decimal `json:"size"`
	OutstandingSize         decimal.Decimal `json:"outstanding_size"`
	Commission              decimal.Decimal `json:"commission"`
	SFD                     decimal.Decimal `json:"sfd"`
}

// acceptanceID keys events by the child acceptance id, falling back to the
// parent acceptance id for parent-only events.
func (m OrderEventMessage) acceptanceID() string {
	if m.ChildOrderAcceptanceID != "" {
		return m.ChildOrderAcceptanceID
	}
	return m.ParentOrderAcceptanceID
}

// DecodeOrderEvents parses an order-event payload. Events with an event type
// the order engine does not track (TRIGGER, COMPLETE) are skipped, and so are
// events without an acceptance id. An unparseable event_date is an error.
func DecodeOrderEvents(raw []byte, channel string) ([]domain.OrderEvent, error) {
	var msgs []OrderEventMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("lightstream: decode order events: %w", err)
	}

	out := make([]domain.OrderEvent, 0, len(msgs))
	for _, m := range msgs {
		typ, ok := domain.ParseOrderEventType(m.EventType)
		if !ok {
			continue
		}
		id := m.acceptanceID()
		if id == "" {
			continue
		}
		at, err := ParseEventDate(m.EventDate)
		if err != nil {
			return nil, fmt.Errorf("lightstream: order %s: %w", id, err)
		}
		out = append(out, domain.OrderEvent{
			OrderID:         id,
			Type:            typ,
			Time:            at,
			Size:            m.Size,
			Price:           m.Price,
			OutstandingSize: m.OutstandingSize,
			ExecID:          m.ExecID.String(),
			Side:            m.Side,
			Channel:         channel,
		})
	}
	return out, nil
}

// ParseEventDate parses the exchange's ISO-8601 event_date. The exchange
// sends up to seven fractional digits and may omit the zone, which means UTC.
func ParseEventDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty event_date", domain.ErrInvalidEvent)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: event_date %q", domain.ErrInvalidEvent, s)
}
