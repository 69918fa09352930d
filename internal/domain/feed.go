package domain

import (
	"encoding/json"
	"time"
)

// FeedMessage is one decoded message from the streaming transport, tagged with
// the logical channel it arrived on.
type FeedMessage struct {
	Channel    string          `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// FeedChannels names the logical streams for one product.
type FeedChannels struct {
	BookSnapshot string
	BookDelta    string
	ChildOrders  string
	ParentOrders string
}

// ChannelsFor returns the lightstream channel names for a product code such as
// "FX_BTC_JPY".
func ChannelsFor(productCode string) FeedChannels {
	return FeedChannels{
		BookSnapshot: "lightning_board_snapshot_" + productCode,
		BookDelta:    "lightning_board_" + productCode,
		ChildOrders:  "child_order_events",
		ParentOrders: "parent_order_events",
	}
}

// Public returns the channels that need no authentication.
func (c FeedChannels) Public() []string {
	return []string{c.BookSnapshot, c.BookDelta}
}

// Private returns the order-event channels that require auth.
func (c FeedChannels) Private() []string {
	return []string{c.ChildOrders, c.ParentOrders}
}
