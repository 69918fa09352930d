package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook. Price is an
// integer tick; a zero Size means the level is gone.
type PriceLevel struct {
	Price int64
	Size  decimal.Decimal
}

// BookUpdate is a decoded board message: either a full snapshot or an
// incremental delta, both carrying the feed's reference mid price.
type BookUpdate struct {
	Snapshot bool
	MidPrice int64
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// Liquidity is the answer to "what average price would I pay to trade a
// quantity". Sweep prices are the last level touched on each side.
type Liquidity struct {
	BidAvgPrice  decimal.Decimal
	AskAvgPrice  decimal.Decimal
	BidSweepLow  int64
	AskSweepHigh int64
}

// IsZero reports whether l is the zeroed result returned by a book that is not
// ready.
func (l Liquidity) IsZero() bool {
	return l.BidAvgPrice.IsZero() && l.AskAvgPrice.IsZero() &&
		l.BidSweepLow == 0 && l.AskSweepHigh == 0
}

// BookView is a consistent read of the mirrored book taken under a single
// lock, handed to listeners and the HTTP layer.
type BookView struct {
	Ready            bool
	BestBid          int64
	BestAsk          int64
	MidPrice         int64
	Adjusted         bool
	Quality          float64
	Degraded         bool
	UpdatesPerSecond float64
	Bids             []PriceLevel // best first
	Asks             []PriceLevel // best first
	Timestamp        time.Time
}

// Spread returns best ask minus best bid, or 0 when the book is not ready.
func (v BookView) Spread() int64 {
	if !v.Ready {
		return 0
	}
	return v.BestAsk - v.BestBid
}
