// Package book mirrors an exchange limit order book from snapshot and delta
// messages. It keeps the book non-crossing even when the feed delivers deltas
// out of order relative to their reference mid price, and scores how often
// that happens.
package book

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

const (
	// DefaultQualityWindow is the number of delta observations the stream
	// quality score is computed over.
	DefaultQualityWindow = 1000

	// DefaultRateWindow is the number of level writes per rate measurement.
	DefaultRateWindow = 1000
)

// levels maps an integer price tick to the size resting at it, ascending.
type levels = treemap.TreeMap[int64, decimal.Decimal]

// Config tunes a Book. Zero values fall back to the defaults.
type Config struct {
	QualityWindow int
	RateWindow    int
	// DegradedBelow flags the stream as degraded once a full quality window
	// scores under this value. Zero disables the flag.
	DegradedBelow float64
}

// Book is the order book engine. A single writer calls ApplySnapshot and
// ApplyDelta; any number of readers may query it concurrently.
type Book struct {
	mu sync.RWMutex

	bids  *levels
	asks  *levels
	ready bool
	mid   int64

	// Read-side clamps for an inconsistent delta. Cleared on every apply.
	adjBid    int64
	hasAdjBid bool
	adjAsk    int64
	hasAdjAsk bool

	quality       *qualityWindow
	rate          *rateMeter
	degradedBelow float64
	degraded      bool
	updatedAt     time.Time

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty, not-ready Book.
func New(cfg Config, logger *slog.Logger) *Book {
	if cfg.QualityWindow <= 0 {
		cfg.QualityWindow = DefaultQualityWindow
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	b := &Book{
		bids:          treemap.New[int64, decimal.Decimal](),
		asks:          treemap.New[int64, decimal.Decimal](),
		quality:       newQualityWindow(cfg.QualityWindow),
		degradedBelow: cfg.DegradedBelow,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "book")),
	}
	b.rate = newRateMeter(cfg.RateWindow, func() time.Time { return b.now() })
	return b
}

// WithClock replaces the wall clock used for rate measurement. Intended for
// tests; call before the book is shared.
func (b *Book) WithClock(now func() time.Time) *Book {
	b.now = now
	return b
}

// ApplySnapshot replaces both sides wholesale. A snapshot whose best bid is
// above mid, whose mid is above best ask, or with an empty side is rejected
// with domain.ErrMalformedSnapshot and the current book is left untouched.
func (b *Book) ApplySnapshot(bids, asks []domain.PriceLevel, mid int64) error {
	newBids := buildSide(bids)
	newAsks := buildSide(asks)

	bestBid, okBid := highest(newBids)
	bestAsk, okAsk := lowest(newAsks)
	if !okBid || !okAsk {
		return fmt.Errorf("book: %w: empty side (bids=%d asks=%d)",
			domain.ErrMalformedSnapshot, newBids.Len(), newAsks.Len())
	}
	if bestBid > mid || mid > bestAsk || bestBid >= bestAsk {
		return fmt.Errorf("book: %w: bid %d mid %d ask %d",
			domain.ErrMalformedSnapshot, bestBid, mid, bestAsk)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = newBids
	b.asks = newAsks
	b.mid = mid
	b.clearAdjusted()
	b.ready = true
	b.rate.add(len(bids) + len(asks))
	b.updatedAt = b.now()
	return nil
}

// ApplyDelta upserts the given levels (size <= 0 removes the price) and then
// re-establishes bid < mid < ask on the read side by clamping the best prices
// around mid when the stored levels disagree with it. Whether the book was
// consistent before clamping feeds the quality score.
//
// It returns domain.ErrBookNotReady until a snapshot has been applied.
func (b *Book) ApplyDelta(bids, asks []domain.PriceLevel, mid int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return fmt.Errorf("book: apply delta: %w", domain.ErrBookNotReady)
	}

	b.clearAdjusted()
	b.mid = mid
	for _, lvl := range bids {
		upsert(b.bids, lvl)
	}
	for _, lvl := range asks {
		upsert(b.asks, lvl)
	}
	b.rate.add(len(bids) + len(asks))
	b.updatedAt = b.now()

	bid, okBid := highest(b.bids)
	ask, okAsk := lowest(b.asks)
	b.quality.observe(
		okBid && okAsk && bid < ask,
		okBid && okAsk && bid <= mid && mid <= ask,
	)

	if !okBid || bid >= mid {
		bid = b.clampBid(mid)
	}
	if !okAsk || ask <= mid {
		ask = b.clampAsk(mid)
	}
	if bid >= ask {
		bid = b.clampBid(mid)
		ask = b.clampAsk(mid)
	}

	if !(bid < ask && bid <= mid && mid <= ask) {
		panic(fmt.Errorf("book: %w: bid %d mid %d ask %d after adjustment",
			domain.ErrInvariantViolation, bid, mid, ask))
	}

	b.trackDegradation()
	return nil
}

// BestBid returns the effective best bid: the adjusted value if the last delta
// was clamped, else the highest bid with nonzero size.
func (b *Book) BestBid() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBidLocked()
}

// BestAsk returns the effective best ask.
func (b *Book) BestAsk() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestAskLocked()
}

// BBO returns best bid and best ask read under one lock. ok is false when
// either side is unavailable.
func (b *Book) BBO() (bid, ask int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okBid := b.bestBidLocked()
	ask, okAsk := b.bestAskLocked()
	return bid, ask, okBid && okAsk
}

// Liquidity walks each side from the best price outward, accumulating whole
// levels until at least qty has been covered, and reports the volume weighted
// price and the furthest price touched per side. A side too thin to cover qty
// reports the sweep of every level it holds. A book that is not ready, or a
// non-positive qty, yields the zero value.
func (b *Book) Liquidity(qty decimal.Decimal) domain.Liquidity {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out domain.Liquidity
	if !b.ready || qty.Sign() <= 0 {
		return out
	}

	var value, size decimal.Decimal
	for it := b.bids.Reverse(); it.Valid() && size.LessThan(qty); it.Next() {
		if it.Value().Sign() <= 0 {
			continue
		}
		value = value.Add(decimal.NewFromInt(it.Key()).Mul(it.Value()))
		size = size.Add(it.Value())
		out.BidSweepLow = it.Key()
	}
	if size.Sign() > 0 {
		out.BidAvgPrice = value.Div(size)
	}

	value, size = decimal.Zero, decimal.Zero
	for it := b.asks.Iterator(); it.Valid() && size.LessThan(qty); it.Next() {
		if it.Value().Sign() <= 0 {
			continue
		}
		value = value.Add(decimal.NewFromInt(it.Key()).Mul(it.Value()))
		size = size.Add(it.Value())
		out.AskSweepHigh = it.Key()
	}
	if size.Sign() > 0 {
		out.AskAvgPrice = value.Div(size)
	}
	return out
}

// UpdatesPerSecond returns the last completed level-write rate.
func (b *Book) UpdatesPerSecond() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rate.rate
}

// Quality returns the stream quality score in [0,1]; 1.0 means every delta in
// the last window arrived consistent with its mid price.
func (b *Book) Quality() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quality.score
}

// Ready reports whether a snapshot has been applied.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// MidPrice returns the reference mid of the last applied message.
func (b *Book) MidPrice() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mid
}

// Depth returns up to n nonzero levels per side, best first. n <= 0 returns
// every level.
func (b *Book) Depth(n int) (bids, asks []domain.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.depthLocked(n)
}

// View returns a consistent snapshot of the engine for listeners and the API.
func (b *Book) View(depth int) domain.BookView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := domain.BookView{
		Ready:            b.ready,
		MidPrice:         b.mid,
		Adjusted:         b.hasAdjBid || b.hasAdjAsk,
		Quality:          b.quality.score,
		Degraded:         b.degraded,
		UpdatesPerSecond: b.rate.rate,
		Timestamp:        b.updatedAt,
	}
	if !b.ready {
		return v
	}
	v.BestBid, _ = b.bestBidLocked()
	v.BestAsk, _ = b.bestAskLocked()
	if depth > 0 {
		v.Bids, v.Asks = b.depthLocked(depth)
	}
	return v
}

// depthLocked collects both sides, best first. Caller must hold b.mu.
func (b *Book) depthLocked(n int) (bids, asks []domain.PriceLevel) {
	bi, ai := b.bids.Reverse(), b.asks.Iterator()
	return collect(&bi, n), collect(&ai, n)
}

func (b *Book) bestBidLocked() (int64, bool) {
	if b.hasAdjBid {
		return b.adjBid, true
	}
	return highest(b.bids)
}

func (b *Book) bestAskLocked() (int64, bool) {
	if b.hasAdjAsk {
		return b.adjAsk, true
	}
	return lowest(b.asks)
}

func (b *Book) clampBid(mid int64) int64 {
	b.adjBid, b.hasAdjBid = mid-1, true
	return b.adjBid
}

func (b *Book) clampAsk(mid int64) int64 {
	b.adjAsk, b.hasAdjAsk = mid+1, true
	return b.adjAsk
}

func (b *Book) clearAdjusted() {
	b.hasAdjBid = false
	b.hasAdjAsk = false
}

// trackDegradation logs transitions across the configured quality threshold.
// Caller must hold b.mu.
func (b *Book) trackDegradation() {
	if b.degradedBelow <= 0 || !b.quality.filled {
		return
	}
	degraded := b.quality.score < b.degradedBelow
	if degraded == b.degraded {
		return
	}
	b.degraded = degraded
	if degraded {
		b.logger.Warn("stream quality degraded",
			slog.Float64("quality", b.quality.score),
			slog.Float64("threshold", b.degradedBelow),
		)
	} else {
		b.logger.Info("stream quality recovered",
			slog.Float64("quality", b.quality.score),
		)
	}
}

func buildSide(in []domain.PriceLevel) *levels {
	side := treemap.New[int64, decimal.Decimal]()
	for _, lvl := range in {
		upsert(side, lvl)
	}
	return side
}

func upsert(side *levels, lvl domain.PriceLevel) {
	if lvl.Size.Sign() <= 0 {
		side.Del(lvl.Price)
		return
	}
	side.Set(lvl.Price, lvl.Size)
}

// highest scans from the top of the side for the first nonzero level.
func highest(side *levels) (int64, bool) {
	for it := side.Reverse(); it.Valid(); it.Next() {
		if it.Value().Sign() > 0 {
			return it.Key(), true
		}
	}
	return 0, false
}

// lowest scans from the bottom of the side for the first nonzero level.
func lowest(side *levels) (int64, bool) {
	for it := side.Iterator(); it.Valid(); it.Next() {
		if it.Value().Sign() > 0 {
			return it.Key(), true
		}
	}
	return 0, false
}

type levelIterator interface {
	Valid() bool
	Next()
	Key() int64
	Value() decimal.Decimal
}

func collect(it levelIterator, n int) []domain.PriceLevel {
	var out []domain.PriceLevel
	for ; it.Valid(); it.Next() {
		if n > 0 && len(out) == n {
			break
		}
		if it.Value().Sign() <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: it.Key(), Size: it.Value()})
	}
	return out
}
