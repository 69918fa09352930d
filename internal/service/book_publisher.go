package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/notify"
)

// ChannelBook is the bus channel carrying book view events.
const ChannelBook = "book"

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BookPublisher mirrors book views into the cache and onto the signal bus.
// Views are handed over by the book writer through Submit, which never
// blocks; Run publishes only the latest one, so slow I/O coalesces updates
// rather than stalling the engine.
type BookPublisher struct {
	product string
	cache   domain.BookCache
	bus     domain.SignalBus
	alerts  Alerter
	logBBO  bool
	logger  *slog.Logger

	mu      sync.Mutex
	latest  domain.BookView
	pending bool
	signal  chan struct{}

	lastBid, lastAsk int64
	degraded         bool
}

// NewBookPublisher creates a publisher for one product. cache, bus and
// alerts may be nil.
func NewBookPublisher(product string, cache domain.BookCache, bus domain.SignalBus, alerts Alerter, logBBO bool, logger *slog.Logger) *BookPublisher {
	return &BookPublisher{
		product: product,
		cache:   cache,
		bus:     bus,
		alerts:  alerts,
		logBBO:  logBBO,
		signal:  make(chan struct{}, 1),
		logger:  logger.With(slog.String("component", "book_publisher")),
	}
}

// Submit replaces the pending view. Safe to call from the book writer.
func (p *BookPublisher) Submit(view domain.BookView) {
	p.mu.Lock()
	p.latest = view
	p.pending = true
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run publishes submitted views until ctx is done.
func (p *BookPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.signal:
		}

		p.mu.Lock()
		view, ok := p.latest, p.pending
		p.pending = false
		p.mu.Unlock()
		if !ok {
			continue
		}

		if err := p.Publish(ctx, view); err != nil {
			p.logger.WarnContext(ctx, "publish book view failed", slog.String("error", err.Error()))
		}
	}
}

// Publish writes one view through every configured sink.
func (p *BookPublisher) Publish(ctx context.Context, view domain.BookView) error {
	p.observe(ctx, view)

	if p.cache != nil {
		if err := p.cache.SetView(ctx, p.product, view); err != nil {
			return fmt.Errorf("book_publisher: set view: %w", err)
		}
	}
	if p.bus != nil {
		payload, err := json.Marshal(NewBookEvent(p.product, view))
		if err != nil {
			return fmt.Errorf("book_publisher: marshal view: %w", err)
		}
		if err := p.bus.Publish(ctx, ChannelBook, payload); err != nil {
			return fmt.Errorf("book_publisher: publish: %w", err)
		}
	}
	return nil
}

// observe logs BBO changes and raises degradation alerts on transition.
func (p *BookPublisher) observe(ctx context.Context, view domain.BookView) {
	if !view.Ready {
		return
	}

	if p.logBBO && (view.BestBid != p.lastBid || view.BestAsk != p.lastAsk) {
		p.logger.InfoContext(ctx, "bbo",
			slog.Int64("bid", view.BestBid),
			slog.Int64("ask", view.BestAsk),
			slog.Int64("spread", view.Spread()),
			slog.Float64("quality", view.Quality),
			slog.Float64("rate", view.UpdatesPerSecond),
		)
	}
	p.lastBid, p.lastAsk = view.BestBid, view.BestAsk

	if view.Degraded == p.degraded {
		return
	}
	p.degraded = view.Degraded
	if !view.Degraded || p.alerts == nil {
		return
	}
	msg := fmt.Sprintf("%s stream quality %.3f, bid %d ask %d", p.product, view.Quality, view.BestBid, view.BestAsk)
	if err := p.alerts.Notify(ctx, notify.EventStreamDegraded, "Stream degraded", msg); err != nil {
		p.logger.WarnContext(ctx, "degradation alert failed", slog.String("error", err.Error()))
	}
}

// LevelJSON is one price level in API output.
type LevelJSON struct {
	Price int64           `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookEvent is the JSON shape of a view on the bus and the HTTP API.
type BookEvent struct {
	Product          string      `json:"product"`
	Ready            bool        `json:"ready"`
	BestBid          int64       `json:"best_bid"`
	BestAsk          int64       `json:"best_ask"`
	Spread           int64       `json:"spread"`
	MidPrice         int64       `json:"mid_price"`
	Adjusted         bool        `json:"adjusted"`
	Quality          float64     `json:"quality"`
	Degraded         bool        `json:"degraded"`
	UpdatesPerSecond float64     `json:"updates_per_second"`
	Bids             []LevelJSON `json:"bids"`
	Asks             []LevelJSON `json:"asks"`
	Timestamp        string      `json:"timestamp"`
}

// NewBookEvent renders v for product.
func NewBookEvent(product string, v domain.BookView) BookEvent {
	return BookEvent{
		Product:          product,
		Ready:            v.Ready,
		BestBid:          v.BestBid,
		BestAsk:          v.BestAsk,
		Spread:           v.Spread(),
		MidPrice:         v.MidPrice,
		Adjusted:         v.Adjusted,
		Quality:          v.Quality,
		Degraded:         v.Degraded,
		UpdatesPerSecond: v.UpdatesPerSecond,
		Bids:             toLevelJSON(v.Bids),
		Asks:             toLevelJSON(v.Asks),
		Timestamp:        v.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func toLevelJSON(in []domain.PriceLevel) []LevelJSON {
	out := make([]LevelJSON, len(in))
	for i, l := range in {
		out[i] = LevelJSON{Price: l.Price, Size: l.Size}
	}
	return out
}
