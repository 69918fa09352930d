// Package market wires feed messages to the book and order engines. Every
// message is routed by channel into one of two bounded queues, each drained
// by exactly one goroutine, so each engine has a single writer.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/boardmirror/internal/book"
	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/orders"
	"github.com/alanyoungcy/boardmirror/internal/platform/lightstream"
)

const (
	defaultQueueSize = 4096
	defaultViewDepth = 10
)

// BookListener is called by the book writer after every applied board
// message. It must not block.
type BookListener func(domain.BookView)

// OrderListener is called by the order writer for every newly recorded
// event. It must not block.
type OrderListener func(domain.OrderEvent)

// Config sizes the facade queues.
type Config struct {
	ProductCode string
	BookQueue   int
	OrderQueue  int
	// ViewDepth is the number of levels per side handed to book listeners.
	ViewDepth int
}

// Facade owns the dispatch glue between a feed and the two engines.
type Facade struct {
	channels domain.FeedChannels
	book     *book.Book
	orders   *orders.Engine

	bookQ  chan domain.FeedMessage
	orderQ chan domain.FeedMessage

	ready     chan struct{}
	readyOnce sync.Once

	listenerMu     sync.RWMutex
	bookListeners  []BookListener
	orderListeners []OrderListener
	resync         func()

	viewDepth int
	logger    *slog.Logger
}

// NewFacade creates a facade for one product.
func NewFacade(cfg Config, b *book.Book, o *orders.Engine, logger *slog.Logger) *Facade {
	if cfg.BookQueue <= 0 {
		cfg.BookQueue = defaultQueueSize
	}
	if cfg.OrderQueue <= 0 {
		cfg.OrderQueue = defaultQueueSize
	}
	if cfg.ViewDepth <= 0 {
		cfg.ViewDepth = defaultViewDepth
	}
	return &Facade{
		channels:  domain.ChannelsFor(cfg.ProductCode),
		book:      b,
		orders:    o,
		bookQ:     make(chan domain.FeedMessage, cfg.BookQueue),
		orderQ:    make(chan domain.FeedMessage, cfg.OrderQueue),
		ready:     make(chan struct{}),
		viewDepth: cfg.ViewDepth,
		logger:    logger.With(slog.String("component", "market")),
	}
}

// Book returns the order book engine for read access.
func (f *Facade) Book() *book.Book { return f.book }

// Orders returns the order status engine for read access.
func (f *Facade) Orders() *orders.Engine { return f.orders }

// Channels returns the feed channels this facade consumes.
func (f *Facade) Channels() domain.FeedChannels { return f.channels }

// OnBookUpdate registers a listener for applied board messages.
func (f *Facade) OnBookUpdate(l BookListener) {
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	f.bookListeners = append(f.bookListeners, l)
}

// OnOrderEvent registers a listener for newly recorded order events.
func (f *Facade) OnOrderEvent(l OrderListener) {
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	f.orderListeners = append(f.orderListeners, l)
}

// SetResync registers the callback used to request a fresh snapshot after a
// malformed one was discarded.
func (f *Facade) SetResync(fn func()) {
	f.listenerMu.Lock()
	defer f.listenerMu.Unlock()
	f.resync = fn
}

// Dispatch routes msg to the queue of the engine that owns its channel. It
// blocks while that queue is full and returns ctx.Err() if ctx ends first.
func (f *Facade) Dispatch(ctx context.Context, msg domain.FeedMessage) error {
	var q chan domain.FeedMessage
	switch msg.Channel {
	case f.channels.BookSnapshot, f.channels.BookDelta:
		q = f.bookQ
	case f.channels.ChildOrders, f.channels.ParentOrders:
		q = f.orderQ
	default:
		return fmt.Errorf("market: dispatch %q: %w", msg.Channel, domain.ErrUnknownChannel)
	}

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply handles msg synchronously on the caller's goroutine, bypassing the
// queues. Replay uses it so the engines are settled when the input ends; it
// must not be mixed with Run.
func (f *Facade) Apply(msg domain.FeedMessage) error {
	switch msg.Channel {
	case f.channels.BookSnapshot, f.channels.BookDelta:
		return f.HandleBookMessage(msg)
	case f.channels.ChildOrders, f.channels.ParentOrders:
		return f.HandleOrderMessage(msg)
	default:
		return fmt.Errorf("market: apply %q: %w", msg.Channel, domain.ErrUnknownChannel)
	}
}

// Run drains both queues until ctx is cancelled.
func (f *Facade) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.drain(ctx, f.bookQ, f.HandleBookMessage) })
	g.Go(func() error { return f.drain(ctx, f.orderQ, f.HandleOrderMessage) })
	return g.Wait()
}

// WaitReady blocks until the first snapshot has been applied.
func (f *Facade) WaitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForUpdate blocks until an order receives a new event and returns its
// id. Single-consumer: each update is returned to exactly one caller.
func (f *Facade) WaitForUpdate(ctx context.Context) (string, error) {
	return f.orders.WaitForUpdate(ctx)
}

// HandleBookMessage applies one board message. It is the book writer and
// must only be called from one goroutine at a time. Malformed snapshots and
// deltas before the first snapshot are dropped, not returned as errors.
func (f *Facade) HandleBookMessage(msg domain.FeedMessage) error {
	update, err := lightstream.DecodeBoard(msg.Payload, msg.Channel == f.channels.BookSnapshot)
	if err != nil {
		return err
	}

	if update.Snapshot {
		if err := f.book.ApplySnapshot(update.Bids, update.Asks, update.MidPrice); err != nil {
			if errors.Is(err, domain.ErrMalformedSnapshot) {
				f.logger.Warn("snapshot discarded", slog.String("error", err.Error()))
				f.requestResync()
				return nil
			}
			return err
		}
		f.readyOnce.Do(func() {
			f.logger.Info("order book ready", slog.Int64("mid_price", update.MidPrice))
			close(f.ready)
		})
	} else {
		if err := f.book.ApplyDelta(update.Bids, update.Asks, update.MidPrice); err != nil {
			if errors.Is(err, domain.ErrBookNotReady) {
				f.logger.Debug("delta before first snapshot dropped")
				return nil
			}
			return err
		}
	}

	f.listenerMu.RLock()
	listeners := f.bookListeners
	f.listenerMu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}
	view := f.book.View(f.viewDepth)
	for _, l := range listeners {
		l(view)
	}
	return nil
}

// HandleOrderMessage records every event in one order-event message. It is
// the order writer and must only be called from one goroutine at a time.
func (f *Facade) HandleOrderMessage(msg domain.FeedMessage) error {
	events, err := lightstream.DecodeOrderEvents(msg.Payload, msg.Channel)
	if err != nil {
		return err
	}

	f.listenerMu.RLock()
	listeners := f.orderListeners
	f.listenerMu.RUnlock()

	for _, ev := range events {
		before := f.orders.EventCount(ev.OrderID)
		if err := f.orders.RecordEvent(ev); err != nil {
			f.logger.Warn("order event rejected",
				slog.String("order_id", ev.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if f.orders.EventCount(ev.OrderID) == before {
			continue
		}
		for _, l := range listeners {
			l(ev)
		}
	}
	return nil
}

func (f *Facade) drain(ctx context.Context, q <-chan domain.FeedMessage, handle func(domain.FeedMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			if err := handle(msg); err != nil {
				f.logger.Warn("feed message dropped",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (f *Facade) requestResync() {
	f.listenerMu.RLock()
	fn := f.resync
	f.listenerMu.RUnlock()
	if fn != nil {
		fn()
	}
}
