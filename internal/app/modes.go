package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/boardmirror/internal/book"
	"github.com/alanyoungcy/boardmirror/internal/cache/redis"
	"github.com/alanyoungcy/boardmirror/internal/crypto"
	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/feed"
	"github.com/alanyoungcy/boardmirror/internal/market"
	"github.com/alanyoungcy/boardmirror/internal/notify"
	"github.com/alanyoungcy/boardmirror/internal/orders"
	"github.com/alanyoungcy/boardmirror/internal/server"
	"github.com/alanyoungcy/boardmirror/internal/server/handler"
	"github.com/alanyoungcy/boardmirror/internal/server/ws"
	"github.com/alanyoungcy/boardmirror/internal/service"
)

const alertTimeout = 10 * time.Second

// engines holds the per-product engines and the services fed by them.
type engines struct {
	facade    *market.Facade
	publisher *service.BookPublisher
	statuses  *service.OrderStatusService
}

func (a *App) newEngines(deps *Dependencies) (*engines, error) {
	tol, err := a.cfg.Orders.Tolerance()
	if err != nil {
		return nil, fmt.Errorf("app: fill tolerance: %w", err)
	}

	b := book.New(book.Config{
		QualityWindow: a.cfg.Book.QualityWindow,
		RateWindow:    a.cfg.Book.RateWindow,
		DegradedBelow: a.cfg.Book.DegradedBelow,
	}, a.logger)
	o := orders.NewEngine(orders.Config{
		FillTolerance: tol,
		MaxPending:    a.cfg.Orders.MaxPending,
	}, a.logger)

	f := market.NewFacade(market.Config{
		ProductCode: a.cfg.Lightstream.ProductCode,
		BookQueue:   a.cfg.Book.QueueSize,
		OrderQueue:  a.cfg.Orders.QueueSize,
		ViewDepth:   a.cfg.Book.ViewDepth,
	}, b, o, a.logger)

	alerts := deps.alerter()
	pub := service.NewBookPublisher(a.cfg.Lightstream.ProductCode, deps.BookCache, deps.SignalBus, alerts, a.cfg.Book.LogBBO, a.logger)
	f.OnBookUpdate(pub.Submit)

	st := service.NewOrderStatusService(o, deps.StatusCache, deps.SignalBus, deps.History, alerts, a.logger)

	return &engines{facade: f, publisher: pub, statuses: st}, nil
}

// alerter returns the notifier as a service.Alerter, or a nil interface when
// notifications are not configured.
func (d *Dependencies) alerter() service.Alerter {
	if d.Notifier == nil {
		return nil
	}
	return d.Notifier
}

// LiveMode mirrors the public board and the private order events of the
// authenticated account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	auth := &crypto.HMACAuth{
		Key:    a.cfg.Lightstream.APIKey,
		Secret: a.cfg.Lightstream.APISecret,
	}
	return a.runStream(ctx, deps, auth)
}

// MonitorMode mirrors the public board only; no credentials are sent.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runStream(ctx, deps, nil)
}

func (a *App) runStream(ctx context.Context, deps *Dependencies, auth *crypto.HMACAuth) error {
	eng, err := a.newEngines(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.holdLease(ctx, g, deps); err != nil {
		return err
	}

	g.Go(func() error { return eng.facade.Run(ctx) })
	a.startServices(ctx, g, eng)

	lf := feed.NewLightstreamFeed(
		a.cfg.Lightstream.URL,
		eng.facade.Channels(),
		auth,
		eng.facade.Dispatch,
		a.logger,
	).WithBackoff(a.cfg.Lightstream.ReconnectInitial.Duration, a.cfg.Lightstream.ReconnectMax.Duration)

	if a.cfg.Tape.Enabled {
		rec := feed.NewTapeRecorder(deps.BlobWriter, feed.TapeConfig{
			Prefix:        a.cfg.Tape.Prefix,
			ProductCode:   a.cfg.Lightstream.ProductCode,
			MaxMessages:   a.cfg.Tape.MaxMessages,
			FlushInterval: a.cfg.Tape.FlushInterval.Duration,
		}, a.logger)
		lf.WithRecorder(rec)
		g.Go(func() error { return rec.Run(ctx) })
	}
	eng.facade.SetResync(lf.Resync)

	g.Go(func() error {
		defer lf.Close()
		if err := lf.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("app: lightstream feed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := eng.facade.WaitReady(ctx); err != nil {
			return nil
		}
		a.logMirrorLive(ctx, eng.facade.Book(), auth)
		return nil
	})

	a.startHTTPServer(ctx, g, deps, eng, lf.Resync)

	return ignoreCanceled(g.Wait())
}

// logMirrorLive reports the first ready board. Private channels are only
// subscribed when both API credentials are set.
func (a *App) logMirrorLive(ctx context.Context, b *book.Book, auth *crypto.HMACAuth) {
	bid, ask, _ := b.BBO()
	a.logger.InfoContext(ctx, "mirror live",
		slog.Int64("best_bid", bid),
		slog.Int64("best_ask", ask),
		slog.Bool("private_channels", auth.Configured()),
	)
}

// ReplayMode rebuilds the engines from a recorded session. Messages are
// applied synchronously, so the final state is logged once the input ends.
// With the API server enabled the rebuilt state stays queryable until ctx is
// cancelled.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode",
		slog.String("path", a.cfg.Replay.Path),
		slog.String("prefix", a.cfg.Replay.Prefix),
	)

	eng, err := a.newEngines(deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if err := a.holdLease(ctx, g, deps); err != nil {
		return err
	}
	a.startServices(ctx, g, eng)
	a.startHTTPServer(ctx, g, deps, eng, nil)

	sink := func(_ context.Context, msg domain.FeedMessage) error {
		if err := eng.facade.Apply(msg); err != nil {
			a.logger.Warn("replayed message dropped",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	replayer := feed.NewReplayer(deps.BlobReader, eng.facade.Channels(), sink, a.logger)

	g.Go(func() error {
		var n int
		var err error
		if a.cfg.Replay.Path != "" {
			n, err = replayer.ReplayFiles(ctx, append([]string{a.cfg.Replay.Path}, a.cfg.Replay.Updates...)...)
		} else {
			n, err = replayer.ReplayObjects(ctx, a.cfg.Replay.Prefix)
		}
		if err != nil {
			return fmt.Errorf("app: replay: %w", err)
		}
		a.logReplaySummary(ctx, eng, n)
		if b := eng.facade.Book(); b.Ready() {
			if err := eng.publisher.Publish(ctx, b.View(a.cfg.Book.ViewDepth)); err != nil {
				a.logger.Warn("publish final view failed", slog.String("error", err.Error()))
			}
		}

		if !a.cfg.Server.Enabled {
			cancel()
		}
		return nil
	})

	return ignoreCanceled(g.Wait())
}

func (a *App) logReplaySummary(ctx context.Context, eng *engines, messages int) {
	b := eng.facade.Book()
	attrs := []any{
		slog.Int("messages", messages),
		slog.Bool("ready", b.Ready()),
		slog.Float64("quality", b.Quality()),
		slog.Int("orders", len(eng.facade.Orders().OrderIDs())),
	}
	if bid, ask, ok := b.BBO(); ok {
		attrs = append(attrs, slog.Int64("best_bid", bid), slog.Int64("best_ask", ask))
	}
	a.logger.InfoContext(ctx, "replay complete", attrs...)
}

// startServices runs the book and order status fan-out.
func (a *App) startServices(ctx context.Context, g *errgroup.Group, eng *engines) {
	g.Go(func() error { return eng.publisher.Run(ctx) })
	g.Go(func() error { return eng.statuses.Run(ctx) })
}

// holdLease claims the single-publisher lease for the product when Redis is
// configured, so two mirrors never write the same keys.
func (a *App) holdLease(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Redis == nil {
		return nil
	}
	key := "publisher:" + a.cfg.Lightstream.ProductCode
	lease, err := redis.AcquireLease(ctx, deps.Redis, key, a.cfg.Redis.LeaseTTL.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another mirror is publishing %s: %w", a.cfg.Lightstream.ProductCode, err)
		}
		return fmt.Errorf("app: publisher lease: %w", err)
	}
	a.closers = append(a.closers, lease.Release)
	g.Go(func() error { return lease.Keep(ctx, a.logger) })
	return nil
}

// startHTTPServer registers the API routes and, when the signal bus is
// available, the WebSocket hub. resync is nil when no live feed runs.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engines, resync func()) {
	if !a.cfg.Server.Enabled {
		return
	}

	product := a.cfg.Lightstream.ProductCode
	startedAt := time.Now().UTC()
	b := eng.facade.Book()
	o := eng.facade.Orders()
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, b, deps.Pingers, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, product, startedAt, b, o),
		Book:   handler.NewBookHandler(product, b, a.logger),
		Orders: handler.NewOrderHandler(o, deps.History, a.logger).WithStream(deps.SignalBus),
		Resync: handler.NewResyncHandler(resync, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:        a.cfg.Mode,
			ProductCode: product,
			StartedAt:   startedAt,
		})
		g.Go(func() error { return hub.Run(ctx) })
	} else {
		a.logger.Info("websocket hub disabled: redis not configured")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return srv.Run(ctx) })
}

func (a *App) alertError(deps *Dependencies, err error) {
	if !deps.Notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	title := fmt.Sprintf("boardmirror %s stopped", a.cfg.Lightstream.ProductCode)
	if nerr := deps.Notifier.Notify(ctx, notify.EventError, title, err.Error()); nerr != nil {
		a.logger.Warn("error alert failed", slog.String("error", nerr.Error()))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
