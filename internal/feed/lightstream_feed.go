package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/boardmirror/internal/crypto"
	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/platform/lightstream"
)

const (
	// connectTimeout bounds dial, auth and the initial subscriptions.
	connectTimeout = 15 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// MessageSink receives every feed message, typically market.Facade.Dispatch.
type MessageSink func(ctx context.Context, msg domain.FeedMessage) error

// Recorder tees raw feed messages somewhere durable.
type Recorder interface {
	Record(msg domain.FeedMessage)
}

// LightstreamFeed keeps a lightstream session alive: it connects, subscribes
// to the board channels, authenticates and subscribes to the order channels
// when credentials are present, and reconnects with backoff on disconnect.
// A fresh subscription always starts with a board snapshot.
type LightstreamFeed struct {
	url      string
	channels domain.FeedChannels
	auth     *crypto.HMACAuth
	sink     MessageSink
	recorder Recorder
	logger   *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration

	resync    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewLightstreamFeed creates a feed for the given channels. auth may be nil,
// in which case only the public board channels are subscribed.
func NewLightstreamFeed(url string, channels domain.FeedChannels, auth *crypto.HMACAuth, sink MessageSink, logger *slog.Logger) *LightstreamFeed {
	return &LightstreamFeed{
		url:      url,
		channels: channels,
		auth:     auth,
		sink:     sink,
		logger:   logger.With(slog.String("component", "lightstream_feed")),
		minDelay: reconnectDelay,
		maxDelay: maxReconnectDelay,
		resync:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// WithRecorder tees every received message to r before it is dispatched.
func (f *LightstreamFeed) WithRecorder(r Recorder) *LightstreamFeed {
	f.recorder = r
	return f
}

// WithBackoff overrides the reconnect backoff bounds.
func (f *LightstreamFeed) WithBackoff(initial, limit time.Duration) *LightstreamFeed {
	f.minDelay, f.maxDelay = initial, limit
	return f
}

// Run keeps the session alive until ctx is cancelled or Close is called.
func (f *LightstreamFeed) Run(ctx context.Context) error {
	delay := f.minDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		subscribed, err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		if subscribed {
			delay = f.minDelay
		}
		f.logger.Warn("lightstream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

// Resync asks the live session to resubscribe the snapshot channel so a fresh
// board snapshot is delivered. Safe to call from any goroutine.
func (f *LightstreamFeed) Resync() {
	select {
	case f.resync <- struct{}{}:
	default:
	}
}

// Close stops the feed.
func (f *LightstreamFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection runs one session. subscribed reports whether it got as far
// as a full set of subscriptions. A nil error means Close was called.
func (f *LightstreamFeed) runConnection(ctx context.Context) (subscribed bool, err error) {
	client := lightstream.NewClient(f.url, f.auth, func(msg domain.FeedMessage) {
		f.deliver(ctx, msg)
	}, f.logger)
	defer client.Close()

	setupCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Connect(setupCtx); err != nil {
		return false, err
	}
	if err := client.Subscribe(setupCtx, f.channels.Public()...); err != nil {
		return false, err
	}
	if f.auth.Configured() {
		if err := client.Authenticate(setupCtx); err != nil {
			return false, err
		}
		if err := client.Subscribe(setupCtx, f.channels.Private()...); err != nil {
			return false, err
		}
	} else {
		f.logger.Info("no api credentials, order channels not subscribed")
	}
	f.logger.Info("lightstream subscribed",
		slog.String("snapshot", f.channels.BookSnapshot),
		slog.Bool("private", f.auth.Configured()),
	)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-f.done:
			return true, nil
		case <-client.Done():
			return true, client.Err()
		case <-f.resync:
			f.logger.Info("resubscribing snapshot channel")
			rctx, rcancel := context.WithTimeout(ctx, connectTimeout)
			err := client.Unsubscribe(rctx, f.channels.BookSnapshot)
			if err == nil {
				err = client.Subscribe(rctx, f.channels.BookSnapshot)
			}
			rcancel()
			if err != nil {
				return true, err
			}
		}
	}
}

func (f *LightstreamFeed) deliver(ctx context.Context, msg domain.FeedMessage) {
	if f.recorder != nil {
		f.recorder.Record(msg)
	}
	if f.sink == nil {
		return
	}
	if err := f.sink(ctx, msg); err != nil && ctx.Err() == nil {
		f.logger.Debug("feed message not dispatched",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
	}
}
