// Package lightstream is a client for bitFlyer's lightstream JSON-RPC 2.0
// WebSocket API: public board channels plus the authenticated order-event
// channels.
package lightstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/boardmirror/internal/crypto"
	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// DefaultURL is the production JSON-RPC endpoint.
const DefaultURL = "wss://ws.lightstream.bitflyer.com/json-rpc"

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong from the
	// peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// MessageHandler receives every channelMessage notification. It is called
// from the read goroutine in delivery order and must not block for long.
type MessageHandler func(domain.FeedMessage)

// Client is one lightstream connection. It does not reconnect on its own;
// Done is closed when the connection drops and the caller decides what to do.
type Client struct {
	url     string
	auth    *crypto.HMACAuth
	handler MessageHandler
	logger  *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	callMu  sync.Mutex
	nextID  int
	pending map[int]chan rpcEnvelope

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	now func() time.Time
}

// NewClient creates a client for url. auth may be nil for a public-only
// session.
func NewClient(url string, auth *crypto.HMACAuth, handler MessageHandler, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:     url,
		auth:    auth,
		handler: handler,
		logger:  logger.With(slog.String("component", "lightstream_ws")),
		pending: make(map[int]chan rpcEnvelope),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Connect dials the endpoint and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("lightstream: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("lightstream connected", slog.String("url", c.url))
	return nil
}

// Authenticate performs the auth call and blocks until the server answers.
// It returns an error wrapping domain.ErrUnauthorized when the server rejects
// the credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	if !c.auth.Configured() {
		return fmt.Errorf("lightstream: auth: %w: no credentials", domain.ErrUnauthorized)
	}

	res, err := c.call(ctx, methodAuth, c.auth.AuthParams())
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("lightstream: auth: %w: %s", domain.ErrUnauthorized, rpcErr.Message)
		}
		return fmt.Errorf("lightstream: auth: %w", err)
	}

	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil || !ok {
		return fmt.Errorf("lightstream: auth: %w: result %s", domain.ErrUnauthorized, string(res))
	}
	c.logger.Info("lightstream authenticated")
	return nil
}

// Subscribe subscribes to each channel in turn, waiting for every
// acknowledgement.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	for _, ch := range channels {
		if _, err := c.call(ctx, methodSubscribe, channelParams{Channel: ch}); err != nil {
			return fmt.Errorf("lightstream: subscribe to %s: %w", ch, err)
		}
		c.logger.Debug("subscribed", slog.String("channel", ch))
	}
	return nil
}

// Unsubscribe reverses Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	for _, ch := range channels {
		if _, err := c.call(ctx, methodUnsubscribe, channelParams{Channel: ch}); err != nil {
			return fmt.Errorf("lightstream: unsubscribe from %s: %w", ch, err)
		}
	}
	return nil
}

// Done is closed once the connection has been lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()

	c.shutdown(fmt.Errorf("lightstream: %w: closed", domain.ErrWSDisconnect))
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// call sends a request and waits for the response with the same id.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.callMu.Lock()
	c.nextID++
	id := c.nextID
	reply := make(chan rpcEnvelope, 1)
	c.pending[id] = reply
	c.callMu.Unlock()

	defer func() {
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("lightstream: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("lightstream: %w: %v", domain.ErrWSDisconnect, err))
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage routes responses to their waiting call and channel messages
// to the handler. The server may batch several envelopes in one JSON array.
func (c *Client) handleMessage(raw []byte) {
	var batch []rpcEnvelope
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			c.logger.Debug("drop unparseable batch", slog.String("error", err.Error()))
			return
		}
	} else {
		var env rpcEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("drop unparseable message", slog.String("error", err.Error()))
			return
		}
		batch = append(batch, env)
	}

	for _, env := range batch {
		if env.ID != nil {
			c.callMu.Lock()
			reply, ok := c.pending[*env.ID]
			c.callMu.Unlock()
			if ok {
				select {
				case reply <- env:
				default:
				}
			}
			continue
		}
		if env.Method != methodChannelMessage {
			continue
		}
		var msg channelMessage
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			c.logger.Debug("drop malformed channelMessage", slog.String("error", err.Error()))
			continue
		}
		if c.handler != nil {
			c.handler(domain.FeedMessage{
				Channel:    msg.Channel,
				Payload:    msg.Message,
				ReceivedAt: c.now(),
			})
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
