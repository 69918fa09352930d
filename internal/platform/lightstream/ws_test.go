package lightstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boardmirror/internal/crypto"
	"github.com/alanyoungcy/boardmirror/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer answers auth and subscribe calls and pushes one channelMessage
// per subscription.
type fakeServer struct {
	secret string
	accept bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int             `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}

		switch req.Method {
		case "auth":
			var p crypto.AuthParams
			_ = json.Unmarshal(req.Params, &p)
			h := crypto.HMACAuth{Key: p.APIKey, Secret: f.secret}
			valid := f.accept && h.AuthParamsAt(p.Timestamp, p.Nonce).Signature == p.Signature
			if valid {
				_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
			} else {
				_ = conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{"code": -32000, "message": "invalid signature"},
				})
			}
		case "subscribe":
			var p channelParams
			_ = json.Unmarshal(req.Params, &p)
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true})
			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "channelMessage",
				"params": map[string]any{
					"channel": p.Channel,
					"message": map[string]any{"mid_price": 100, "bids": []any{}, "asks": []any{}},
				},
			})
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SubscribeDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{accept: true})
	defer srv.Close()

	msgs := make(chan domain.FeedMessage, 4)
	c := NewClient(wsURL(srv), nil, func(m domain.FeedMessage) { msgs <- m }, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	require.NoError(t, c.Subscribe(ctx, "lightning_board_FX_BTC_JPY"))

	select {
	case m := <-msgs:
		assert.Equal(t, "lightning_board_FX_BTC_JPY", m.Channel)
		assert.JSONEq(t, `{"mid_price":100,"bids":[],"asks":[]}`, string(m.Payload))
		assert.False(t, m.ReceivedAt.IsZero())
	case <-ctx.Done():
		t.Fatal("no channel message")
	}
}

func TestClient_Authenticate(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{secret: "s3cret", accept: true})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	good := NewClient(wsURL(srv), &crypto.HMACAuth{Key: "k", Secret: "s3cret"}, nil, testLogger())
	require.NoError(t, good.Connect(ctx))
	defer good.Close()
	assert.NoError(t, good.Authenticate(ctx))

	bad := NewClient(wsURL(srv), &crypto.HMACAuth{Key: "k", Secret: "wrong"}, nil, testLogger())
	require.NoError(t, bad.Connect(ctx))
	defer bad.Close()
	err := bad.Authenticate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClient_AuthenticateWithoutCredentials(t *testing.T) {
	c := NewClient("", nil, nil, testLogger())
	assert.ErrorIs(t, c.Authenticate(context.Background()), domain.ErrUnauthorized)
}

func TestClient_DoneOnServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(wsURL(srv), nil, nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), domain.ErrWSDisconnect)
	case <-ctx.Done():
		t.Fatal("Done not closed")
	}

	_, err := c.call(ctx, methodSubscribe, channelParams{Channel: "x"})
	assert.Error(t, err)
}
