package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBlobs is an in-memory domain.BlobWriter and domain.BlobReader.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	parts   map[string]int64
	failPut bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), types: make(map[string]string), parts: make(map[string]int64)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.failPut {
		return errors.New("boom")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	m.mu.Lock()
	m.parts[path] = partSize
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

func feedMsg(channel, payload string) domain.FeedMessage {
	return domain.FeedMessage{
		Channel:    channel,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestTapeRecorder_FlushAndReadBack(t *testing.T) {
	blobs := newMemBlobs()
	rec := NewTapeRecorder(blobs, TapeConfig{Prefix: "/tapes/", ProductCode: "FX_BTC_JPY"}, testLogger())
	rec.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	rec.Record(feedMsg("lightning_board_snapshot_FX_BTC_JPY", `{"mid_price":105}`))
	rec.Record(feedMsg("lightning_board_FX_BTC_JPY", `{"mid_price":106}`))
	require.NoError(t, rec.Flush(context.Background()))

	keys := blobs.keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, regexp.MustCompile(`^tapes/FX_BTC_JPY/2024/03/01/[0-9a-v]{20}\.jsonl\.gz$`), keys[0])
	assert.Equal(t, "application/gzip", blobs.types[keys[0]])

	rc, err := blobs.Get(context.Background(), keys[0])
	require.NoError(t, err)
	var got []domain.FeedMessage
	require.NoError(t, ReadTape(rc, func(m domain.FeedMessage) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "lightning_board_snapshot_FX_BTC_JPY", got[0].Channel)
	assert.JSONEq(t, `{"mid_price":106}`, string(got[1].Payload))

	// nothing pending, nothing uploaded.
	require.NoError(t, rec.Flush(context.Background()))
	assert.Len(t, blobs.keys(), 1)
}

func TestTapeRecorder_SealsFullBatches(t *testing.T) {
	blobs := newMemBlobs()
	rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "FX_BTC_JPY", MaxMessages: 2}, testLogger())

	for i := 0; i < 5; i++ {
		rec.Record(feedMsg("lightning_board_FX_BTC_JPY", `{}`))
	}
	require.NoError(t, rec.Flush(context.Background()))
	assert.Len(t, blobs.keys(), 3)
}

func TestTapeRecorder_UploadError(t *testing.T) {
	blobs := newMemBlobs()
	blobs.failPut = true
	rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "P"}, testLogger())
	rec.Record(feedMsg("c", `{}`))
	assert.Error(t, rec.Flush(context.Background()))
}

func TestTapeRecorder_RunFlushesOnShutdown(t *testing.T) {
	blobs := newMemBlobs()
	rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "P", FlushInterval: time.Hour}, testLogger())
	rec.Record(feedMsg("c", `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, blobs.keys(), 1)
}

func TestReadTape_PlainAndErrors(t *testing.T) {
	plain := `{"channel":"a","payload":{"x":1},"received_at":"2024-03-01T09:00:00Z"}

{"channel":"b","payload":[],"received_at":"2024-03-01T09:00:01Z"}
`
	var channels []string
	require.NoError(t, ReadTape(strings.NewReader(plain), func(m domain.FeedMessage) error {
		channels = append(channels, m.Channel)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, channels)

	err := ReadTape(strings.NewReader(`{"payload":{}}`), func(domain.FeedMessage) error { return nil })
	assert.ErrorContains(t, err, "missing channel")

	stop := errors.New("stop")
	err = ReadTape(strings.NewReader(plain), func(domain.FeedMessage) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestReplayer(t *testing.T) {
	channels := domain.ChannelsFor("FX_BTC_JPY")
	var got []domain.FeedMessage
	sink := func(_ context.Context, m domain.FeedMessage) error {
		got = append(got, m)
		return nil
	}

	t.Run("objects in key order", func(t *testing.T) {
		got = nil
		blobs := newMemBlobs()
		rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "FX_BTC_JPY", MaxMessages: 1}, testLogger())
		rec.Record(feedMsg("first", `{}`))
		rec.Record(feedMsg("second", `{}`))
		require.NoError(t, rec.Flush(context.Background()))

		p := NewReplayer(blobs, channels, sink, testLogger())
		n, err := p.ReplayObjects(context.Background(), "FX_BTC_JPY/")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, got, 2)
		assert.Equal(t, "first", got[0].Channel)
		assert.Equal(t, "second", got[1].Channel)
	})

	t.Run("board json file is a snapshot", func(t *testing.T) {
		got = nil
		path := filepath.Join(t.TempDir(), "ob.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"mid_price":955367,"bids":[],"asks":[]}`), 0o644))

		p := NewReplayer(nil, channels, sink, testLogger())
		n, err := p.ReplayFile(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, channels.BookSnapshot, got[0].Channel)
	})

	t.Run("exact object key", func(t *testing.T) {
		got = nil
		blobs := newMemBlobs()
		rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "FX_BTC_JPY", MaxMessages: 1}, testLogger())
		rec.Record(feedMsg("first", `{}`))
		rec.Record(feedMsg("second", `{}`))
		require.NoError(t, rec.Flush(context.Background()))

		keys := blobs.keys()
		require.Len(t, keys, 2)
		p := NewReplayer(blobs, channels, sink, testLogger())
		n, err := p.ReplayObjects(context.Background(), keys[0])
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, got, 1)
	})

	t.Run("snapshot then update files", func(t *testing.T) {
		got = nil
		dir := t.TempDir()
		ob := filepath.Join(dir, "ob.json")
		upd := filepath.Join(dir, "update.json")
		require.NoError(t, os.WriteFile(ob, []byte(`{"mid_price":955367,"bids":[],"asks":[]}`), 0o644))
		require.NoError(t, os.WriteFile(upd, []byte(`{"mid_price":955370,"bids":[],"asks":[]}`), 0o644))

		p := NewReplayer(nil, channels, sink, testLogger())
		n, err := p.ReplayFiles(context.Background(), ob, upd)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, got, 2)
		assert.Equal(t, channels.BookSnapshot, got[0].Channel)
		assert.Equal(t, channels.BookDelta, got[1].Channel)
	})

	t.Run("no reader", func(t *testing.T) {
		p := NewReplayer(nil, channels, sink, testLogger())
		_, err := p.ReplayObjects(context.Background(), "x")
		assert.Error(t, err)
	})
}

func TestTapeRecorder_LargeBatchUsesMultipart(t *testing.T) {
	blobs := newMemBlobs()
	rec := NewTapeRecorder(blobs, TapeConfig{ProductCode: "FX_BTC_JPY", MultipartThreshold: 1}, testLogger())
	rec.Record(feedMsg("lightning_board_FX_BTC_JPY", `{"mid_price":1}`))
	require.NoError(t, rec.Flush(context.Background()))

	keys := blobs.keys()
	require.Len(t, keys, 1)
	assert.Equal(t, int64(tapePartSize), blobs.parts[keys[0]])

	small := newMemBlobs()
	rec = NewTapeRecorder(small, TapeConfig{ProductCode: "FX_BTC_JPY"}, testLogger())
	rec.Record(feedMsg("lightning_board_FX_BTC_JPY", `{"mid_price":1}`))
	require.NoError(t, rec.Flush(context.Background()))
	assert.Empty(t, small.parts)
	assert.Equal(t, tapeContentType, small.types[small.keys()[0]])
}
