package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streams: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type memBookCache struct {
	mu    sync.Mutex
	views []domain.BookView
}

func (c *memBookCache) SetView(_ context.Context, _ string, v domain.BookView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = append(c.views, v)
	return nil
}

func (c *memBookCache) GetView(context.Context, string) (domain.BookView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.views) == 0 {
		return domain.BookView{}, domain.ErrNotFound
	}
	return c.views[len(c.views)-1], nil
}

type memStatusCache struct {
	statuses map[string]domain.OrderStatus
}

func (c *memStatusCache) SetStatus(_ context.Context, st domain.OrderStatus) error {
	c.statuses[st.OrderID] = st
	return nil
}

func (c *memStatusCache) GetStatus(_ context.Context, id string) (domain.OrderStatus, error) {
	st, ok := c.statuses[id]
	if !ok {
		return domain.OrderStatus{}, domain.ErrNotFound
	}
	return st, nil
}

type memHistory struct {
	records []domain.StatusRecord
}

func (h *memHistory) Append(_ context.Context, st domain.OrderStatus, at time.Time) error {
	h.records = append(h.records, domain.StatusRecord{ID: int64(len(h.records) + 1), Status: st, ObservedAt: at})
	return nil
}

func (h *memHistory) ListByOrder(_ context.Context, id string, _ domain.ListOpts) ([]domain.StatusRecord, error) {
	var out []domain.StatusRecord
	for _, r := range h.records {
		if r.Status.OrderID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

type alert struct{ event, title, message string }

type recAlerter struct {
	mu     sync.Mutex
	alerts []alert
}

func (a *recAlerter) Notify(_ context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert{event, title, message})
	return nil
}

func (a *recAlerter) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.alerts))
	for i, al := range a.alerts {
		out[i] = al.event
	}
	return out
}
