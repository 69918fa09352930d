package feed

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

const (
	defaultTapeBatch    = 50_000
	defaultTapeInterval = 5 * time.Minute
	tapeContentType     = "application/gzip"
	tapeUploadTimeout   = 30 * time.Second

	// Batches at or above this size go through multipart upload.
	defaultTapeMultipart = 8 << 20
	tapePartSize         = 8 << 20
)

// TapeConfig controls how feed messages are batched into tape objects.
type TapeConfig struct {
	Prefix      string
	ProductCode string
	// MaxMessages seals a batch once it holds this many messages.
	MaxMessages int
	// FlushInterval seals a non-empty batch at least this often.
	FlushInterval time.Duration
	// MultipartThreshold is the compressed size, in bytes, from which a batch
	// is uploaded in parts.
	MultipartThreshold int
}

// tapeBatch is one gzip JSONL object in the making.
type tapeBatch struct {
	buf    bytes.Buffer
	gz     *gzip.Writer
	enc    *json.Encoder
	count  int
	opened time.Time
}

func newTapeBatch(opened time.Time) *tapeBatch {
	b := &tapeBatch{opened: opened}
	b.gz = gzip.NewWriter(&b.buf)
	b.enc = json.NewEncoder(b.gz)
	b.enc.SetEscapeHTML(false)
	return b
}

// TapeRecorder writes every raw feed message as newline-delimited JSON into
// gzip objects under {prefix}/{product}/{yyyy/mm/dd}/{xid}.jsonl.gz so a
// session can be replayed later.
type TapeRecorder struct {
	writer domain.BlobWriter
	cfg    TapeConfig
	logger *slog.Logger

	mu      sync.Mutex
	current *tapeBatch
	sealed  chan *tapeBatch

	now func() time.Time
}

// NewTapeRecorder creates a recorder that uploads through w.
func NewTapeRecorder(w domain.BlobWriter, cfg TapeConfig, logger *slog.Logger) *TapeRecorder {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaultTapeBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultTapeInterval
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = defaultTapeMultipart
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &TapeRecorder{
		writer: w,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "tape_recorder")),
		sealed: make(chan *tapeBatch, 8),
		now:    time.Now,
	}
}

// Record appends msg to the current batch. It never blocks on I/O; a full
// batch is handed to Run for upload.
func (r *TapeRecorder) Record(msg domain.FeedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		r.current = newTapeBatch(r.now())
	}
	if err := r.current.enc.Encode(msg); err != nil {
		r.logger.Warn("tape encode failed", slog.String("error", err.Error()))
		return
	}
	r.current.count++
	if r.current.count >= r.cfg.MaxMessages {
		r.sealLocked()
	}
}

// Run uploads sealed batches and seals the current batch every
// FlushInterval. On shutdown the remaining batches are uploaded with a fresh
// deadline.
func (r *TapeRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), tapeUploadTimeout)
			defer cancel()
			return r.Flush(flushCtx)
		case b := <-r.sealed:
			r.upload(ctx, b)
		case <-ticker.C:
			r.mu.Lock()
			r.sealLocked()
			r.mu.Unlock()
		}
	}
}

// Flush seals the current batch and uploads everything pending.
func (r *TapeRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	r.sealLocked()
	r.mu.Unlock()

	var firstErr error
	for {
		select {
		case b := <-r.sealed:
			if err := r.upload(ctx, b); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

// sealLocked closes the current batch and queues it. Caller must hold r.mu.
func (r *TapeRecorder) sealLocked() {
	b := r.current
	if b == nil || b.count == 0 {
		return
	}
	r.current = nil
	if err := b.gz.Close(); err != nil {
		r.logger.Warn("tape gzip close failed", slog.String("error", err.Error()))
		return
	}
	select {
	case r.sealed <- b:
	default:
		r.logger.Error("tape upload queue full, batch dropped",
			slog.Int("messages", b.count),
		)
	}
}

func (r *TapeRecorder) upload(ctx context.Context, b *tapeBatch) error {
	key := r.objectKey(b.opened)
	body := bytes.NewReader(b.buf.Bytes())
	var err error
	if b.buf.Len() >= r.cfg.MultipartThreshold {
		err = r.writer.PutMultipart(ctx, key, body, tapePartSize)
	} else {
		err = r.writer.Put(ctx, key, body, tapeContentType)
	}
	if err != nil {
		r.logger.Error("tape upload failed",
			slog.String("key", key),
			slog.Int("messages", b.count),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("feed: upload tape %s: %w", key, err)
	}
	r.logger.Info("tape uploaded",
		slog.String("key", key),
		slog.Int("messages", b.count),
		slog.Int("bytes", b.buf.Len()),
	)
	return nil
}

// objectKey builds {prefix}/{product}/{yyyy/mm/dd}/{xid}.jsonl.gz. xid sorts
// by creation time, so listing a day returns batches in recording order.
func (r *TapeRecorder) objectKey(opened time.Time) string {
	name := xid.NewWithTime(opened).String() + ".jsonl.gz"
	parts := []string{r.cfg.ProductCode, opened.UTC().Format("2006/01/02"), name}
	if r.cfg.Prefix != "" {
		parts = append([]string{r.cfg.Prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
