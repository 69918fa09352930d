package feed

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// maxTapeLine bounds one JSONL record; a full board snapshot is well under it.
const maxTapeLine = 16 << 20

// ReadTape decodes a tape stream (gzip or plain JSONL) and calls fn for each
// message in order. It stops at the first error fn returns.
func ReadTape(r io.Reader, fn func(domain.FeedMessage) error) error {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)

	var src io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("feed: open gzip tape: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxTapeLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var msg domain.FeedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("feed: tape line %d: %w", line, err)
		}
		if msg.Channel == "" {
			return fmt.Errorf("feed: tape line %d: missing channel", line)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("feed: read tape: %w", err)
	}
	return nil
}

// Replayer streams recorded sessions back through a MessageSink, letting the
// engines be rebuilt offline exactly as they were live.
type Replayer struct {
	reader   domain.BlobReader
	channels domain.FeedChannels
	sink     MessageSink
	logger   *slog.Logger
}

// NewReplayer creates a replayer. reader may be nil when only local files are
// replayed.
func NewReplayer(reader domain.BlobReader, channels domain.FeedChannels, sink MessageSink, logger *slog.Logger) *Replayer {
	return &Replayer{
		reader:   reader,
		channels: channels,
		sink:     sink,
		logger:   logger.With(slog.String("component", "replayer")),
	}
}

// ReplayObjects replays every tape object under prefix in key order.
func (p *Replayer) ReplayObjects(ctx context.Context, prefix string) (int, error) {
	if p.reader == nil {
		return 0, fmt.Errorf("feed: replay %s: no blob reader configured", prefix)
	}
	// An exact object key replays just that tape.
	if !strings.HasSuffix(prefix, "/") {
		exists, err := p.reader.Exists(ctx, prefix)
		if err != nil {
			return 0, fmt.Errorf("feed: stat tape %s: %w", prefix, err)
		}
		if exists {
			return p.replayObject(ctx, prefix)
		}
	}
	objs, err := p.reader.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("feed: list tapes %s: %w", prefix, err)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path < objs[j].Path })

	total := 0
	for _, obj := range objs {
		n, err := p.replayObject(ctx, obj.Path)
		total += n
		if err != nil {
			return total, err
		}
	}
	p.logger.Info("replay finished", slog.String("prefix", prefix), slog.Int("objects", len(objs)), slog.Int("messages", total))
	return total, nil
}

func (p *Replayer) replayObject(ctx context.Context, key string) (int, error) {
	rc, err := p.reader.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("feed: get tape %s: %w", key, err)
	}
	defer rc.Close()

	n, err := p.replay(ctx, rc)
	if err != nil {
		return n, fmt.Errorf("feed: replay %s: %w", key, err)
	}
	p.logger.Debug("tape replayed", slog.String("key", key), slog.Int("messages", n))
	return n, nil
}

// ReplayFile replays a local file. A .json file holds one raw board payload:
// files named update*.json are delivered as deltas, any other .json as a
// snapshot. Everything else is read as a tape.
func (p *Replayer) ReplayFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("feed: open %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		raw, err := io.ReadAll(f)
		if err != nil {
			return 0, fmt.Errorf("feed: read %s: %w", path, err)
		}
		channel := p.channels.BookSnapshot
		if isUpdateFile(path) {
			channel = p.channels.BookDelta
		}
		msg := domain.FeedMessage{Channel: channel, Payload: json.RawMessage(raw)}
		if err := p.sink(ctx, msg); err != nil {
			return 0, err
		}
		return 1, nil
	}

	n, err := p.replay(ctx, f)
	if err != nil {
		return n, fmt.Errorf("feed: replay %s: %w", path, err)
	}
	return n, nil
}

func (p *Replayer) replay(ctx context.Context, r io.Reader) (int, error) {
	n := 0
	err := ReadTape(r, func(msg domain.FeedMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.sink(ctx, msg); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// ReplayFiles replays each path in order with ReplayFile, e.g. a board
// snapshot followed by its update files.
func (p *Replayer) ReplayFiles(ctx context.Context, paths ...string) (int, error) {
	total := 0
	for _, path := range paths {
		n, err := p.ReplayFile(ctx, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isUpdateFile(path string) bool {
	return strings.HasPrefix(strings.ToLower(filepath.Base(path)), "update")
}
