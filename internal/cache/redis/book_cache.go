package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// BookCache implements domain.BookCache with one hash for the top-of-book
// summary and a sorted set plus size hash per side for the mirrored depth.
//
// Key schema:
//
//	book:{product}:bbo       - hash: bid, ask, mid, adjusted, quality, degraded, ups, ts
//	book:{product}:bids      - sorted set of bid prices (score = price)
//	book:{product}:asks      - sorted set of ask prices (score = price)
//	book:{product}:bid:size  - hash mapping price -> size for bids
//	book:{product}:ask:size  - hash mapping price -> size for asks
type BookCache struct {
	rdb    *redis.Client
	prefix string
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying(), prefix: c.KeyPrefix()}
}

func (bc *BookCache) key(product, suffix string) string {
	return bc.prefix + "book:" + product + ":" + suffix
}

func (bc *BookCache) bboKey(product string) string     { return bc.key(product, "bbo") }
func (bc *BookCache) bidsKey(product string) string    { return bc.key(product, "bids") }
func (bc *BookCache) asksKey(product string) string    { return bc.key(product, "asks") }
func (bc *BookCache) bidSizeKey(product string) string { return bc.key(product, "bid:size") }
func (bc *BookCache) askSizeKey(product string) string { return bc.key(product, "ask:size") }

// SetView atomically replaces the mirrored view for a product.
func (bc *BookCache) SetView(ctx context.Context, product string, view domain.BookView) error {
	bidsKey, asksKey := bc.bidsKey(product), bc.asksKey(product)
	bidSizeKey, askSizeKey := bc.bidSizeKey(product), bc.askSizeKey(product)
	bboKey := bc.bboKey(product)

	pipe := bc.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, bboKey)

	for _, lvl := range view.Bids {
		p := strconv.FormatInt(lvl.Price, 10)
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: float64(lvl.Price), Member: p})
		pipe.HSet(ctx, bidSizeKey, p, lvl.Size.String())
	}
	for _, lvl := range view.Asks {
		p := strconv.FormatInt(lvl.Price, 10)
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: float64(lvl.Price), Member: p})
		pipe.HSet(ctx, askSizeKey, p, lvl.Size.String())
	}
	pipe.HSet(ctx, bboKey, viewFields(view))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book view %s: %w", product, err)
	}
	return nil
}

// GetView reads the mirrored view back. It returns domain.ErrNotFound when
// nothing has been mirrored for the product.
func (bc *BookCache) GetView(ctx context.Context, product string) (domain.BookView, error) {
	pipe := bc.rdb.Pipeline()
	bboCmd := pipe.HGetAll(ctx, bc.bboKey(product))
	bidsCmd := pipe.ZRevRange(ctx, bc.bidsKey(product), 0, -1)
	asksCmd := pipe.ZRange(ctx, bc.asksKey(product), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bc.bidSizeKey(product))
	askSizeCmd := pipe.HGetAll(ctx, bc.askSizeKey(product))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.BookView{}, fmt.Errorf("redis: get book view %s: %w", product, err)
	}

	fields, _ := bboCmd.Result()
	if len(fields) == 0 {
		return domain.BookView{}, domain.ErrNotFound
	}
	view, err := parseViewFields(fields)
	if err != nil {
		return domain.BookView{}, fmt.Errorf("redis: parse book view %s: %w", product, err)
	}

	bidPrices, _ := bidsCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	view.Bids = parseLevels(bidPrices, bidSizes)
	askPrices, _ := asksCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	view.Asks = parseLevels(askPrices, askSizes)
	return view, nil
}

func viewFields(v domain.BookView) map[string]any {
	return map[string]any{
		"ready":    strconv.FormatBool(v.Ready),
		"bid":      strconv.FormatInt(v.BestBid, 10),
		"ask":      strconv.FormatInt(v.BestAsk, 10),
		"mid":      strconv.FormatInt(v.MidPrice, 10),
		"adjusted": strconv.FormatBool(v.Adjusted),
		"quality":  strconv.FormatFloat(v.Quality, 'f', -1, 64),
		"degraded": strconv.FormatBool(v.Degraded),
		"ups":      strconv.FormatFloat(v.UpdatesPerSecond, 'f', -1, 64),
		"ts":       strconv.FormatInt(v.Timestamp.UnixNano(), 10),
	}
}

func parseViewFields(f map[string]string) (domain.BookView, error) {
	var (
		v   domain.BookView
		err error
	)
	parse := func(key string, fn func(string) error) {
		if err != nil {
			return
		}
		s, ok := f[key]
		if !ok {
			return
		}
		if perr := fn(s); perr != nil {
			err = fmt.Errorf("field %s: %w", key, perr)
		}
	}

	parse("ready", func(s string) (e error) { v.Ready, e = strconv.ParseBool(s); return })
	parse("bid", func(s string) (e error) { v.BestBid, e = strconv.ParseInt(s, 10, 64); return })
	parse("ask", func(s string) (e error) { v.BestAsk, e = strconv.ParseInt(s, 10, 64); return })
	parse("mid", func(s string) (e error) { v.MidPrice, e = strconv.ParseInt(s, 10, 64); return })
	parse("adjusted", func(s string) (e error) { v.Adjusted, e = strconv.ParseBool(s); return })
	parse("quality", func(s string) (e error) { v.Quality, e = strconv.ParseFloat(s, 64); return })
	parse("degraded", func(s string) (e error) { v.Degraded, e = strconv.ParseBool(s); return })
	parse("ups", func(s string) (e error) { v.UpdatesPerSecond, e = strconv.ParseFloat(s, 64); return })
	parse("ts", func(s string) error {
		ns, e := strconv.ParseInt(s, 10, 64)
		if e == nil {
			v.Timestamp = time.Unix(0, ns).UTC()
		}
		return e
	})
	return v, err
}

// parseLevels joins the ordered price members with their sizes, skipping
// members whose size is missing or unparseable.
func parseLevels(prices []string, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(prices))
	for _, p := range prices {
		price, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(sizes[p])
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
