package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// releaseLua deletes the lease only while the caller still owns it.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the lease TTL only while the caller still owns it.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lease is an exclusive, expiring claim on a key. One mirror process holds
// the publisher lease per product so two instances never interleave writes
// to the same cache keys.
type Lease struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	release   *redis.Script
	refresh   *redis.Script
	closeOnce sync.Once
}

// AcquireLease claims key for ttl. It returns domain.ErrLockHeld when another
// owner holds it.
func AcquireLease(ctx context.Context, c *Client, key string, ttl time.Duration) (*Lease, error) {
	l := &Lease{
		rdb:     c.Underlying(),
		key:     c.KeyPrefix() + "lease:" + key,
		token:   uuid.New().String(),
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
		refresh: redis.NewScript(refreshLua),
	}

	ok, err := l.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, domain.ErrLockHeld)
	}
	return l, nil
}

// Refresh extends the lease. It returns domain.ErrLockHeld once ownership
// has been lost.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := l.refresh.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: refresh lease %s: %w", l.key, domain.ErrLockHeld)
	}
	return nil
}

// Keep refreshes the lease at a third of its TTL until ctx is done, then
// releases it. A lost lease ends Keep with an error.
func (l *Lease) Keep(ctx context.Context, logger *slog.Logger) error {
	defer l.Release()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("lease lost", slog.String("key", l.key), slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// Release drops the lease if still owned. Safe to call more than once.
func (l *Lease) Release() {
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}
