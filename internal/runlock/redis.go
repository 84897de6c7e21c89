package runlock

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// compare-and-delete so a holder whose lease expired cannot free a newer one
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares the run lock across processes through one Redis key
type RedisLocker struct {
	rdb *goredis.Client
	key string
}

// NewRedisLocker connects and pings Redis
func NewRedisLocker(addr, key string) (*RedisLocker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if strings.TrimSpace(key) == "" {
		key = "price-tracker:scrape-lock"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLocker{rdb: rdb, key: key}, nil
}

// Acquire sets the key with NX and a PX expiry
func (r *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	lease := newLease(now, ttl, r.release)
	ok, err := r.rdb.SetNX(ctx, r.key, lease.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return lease, nil
}

func (r *RedisLocker) release(ctx context.Context, token string) error {
	// the run context may already be cancelled when the lease is released
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}
