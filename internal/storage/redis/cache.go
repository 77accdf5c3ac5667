// Package redis fronts the idempotency store with a Redis replay cache.
package redis

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/omnicart/internal/domain/checkout"
	"github.com/xenking/omnicart/internal/domain/tenant"
)

const keyReplay = "omnicart:replay:%s:%s:%s"

var _ checkout.ReplayCache = (*ReplayCache)(nil)

// client is the subset of *redis.Client the cache uses.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Config selects the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) *redis.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// ReplayCache stores completed order snapshots by tenant and idempotency key.
// The database record stays authoritative; a miss or an error here only costs
// a round trip to it.
type ReplayCache struct {
	rdb client
}

// NewReplayCache returns a ReplayCache on rdb.
func NewReplayCache(rdb client) *ReplayCache {
	return &ReplayCache{rdb: rdb}
}

// Get returns the cached replay, if any.
func (c *ReplayCache) Get(ctx context.Context, id tenant.ID, operation, keyHash string) (checkout.Replay, bool, error) {
	raw, err := c.rdb.Get(ctx, key(id, operation, keyHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return checkout.Replay{}, false, nil
	}
	if err != nil {
		return checkout.Replay{}, false, errors.Wrap(err, "get replay")
	}

	fingerprint, result, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return checkout.Replay{}, false, errors.New("malformed replay entry")
	}
	return checkout.Replay{Fingerprint: string(fingerprint), Result: result}, true, nil
}

// Put caches the replay for ttl.
func (c *ReplayCache) Put(ctx context.Context, id tenant.ID, operation, keyHash string, r checkout.Replay, ttl time.Duration) error {
	value := make([]byte, 0, len(r.Fingerprint)+1+len(r.Result))
	value = append(value, r.Fingerprint...)
	value = append(value, '\n')
	value = append(value, r.Result...)

	if err := c.rdb.Set(ctx, key(id, operation, keyHash), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "set replay")
	}
	return nil
}

func key(id tenant.ID, operation, keyHash string) string {
	return fmt.Sprintf(keyReplay, id, operation, keyHash)
}
