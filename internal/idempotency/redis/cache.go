// Package redis fronts an idempotency store with a Redis marker so repeated
// deliveries of a settled key skip the conflicting insert.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
)

const (
	DefaultTTL    = 72 * time.Hour
	DefaultPrefix = "idem:"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

func NewClient(opts Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Cache decorates a durable Store. Redis is never the source of truth: any
// Redis failure falls through to the wrapped store.
type Cache struct {
	idem.Store
	client goredis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCache(store idem.Store, client goredis.UniversalClient, opts Options, logger *slog.Logger) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{
		Store:  store,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

var _ idem.Store = (*Cache)(nil)

func (c *Cache) TryClaim(ctx context.Context, key idem.Key, payload []byte, notBefore time.Time) (idem.ClaimResult, *idempotency.Record, error) {
	seen, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		c.logger.Warn("idempotency cache lookup failed", "key", key.String(), "error", err)
	}
	if err == nil && seen > 0 {
		rec, err := c.Store.Get(ctx, key)
		if err == nil {
			return idem.AlreadyClaimed, rec, nil
		}
		if !errors.Is(err, idem.ErrNotFound) {
			return "", nil, err
		}
		// Stale marker: the durable store decides.
	}

	res, rec, err := c.Store.TryClaim(ctx, key, payload, notBefore)
	if err != nil {
		return "", nil, err
	}
	c.remember(ctx, key, rec.State)
	return res, rec, nil
}

// Remember marks key as settled after the surrounding transaction committed.
func (c *Cache) Remember(ctx context.Context, key idem.Key, state idempotency.State) {
	c.remember(ctx, key, state)
}

func (c *Cache) remember(ctx context.Context, key idem.Key, state idempotency.State) {
	if err := c.client.Set(ctx, c.key(key), string(state), c.ttl).Err(); err != nil {
		c.logger.Warn("idempotency cache write failed", "key", key.String(), "error", err)
	}
}

func (c *Cache) key(k idem.Key) string {
	return c.prefix + k.String()
}
