package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OpenNSW/caseflow/internal/logging"
)

// Redis is a cache shared between service instances. Values are stored as JSON under prefix.
// Redis failures degrade to cache misses.
type Redis[V any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis-backed cache. Keys are namespaced as "<prefix>:<key>"; a trailing
// colon on prefix is ignored.
func NewRedis[V any](client redis.UniversalClient, prefix string, ttl time.Duration) *Redis[V] {
	prefix = strings.TrimRight(prefix, ":")
	return &Redis[V]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logging.WithModule("cache").With("backend", "redis", "prefix", prefix),
	}
}

func (c *Redis[V]) key(k string) string {
	return c.prefix + ":" + k
}

func (c *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var value V

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		return value, false
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		c.logger.WarnContext(ctx, "cache entry is corrupt", "key", key, "error", err)
		return value, false
	}
	return value, true
}

func (c *Redis[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "cache entry not serializable", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

func (c *Redis[V]) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache delete failed", "key", key, "error", err)
	}
}

// Purge removes every key under the prefix.
func (c *Redis[V]) Purge(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.WarnContext(ctx, "cache purge failed", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.WarnContext(ctx, "cache purge scan failed", "error", err)
	}
}
