package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// ReadCache implements domain.ReadCache with JSON strings under
// "cache:{key}".
type ReadCache struct {
	c *Client
}

// NewReadCache creates a ReadCache backed by the given Client.
func NewReadCache(c *Client) *ReadCache {
	return &ReadCache{c: c}
}

// Get decodes the cached value into dst. A miss is domain.ErrNotFound.
func (rc *ReadCache) Get(ctx context.Context, key string, dst any) error {
	data, err := rc.c.rdb.Get(ctx, rc.c.key("cache:", key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("redis: cache decode %s: %w", key, err)
	}
	return nil
}

// Set stores value as JSON with the given TTL.
func (rc *ReadCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis: cache encode %s: %w", key, err)
	}
	if err := rc.c.rdb.Set(ctx, rc.c.key("cache:", key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: cache set %s: %w", key, err)
	}
	return nil
}

var _ domain.ReadCache = (*ReadCache)(nil)
