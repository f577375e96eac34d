// Package cache holds a redis fast path in front of the notification
// uniqueness constraint. It is a pure optimisation: entries expire on their
// own, restarts lose nothing, and the database index stays authoritative.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type NotifiedCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewNotifiedCache connects to redis; an empty addr returns nil and callers
// run without the fast path.
func NewNotifiedCache(addr, password string) *NotifiedCache {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &NotifiedCache{rdb: rdb, ttl: 48 * time.Hour}
}

func key(userID int64, keyID uint, marker int, ntype string) string {
	return fmt.Sprintf("notified:%d:%d:%d:%s", userID, keyID, marker, ntype)
}

func (c *NotifiedCache) Seen(ctx context.Context, userID int64, keyID uint, marker int, ntype string) bool {
	if c == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, key(userID, keyID, marker, ntype)).Result()
	return err == nil && n > 0
}

func (c *NotifiedCache) Mark(ctx context.Context, userID int64, keyID uint, marker int, ntype string) {
	if c == nil {
		return
	}
	c.rdb.Set(ctx, key(userID, keyID, marker, ntype), "1", c.ttl)
}
