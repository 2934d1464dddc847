// Package listing serves the active marketplace listing from Redis and
// keeps that cache in step with marketplace events.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/redisx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Source is where a cache miss is filled from.
type Source interface {
	ListActiveItems(ctx context.Context) ([]marketplace.ListedItem, error)
}

// Cache is a read-through Redis cache of the active listing. Concurrent
// misses share one store query. Redis failures degrade to the source.
type Cache struct {
	Redis  *redis.Client
	Source Source
	TTL    time.Duration
	Log    *slog.Logger

	group singleflight.Group
}

func (c *Cache) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// ListActiveItems serves the listing cached for the current generation.
// A fill is stored under the generation read before the store query, so a
// fill that races an Invalidate lands under a key no reader uses.
func (c *Cache) ListActiveItems(ctx context.Context) ([]marketplace.ListedItem, error) {
	gen, err := c.Redis.Get(ctx, redisx.KeyListingGen).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log().Warn("listing cache generation read failed", "error", err)
		return c.Source.ListActiveItems(ctx)
	}
	key := fmt.Sprintf(redisx.KeyActiveItems, gen)

	b, err := c.Redis.Get(ctx, key).Bytes()
	if err == nil {
		var items []marketplace.ListedItem
		uerr := json.Unmarshal(b, &items)
		if uerr == nil {
			return items, nil
		}
		c.log().Warn("discarding undecodable listing cache", "error", uerr)
	} else if !errors.Is(err, redis.Nil) {
		c.log().Warn("listing cache read failed", "error", err)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		items, err := c.Source.ListActiveItems(ctx)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(items); err == nil {
			if err := c.Redis.Set(ctx, key, b, c.TTL).Err(); err != nil {
				c.log().Warn("listing cache write failed", "error", err)
			}
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]marketplace.ListedItem), nil
}

// Invalidate moves readers to a new generation; the next read refills it.
// Entries of older generations expire with their TTL.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.Redis.Incr(ctx, redisx.KeyListingGen).Err()
}
