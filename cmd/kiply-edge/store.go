package main

import (
	"context"
	"fmt"

	"github.com/kiply/asset-cache/cache"
	"github.com/kiply/asset-cache/config"

	"github.com/redis/go-redis/v9"
)

// openStorage builds the cache store named in c.
// The returned function releases it.
func openStorage(ctx context.Context, c config.Store) (cache.Storage, func() error, error) {
	switch c.Kind {
	case config.StoreMemory:
		return cache.NewMemStore(), func() error { return nil }, nil
	case config.StoreSQLite:
		filename := c.Path
		if filename == "memory" {
			filename = ""
		}
		store, err := cache.NewSQLiteStore(filename)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return cache.NewRedisStore(client, c.RedisPrefix), client.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownStore, c.Kind)
}
