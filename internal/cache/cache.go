// Package cache wraps a Redis client for short-lived caching of loaded
// pipeline documents (see store.Cached), to take repeated load off the
// storage collaborator. It also builds dashboard page keys, but no
// component caches dashboard pages.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client.
type Cache struct {
	client *redis.Client
}

// New connects to addr/db and verifies the connection with a Ping before
// returning.
func New(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{client: client}, nil
}

// SetJSON marshals value and stores it under key with the given expiration.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// GetJSON retrieves and unmarshals the value stored under key into dest.
// Returns redis.Nil (wrapped by the caller via errors.Is) on a cache miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete invalidates key. A miss is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// PipelineKey builds the cache key for a pipeline document.
func PipelineKey(slug, name string) string {
	return "pipeline:" + slug + "/" + name
}

// DashboardPageKey builds the cache key for one rendered dashboard page.
func DashboardPageKey(pipelineKey, table string, page, pageSize int) string {
	return "dashboard:" + pipelineKey + ":" + table + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(pageSize)
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
