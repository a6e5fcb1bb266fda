package store

import (
	"context"
	"time"

	"github.com/miradorflow/core/internal/cache"
	"github.com/miradorflow/core/internal/pipeline"
)

// Cached decorates a Store with a short-lived read-through cache for
// LoadPipeline, backed by Redis. Writes invalidate the cached entry rather
// than updating it, so a save is always followed by a fresh load.
type Cached struct {
	inner Store
	cache *cache.Cache
	ttl   time.Duration
}

// NewCached wraps inner with a Redis-backed read-through cache.
func NewCached(inner Store, c *cache.Cache, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: c, ttl: ttl}
}

func (c *Cached) LoadPipeline(ctx context.Context, slug, name string) (*pipeline.Pipeline, error) {
	key := cache.PipelineKey(slug, name)

	// A miss, a corrupt entry, or the cache being unreachable all fall
	// through to the store rather than fail the read.
	var p pipeline.Pipeline
	if err := c.cache.GetJSON(ctx, key, &p); err == nil {
		return &p, nil
	}

	loaded, err := c.inner.LoadPipeline(ctx, slug, name)
	if err != nil {
		return nil, err
	}
	_ = c.cache.SetJSON(ctx, key, loaded, c.ttl)
	return loaded, nil
}

func (c *Cached) SavePipeline(ctx context.Context, slug, name string, p *pipeline.Pipeline) error {
	if err := c.inner.SavePipeline(ctx, slug, name, p); err != nil {
		return err
	}
	_ = c.cache.Delete(ctx, cache.PipelineKey(slug, name))
	return nil
}

func (c *Cached) ListProjects(ctx context.Context) ([]Project, error) {
	return c.inner.ListProjects(ctx)
}

func (c *Cached) ListPipelines(ctx context.Context, slug string) ([]string, error) {
	return c.inner.ListPipelines(ctx, slug)
}
