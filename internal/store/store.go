// Package store declares the persisted-pipeline collaborator. The engine
// depends only on this interface; the actual persistence layer (file,
// database, object store) is out of scope for the core.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/pipeline"
)

// Project describes one project slug as listed by the store.
type Project struct {
	Slug string
}

// Store loads and saves pipeline documents, keyed by project slug and
// pipeline name.
type Store interface {
	LoadPipeline(ctx context.Context, slug, name string) (*pipeline.Pipeline, error)
	SavePipeline(ctx context.Context, slug, name string, p *pipeline.Pipeline) error
	ListProjects(ctx context.Context) ([]Project, error)
	ListPipelines(ctx context.Context, slug string) ([]string, error)
}

type key struct{ slug, name string }

// Memory is an in-process Store, useful for tests and single-node
// deployments that don't need durability across restarts.
type Memory struct {
	mu        sync.RWMutex
	pipelines map[key]*pipeline.Pipeline
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{pipelines: make(map[key]*pipeline.Pipeline)}
}

func (m *Memory) LoadPipeline(ctx context.Context, slug, name string) (*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[key{slug, name}]
	if !ok {
		return nil, errs.NotFound("pipeline", slug+"/"+name)
	}
	clone := *p
	clone.Nodes = append([]pipeline.Node(nil), p.Nodes...)
	clone.Edges = append([]pipeline.Edge(nil), p.Edges...)
	return &clone, nil
}

func (m *Memory) SavePipeline(ctx context.Context, slug, name string, p *pipeline.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.Nodes = append([]pipeline.Node(nil), p.Nodes...)
	clone.Edges = append([]pipeline.Edge(nil), p.Edges...)
	m.pipelines[key{slug, name}] = &clone
	return nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range m.pipelines {
		seen[k.slug] = struct{}{}
	}
	out := make([]Project, 0, len(seen))
	for slug := range seen {
		out = append(out, Project{Slug: slug})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) ListPipelines(ctx context.Context, slug string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.pipelines {
		if k.slug == slug {
			out = append(out, k.name)
		}
	}
	sort.Strings(out)
	return out, nil
}
