// Package lifecycle glues storage, the publish registry, the streaming
// executor, and the dashboard hub into publish/unpublish/restore
// operations.
package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/miradorflow/core/internal/dashboard"
	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/publish"
	"github.com/miradorflow/core/internal/store"
	"github.com/miradorflow/core/internal/streaming"
	"github.com/miradorflow/core/internal/tableenv"
)

// Service implements publish, unpublish, and boot-time restore.
type Service struct {
	store    store.Store
	registry *noderegistry.Registry
	publish  *publish.Registry
	hub      *dashboard.Hub
	metrics  *metrics.Metrics
}

// New returns a Service wiring the four collaborators. m may be nil, in
// which case no metrics are recorded.
func New(st store.Store, registry *noderegistry.Registry, pr *publish.Registry, hub *dashboard.Hub, m *metrics.Metrics) *Service {
	return &Service{store: st, registry: registry, publish: pr, hub: hub, metrics: m}
}

func key(slug, name string) string { return fmt.Sprintf("%s/%s", slug, name) }

// Publish loads the named pipeline, rejects if its key is already running,
// marks it published and persists that, then constructs and starts a fresh
// streaming executor wired so every completed tick notifies the dashboard.
// Cycles are detected by the executor's Start, after the published flag has
// been persisted. If an init node or stream source fails during Start, the
// executor is not registered and that failure is returned.
func (s *Service) Publish(ctx context.Context, slug, name string) error {
	k := key(slug, name)

	if _, running := s.publish.Get(k); running {
		return errs.State("published", "publish")
	}

	p, err := s.store.LoadPipeline(ctx, slug, name)
	if err != nil {
		return err
	}

	p.Published = true
	if err := s.store.SavePipeline(ctx, slug, name, p); err != nil {
		return err
	}

	env := tableenv.New()
	executor := streaming.New(s.registry, s.metrics, k)

	var initErr error
	err = executor.Start(ctx, p, env, streaming.StartOptions{
		OnTickComplete: func(e *tableenv.Env) {
			s.hub.NotifyDataChanged(k, e.List(), nil)
		},
		OnInitError: func(nodeID string, err error) {
			initErr = err
			log.Printf("lifecycle: publish %s: init node %q failed: %v", k, nodeID, err)
		},
	})
	if err != nil {
		return err
	}
	if initErr != nil {
		return initErr
	}

	s.publish.Register(k, env, executor)
	if s.metrics != nil {
		s.metrics.PublishedPipelines.Inc()
	}
	return nil
}

// Unpublish unregisters the running entry (if any), stops its executor,
// then marks the pipeline unpublished and persists that.
func (s *Service) Unpublish(ctx context.Context, slug, name string) error {
	k := key(slug, name)

	if entry, ok := s.publish.Unregister(k); ok {
		entry.Executor.Stop()
		if s.metrics != nil {
			s.metrics.PublishedPipelines.Dec()
		}
	}

	p, err := s.store.LoadPipeline(ctx, slug, name)
	if err != nil {
		return err
	}
	p.Published = false
	return s.store.SavePipeline(ctx, slug, name, p)
}

// RestoreAll attempts to publish every pipeline marked published=true
// across every project. Per-pipeline failures are logged and do not abort
// the remaining restores.
func (s *Service) RestoreAll(ctx context.Context) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		log.Printf("lifecycle: restore: list projects failed: %v", err)
		return
	}

	for _, proj := range projects {
		names, err := s.store.ListPipelines(ctx, proj.Slug)
		if err != nil {
			log.Printf("lifecycle: restore: list pipelines for %q failed: %v", proj.Slug, err)
			continue
		}

		for _, name := range names {
			p, err := s.store.LoadPipeline(ctx, proj.Slug, name)
			if err != nil {
				log.Printf("lifecycle: restore: load %s/%s failed: %v", proj.Slug, name, err)
				continue
			}
			if !p.Published {
				continue
			}
			if err := s.Publish(ctx, proj.Slug, name); err != nil {
				log.Printf("lifecycle: restore: publish %s/%s failed: %v", proj.Slug, name, err)
			}
		}
	}
}
