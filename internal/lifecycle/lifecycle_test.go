package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorflow/core/internal/dashboard"
	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/publish"
	"github.com/miradorflow/core/internal/store"
	"github.com/miradorflow/core/internal/tableenv"
)

type noopNode struct{}

func (noopNode) Meta() node.TypeDescriptor {
	return node.TypeDescriptor{ID: "noop", Category: node.CategoryGeneric}
}

func (noopNode) Execute(ctx context.Context, inputs node.Output, config map[string]interface{}, env *tableenv.Env) (node.Output, error) {
	return node.Output{}, nil
}

func newService() (*Service, store.Store) {
	registry := noderegistry.New()
	registry.Register(node.TypeDescriptor{ID: "noop", Category: node.CategoryGeneric}, func(id string) node.Processing {
		return noopNode{}
	})
	st := store.NewMemory()
	pr := publish.New()
	hub := dashboard.NewHub(pr, nil)
	return New(st, registry, pr, hub, nil), st
}

func samplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{Nodes: []pipeline.Node{{ID: "n", Type: "noop"}}}
}

func TestPublish_RegistersAndPersists(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	require.NoError(t, st.SavePipeline(ctx, "p", "q", samplePipeline()))

	require.NoError(t, svc.Publish(ctx, "p", "q"))

	_, running := svc.publish.Get("p/q")
	assert.True(t, running)

	saved, err := st.LoadPipeline(ctx, "p", "q")
	require.NoError(t, err)
	assert.True(t, saved.Published)
}

func TestPublish_DuplicateFailsWithStateError(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	require.NoError(t, st.SavePipeline(ctx, "p", "q", samplePipeline()))
	require.NoError(t, svc.Publish(ctx, "p", "q"))

	err := svc.Publish(ctx, "p", "q")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrState))
	assert.Len(t, svc.publish.ListRunning(), 1)
}

func TestPublishUnpublishPublish_Succeeds(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	require.NoError(t, st.SavePipeline(ctx, "p", "q", samplePipeline()))

	require.NoError(t, svc.Publish(ctx, "p", "q"))
	require.NoError(t, svc.Unpublish(ctx, "p", "q"))
	require.NoError(t, svc.Publish(ctx, "p", "q"))

	assert.Len(t, svc.publish.ListRunning(), 1)
}

func TestUnpublish_MarksPersistedFalse(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	require.NoError(t, st.SavePipeline(ctx, "p", "q", samplePipeline()))
	require.NoError(t, svc.Publish(ctx, "p", "q"))

	require.NoError(t, svc.Unpublish(ctx, "p", "q"))

	saved, err := st.LoadPipeline(ctx, "p", "q")
	require.NoError(t, err)
	assert.False(t, saved.Published)

	_, running := svc.publish.Get("p/q")
	assert.False(t, running)
}

func TestRestoreAll_RepublishesMarkedPipelines(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	p := samplePipeline()
	p.Published = true
	require.NoError(t, st.SavePipeline(ctx, "p", "published", p))
	require.NoError(t, st.SavePipeline(ctx, "p", "unpublished", samplePipeline()))

	svc.RestoreAll(ctx)

	_, running := svc.publish.Get("p/published")
	assert.True(t, running)
	_, running = svc.publish.Get("p/unpublished")
	assert.False(t, running)
}
