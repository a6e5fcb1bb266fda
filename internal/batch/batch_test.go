package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/tableenv"
)

// funcNode wraps a plain function as a Processing node, mirroring the
// lightweight test-double style used for DAG engine tests elsewhere in the
// ecosystem.
type funcNode struct {
	category node.Category
	fn       func(inputs node.Output) (node.Output, error)
}

func (n *funcNode) Meta() node.TypeDescriptor {
	return node.TypeDescriptor{ID: "func", Category: n.category}
}

func (n *funcNode) Execute(ctx context.Context, inputs node.Output, config map[string]interface{}, env *tableenv.Env) (node.Output, error) {
	return n.fn(inputs)
}

func registerFunc(r *noderegistry.Registry, typeID string, category node.Category, fn func(node.Output) (node.Output, error)) {
	r.Register(node.TypeDescriptor{ID: typeID, Category: category}, func(id string) node.Processing {
		return &funcNode{category: category, fn: fn}
	})
}

func TestRun_TopoOrderAndMerge(t *testing.T) {
	r := noderegistry.New()
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		return node.Output{"x": 1}, nil
	})
	registerFunc(r, "b", node.CategoryGeneric, func(in node.Output) (node.Output, error) {
		assert.Equal(t, 1, in["x"])
		return node.Output{"y": 2}, nil
	})
	registerFunc(r, "c", node.CategoryGeneric, func(in node.Output) (node.Output, error) {
		assert.Equal(t, 1, in["x"])
		return node.Output{"z": 3}, nil
	})

	p := &pipeline.Pipeline{
		Nodes: []pipeline.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "b"}, {ID: "c", Type: "c"}},
		Edges: []pipeline.Edge{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}},
	}

	exec := New(r, nil)
	results, err := exec.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, node.Output{"x": 1}, results["a"])
	assert.Equal(t, node.Output{"y": 2}, results["b"])
	assert.Equal(t, node.Output{"z": 3}, results["c"])
}

func TestRun_ErrorAbortsAndReportsNodeError(t *testing.T) {
	r := noderegistry.New()
	boom := errors.New("boom")
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		return nil, boom
	})
	registerFunc(r, "b", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		t.Fatal("b must not run after a fails")
		return nil, nil
	})

	p := &pipeline.Pipeline{
		Nodes: []pipeline.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "b"}},
		Edges: []pipeline.Edge{{Source: "a", Target: "b"}},
	}

	var errored string
	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{
		OnNodeError: func(nodeID string, err error) { errored = nodeID },
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrNode))
	assert.Equal(t, "a", errored)
}

func TestRun_RejectsStreamSourceNode(t *testing.T) {
	r := noderegistry.New()
	registerFunc(r, "src", node.CategoryStreamSource, func(node.Output) (node.Output, error) {
		return nil, nil
	})

	p := &pipeline.Pipeline{Nodes: []pipeline.Node{{ID: "src", Type: "src"}}}

	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrConfig))
}

func TestRun_Callbacks(t *testing.T) {
	r := noderegistry.New()
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		return node.Output{"x": 1}, nil
	})

	p := &pipeline.Pipeline{Nodes: []pipeline.Node{{ID: "a", Type: "a"}}}

	var started, done []string
	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{
		OnNodeStart: func(id string) { started = append(started, id) },
		OnNodeDone:  func(id string, out node.Output) { done = append(done, id) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, started)
	assert.Equal(t, []string{"a"}, done)
}

func TestRun_CycleDetection(t *testing.T) {
	r := noderegistry.New()
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) { return nil, nil })

	p := &pipeline.Pipeline{
		Nodes: []pipeline.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "a"}},
		Edges: []pipeline.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}

	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrCycle))
}

func TestRun_StartFromReusesCachedOutputs(t *testing.T) {
	r := noderegistry.New()
	aCalls, bCalls := 0, 0
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		aCalls++
		return node.Output{"x": aCalls}, nil
	})
	registerFunc(r, "b", node.CategoryGeneric, func(in node.Output) (node.Output, error) {
		bCalls++
		return node.Output{"y": in["x"]}, nil
	})

	p := &pipeline.Pipeline{
		Nodes: []pipeline.Node{{ID: "a", Type: "a"}, {ID: "b", Type: "b"}},
		Edges: []pipeline.Edge{{Source: "a", Target: "b"}},
	}

	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, aCalls)

	// Re-run starting from "b": "a" should reuse its cached output, not
	// re-execute.
	results, err := exec.Run(context.Background(), p, RunOptions{SessionID: "s1", StartFrom: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, aCalls, "a must not re-execute")
	assert.Equal(t, 2, bCalls)
	assert.Equal(t, node.Output{"y": 1}, results["b"])
}

func TestForgetSession_ClearsCache(t *testing.T) {
	r := noderegistry.New()
	calls := 0
	registerFunc(r, "a", node.CategoryGeneric, func(node.Output) (node.Output, error) {
		calls++
		return node.Output{"x": calls}, nil
	})
	p := &pipeline.Pipeline{Nodes: []pipeline.Node{{ID: "a", Type: "a"}}}

	exec := New(r, nil)
	_, err := exec.Run(context.Background(), p, RunOptions{SessionID: "s1"})
	require.NoError(t, err)
	exec.ForgetSession("s1")

	_, err = exec.Run(context.Background(), p, RunOptions{SessionID: "s1", StartFrom: "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "forgotten session must not serve stale cache")
}
