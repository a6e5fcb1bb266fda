// Package batch implements the one-shot PipelineExecutor: a single
// topological pass over a DAG with progress callbacks and optional partial
// re-execution from a given node, keyed by session id.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/tracing"
)

// RunOptions configures one Run call.
type RunOptions struct {
	OnNodeStart func(nodeID string)
	OnNodeDone  func(nodeID string, output node.Output)
	OnNodeError func(nodeID string, err error)

	// SessionID scopes the partial-rerun cache. Empty means no caching.
	SessionID string
	// StartFrom, if set, causes every node that is neither StartFrom nor a
	// descendant of it to reuse its cached output from a prior run in the
	// same session instead of re-executing.
	StartFrom string
}

// Executor runs pipelines to completion, once per Run call. It is safe for
// concurrent use by multiple callers; the per-session output cache is the
// only shared mutable state.
type Executor struct {
	registry *noderegistry.Registry
	metrics  *metrics.Metrics

	mu    sync.Mutex
	cache map[string]map[string]node.Output // sessionID -> nodeID -> output
}

// New returns an Executor that resolves node types through registry. m may
// be nil, in which case no metrics are recorded.
func New(registry *noderegistry.Registry, m *metrics.Metrics) *Executor {
	return &Executor{
		registry: registry,
		metrics:  m,
		cache:    make(map[string]map[string]node.Output),
	}
}

// ForgetSession discards the cached outputs for a session id. The cache has
// no automatic eviction; callers that use SessionID are responsible for
// calling this when a session ends.
func (e *Executor) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, sessionID)
}

func (e *Executor) cached(sessionID, nodeID string) (node.Output, bool) {
	if sessionID == "" {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.cache[sessionID]
	if !ok {
		return nil, false
	}
	out, ok := session[nodeID]
	return out, ok
}

func (e *Executor) store(sessionID, nodeID string, out node.Output) {
	if sessionID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.cache[sessionID]
	if !ok {
		session = make(map[string]node.Output)
		e.cache[sessionID] = session
	}
	session[nodeID] = out
}

// Run executes pipeline p to completion and returns every node's output,
// keyed by node id. Execution aborts on the first node failure.
func (e *Executor) Run(ctx context.Context, p *pipeline.Pipeline, opts RunOptions) (outputs map[string]node.Output, err error) {
	ctx, span := tracing.StartSpan(ctx, "batch.run", attribute.Int("node_count", len(p.Nodes)))
	start := time.Now()
	defer func() {
		tracing.EndSpan(span, err)
		if e.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			e.metrics.BatchRunsTotal.WithLabelValues(outcome).Inc()
			e.metrics.BatchRunDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(p.Nodes))
	nodeByID := make(map[string]pipeline.Node, len(p.Nodes))
	for _, n := range p.Nodes {
		desc, err := e.registry.Descriptor(n.Type)
		if err != nil {
			return nil, err
		}
		if desc.Category == node.CategoryStreamSource {
			return nil, errs.Config(fmt.Sprintf("batch run cannot include stream-source node %q", n.ID))
		}
		ids = append(ids, n.ID)
		nodeByID[n.ID] = n
	}

	order, err := pipeline.TopoSort("batch", ids, p.Edges)
	if err != nil {
		return nil, err
	}
	upstream := pipeline.UpstreamSets(ids, p.Edges)

	var descendants map[string]struct{}
	if opts.StartFrom != "" {
		descendants = downstreamClosure(opts.StartFrom, order, p.Edges)
	}

	outputs = make(map[string]node.Output, len(order))
	for _, id := range order {
		if opts.StartFrom != "" && id != opts.StartFrom {
			if _, isDescendant := descendants[id]; !isDescendant {
				if cached, ok := e.cached(opts.SessionID, id); ok {
					outputs[id] = cached
					continue
				}
			}
		}

		inputs := mergeUpstream(order, upstream[id], outputs)

		if opts.OnNodeStart != nil {
			opts.OnNodeStart(id)
		}

		n := nodeByID[id]
		inst, err := e.registry.New(n.Type, id)
		if err != nil {
			return nil, err
		}

		nodeStart := time.Now()
		out, err := inst.Execute(ctx, inputs, n.Config, nil)
		if e.metrics != nil {
			e.metrics.NodeDuration.WithLabelValues(n.Type).Observe(time.Since(nodeStart).Seconds())
		}
		if err != nil {
			wrapped := errs.Node(id, err)
			if e.metrics != nil {
				e.metrics.NodeErrors.WithLabelValues(n.Type).Inc()
			}
			if opts.OnNodeError != nil {
				opts.OnNodeError(id, wrapped)
			}
			return nil, wrapped
		}
		if e.metrics != nil {
			e.metrics.NodesExecutedTotal.WithLabelValues(n.Type).Inc()
		}

		outputs[id] = out
		e.store(opts.SessionID, id, out)
		if opts.OnNodeDone != nil {
			opts.OnNodeDone(id, out.Scalars())
		}
	}

	return outputs, nil
}

// mergeUpstream composes a node's inputs by layering its direct upstream
// outputs in global topo order, so a later upstream producer's keys win on
// conflict.
func mergeUpstream(order []string, ups map[string]struct{}, outputs map[string]node.Output) node.Output {
	merged := node.Output{}
	for _, id := range order {
		if _, ok := ups[id]; !ok {
			continue
		}
		merged = node.Merge(merged, outputs[id])
	}
	return merged
}

// downstreamClosure returns the set of node ids reachable from start via
// directed edges, not including start itself.
func downstreamClosure(start string, order []string, edges []pipeline.Edge) map[string]struct{} {
	inOrder := make(map[string]struct{}, len(order))
	for _, id := range order {
		inOrder[id] = struct{}{}
	}

	adjacency := make(map[string][]string)
	for _, e := range edges {
		if _, ok := inOrder[e.Source]; !ok {
			continue
		}
		if _, ok := inOrder[e.Target]; !ok {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	visited := make(map[string]struct{})
	queue := append([]string(nil), adjacency[start]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		queue = append(queue, adjacency[n]...)
	}
	return visited
}
