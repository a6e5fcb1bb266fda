// Package streaming implements the StreamingExecutor: a one-shot init pass
// followed by a long-running reactive subgraph driven by stream sources,
// with every tick serialized by a single mutex.
package streaming

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/tableenv"
	"github.com/miradorflow/core/internal/tracing"
)

// StartOptions configures one Start call.
type StartOptions struct {
	OnTickComplete func(env *tableenv.Env)
	OnInitError    func(nodeID string, err error)
}

// Executor drives one pipeline's reactive subgraph. Not reusable across
// pipelines; construct one per published pipeline.
type Executor struct {
	registry    *noderegistry.Registry
	metrics     *metrics.Metrics
	pipelineKey string

	stateMu sync.Mutex
	running bool
	sources []node.StreamSource

	// tickMu serializes every tick handler end to end, across all sources
	// of this pipeline.
	tickMu sync.Mutex

	env            *tableenv.Env
	onTickComplete func(env *tableenv.Env)

	chainOrder      []string
	chainUpstream   map[string]map[string]struct{}
	sourceReachable map[string]map[string]struct{}
	sourceDirect    map[string]map[string]struct{}
	instances       map[string]node.Processing
	configs         map[string]map[string]interface{}
	nodeTypes       map[string]string
}

// New returns a stopped Executor that resolves node types through registry,
// labeling its metrics (if m is non-nil) under pipelineKey.
func New(registry *noderegistry.Registry, m *metrics.Metrics, pipelineKey string) *Executor {
	return &Executor{registry: registry, metrics: m, pipelineKey: pipelineKey}
}

// IsRunning reports whether the executor is between a successful Start and
// the next Stop.
func (ex *Executor) IsRunning() bool {
	ex.stateMu.Lock()
	defer ex.stateMu.Unlock()
	return ex.running
}

// Start transitions the executor from stopped to running: it runs the init
// subgraph synchronously, prepares the processing subgraph, and subscribes
// every stream source. A nil return with opts.OnInitError having fired
// means startup aborted cleanly. A non-nil return is a StateError if the
// executor is already running, or a ConfigError or CycleError found while
// preparing the graph; the processing subgraph is checked only after the
// init nodes have run, so its errors can follow init-phase env writes.
func (ex *Executor) Start(ctx context.Context, p *pipeline.Pipeline, env *tableenv.Env, opts StartOptions) error {
	ex.stateMu.Lock()
	if ex.running {
		ex.stateMu.Unlock()
		return errs.State("running", "start")
	}
	ex.running = true
	ex.stateMu.Unlock()

	if err := p.Validate(); err != nil {
		ex.setStopped()
		return err
	}

	var initIDs, sourceIDs, processingIDs []string
	nodeByID := make(map[string]pipeline.Node, len(p.Nodes))
	for _, n := range p.Nodes {
		desc, err := ex.registry.Descriptor(n.Type)
		if err != nil {
			ex.setStopped()
			return err
		}
		nodeByID[n.ID] = n
		switch desc.Category {
		case node.CategoryInit:
			initIDs = append(initIDs, n.ID)
		case node.CategoryStreamSource:
			sourceIDs = append(sourceIDs, n.ID)
		default:
			processingIDs = append(processingIDs, n.ID)
		}
	}

	if len(initIDs) > 0 {
		initOrder, err := pipeline.TopoSort("init", initIDs, p.Edges)
		if err != nil {
			ex.setStopped()
			return err
		}
		initUpstream := pipeline.UpstreamSets(initIDs, p.Edges)
		initOutputs := make(map[string]node.Output, len(initOrder))
		for _, id := range initOrder {
			n := nodeByID[id]
			inst, err := ex.registry.New(n.Type, id)
			if err != nil {
				ex.setStopped()
				return err
			}
			inputs := mergeUpstream(initOrder, initUpstream[id], initOutputs)
			out, err := inst.Execute(ctx, inputs, n.Config, env)
			if err != nil {
				wrapped := errs.Init(id, err)
				if opts.OnInitError != nil {
					opts.OnInitError(id, wrapped)
				}
				ex.setStopped()
				return nil
			}
			initOutputs[id] = out
		}
	}

	chainOrder, err := pipeline.TopoSort("processing", processingIDs, p.Edges)
	if err != nil {
		ex.setStopped()
		return err
	}
	chainUpstream := pipeline.UpstreamSets(processingIDs, p.Edges)

	instances := make(map[string]node.Processing, len(chainOrder))
	configs := make(map[string]map[string]interface{}, len(chainOrder))
	nodeTypes := make(map[string]string, len(chainOrder))
	for _, id := range chainOrder {
		n := nodeByID[id]
		inst, err := ex.registry.New(n.Type, id)
		if err != nil {
			ex.setStopped()
			return err
		}
		instances[id] = inst
		configs[id] = n.Config
		nodeTypes[id] = n.Type
	}

	processingSet := make(map[string]struct{}, len(processingIDs))
	for _, id := range processingIDs {
		processingSet[id] = struct{}{}
	}

	processingDownstream := make(map[string][]string)
	for _, edge := range p.Edges {
		if _, ok := processingSet[edge.Source]; !ok {
			continue
		}
		if _, ok := processingSet[edge.Target]; !ok {
			continue
		}
		processingDownstream[edge.Source] = append(processingDownstream[edge.Source], edge.Target)
	}

	sourceDirect := make(map[string]map[string]struct{}, len(sourceIDs))
	for _, sid := range sourceIDs {
		direct := make(map[string]struct{})
		for _, edge := range p.Edges {
			if edge.Source != sid {
				continue
			}
			if _, ok := processingSet[edge.Target]; ok {
				direct[edge.Target] = struct{}{}
			}
		}
		sourceDirect[sid] = direct
	}

	sourceReachable := make(map[string]map[string]struct{}, len(sourceIDs))
	for _, sid := range sourceIDs {
		reachable := make(map[string]struct{})
		queue := make([]string, 0, len(sourceDirect[sid]))
		for id := range sourceDirect[sid] {
			queue = append(queue, id)
		}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if _, ok := reachable[n]; ok {
				continue
			}
			reachable[n] = struct{}{}
			queue = append(queue, processingDownstream[n]...)
		}
		sourceReachable[sid] = reachable
	}

	ex.env = env
	ex.onTickComplete = opts.OnTickComplete
	ex.chainOrder = chainOrder
	ex.chainUpstream = chainUpstream
	ex.sourceReachable = sourceReachable
	ex.sourceDirect = sourceDirect
	ex.instances = instances
	ex.configs = configs
	ex.nodeTypes = nodeTypes
	ex.sources = nil

	for _, sid := range sourceIDs {
		n := nodeByID[sid]
		inst, err := ex.registry.New(n.Type, sid)
		if err != nil {
			ex.setStopped()
			return err
		}
		src, ok := inst.(node.StreamSource)
		if !ok {
			ex.setStopped()
			return errs.Config(fmt.Sprintf("node %q is not a stream source", sid))
		}

		if err := src.Setup(n.Config); err != nil {
			wrapped := errs.Source(sid, err)
			if opts.OnInitError != nil {
				opts.OnInitError(sid, wrapped)
			}
			ex.setStopped()
			return nil
		}

		sourceID := sid
		if err := src.Subscribe(func(data node.Output) { ex.onMessage(sourceID, data) }); err != nil {
			wrapped := errs.Source(sid, err)
			if opts.OnInitError != nil {
				opts.OnInitError(sid, wrapped)
			}
			ex.setStopped()
			return nil
		}

		ex.sources = append(ex.sources, src)
	}

	return nil
}

func (ex *Executor) setStopped() {
	ex.stateMu.Lock()
	ex.running = false
	ex.stateMu.Unlock()
}

// onMessage is the per-source tick handler. It may be called concurrently
// from multiple source goroutines; tickMu serializes the body end to end.
func (ex *Executor) onMessage(sourceID string, data node.Output) {
	if !ex.IsRunning() {
		return
	}

	_, span := tracing.StartSpan(context.Background(), "streaming.tick", attribute.String("source_id", sourceID))
	defer span.End()

	tickStart := time.Now()
	if ex.metrics != nil {
		ex.metrics.TicksTotal.WithLabelValues(ex.pipelineKey).Inc()
	}

	tickOK := true
	func() {
		ex.tickMu.Lock()
		defer ex.tickMu.Unlock()

		outputs := map[string]node.Output{sourceID: data}
		reachable := ex.sourceReachable[sourceID]
		direct := ex.sourceDirect[sourceID]

		for _, id := range ex.chainOrder {
			if _, ok := reachable[id]; !ok {
				continue
			}
			inputs := mergeUpstream(ex.chainOrder, ex.chainUpstream[id], outputs)
			if _, ok := direct[id]; ok {
				inputs = node.Merge(inputs, data)
			}

			inst := ex.instances[id]
			nodeType := ex.nodeTypes[id]
			nodeStart := time.Now()
			out, err := inst.Execute(context.Background(), inputs, ex.configs[id], ex.env)
			if ex.metrics != nil {
				ex.metrics.NodeDuration.WithLabelValues(nodeType).Observe(time.Since(nodeStart).Seconds())
			}
			if err != nil {
				log.Printf("streaming: tick aborted, node %q failed: %v", id, err)
				span.RecordError(err)
				if ex.metrics != nil {
					ex.metrics.NodeErrors.WithLabelValues(nodeType).Inc()
				}
				tickOK = false
				return
			}
			if ex.metrics != nil {
				ex.metrics.NodesExecutedTotal.WithLabelValues(nodeType).Inc()
			}
			outputs[id] = out
		}
	}()

	if ex.metrics != nil {
		ex.metrics.TickDuration.WithLabelValues(ex.pipelineKey).Observe(time.Since(tickStart).Seconds())
		if !tickOK {
			ex.metrics.TickErrors.WithLabelValues(ex.pipelineKey).Inc()
		}
	}

	if tickOK && ex.onTickComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("streaming: on_tick_complete panicked: %v", r)
				}
			}()
			ex.onTickComplete(ex.env)
		}()
	}
}

// Stop transitions to stopped, unsubscribing every source. Idempotent and
// safe to call from any goroutine. Does not wait for an in-flight tick.
func (ex *Executor) Stop() {
	ex.stateMu.Lock()
	if !ex.running {
		ex.stateMu.Unlock()
		return
	}
	ex.running = false
	sources := ex.sources
	ex.sources = nil
	ex.stateMu.Unlock()

	for _, src := range sources {
		if err := src.Unsubscribe(); err != nil {
			log.Printf("streaming: unsubscribe failed: %v", err)
		}
	}
}

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
