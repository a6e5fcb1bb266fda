// Package pipeline defines the DAG data model: nodes, edges, and the
// pipeline document loaded from and saved to storage.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/miradorflow/core/internal/errs"
)

// Node is one vertex of a pipeline graph. Type resolves through the node
// registry to a node-type descriptor and a concrete Processing instance.
type Node struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// Edge is a directed arc between two node ids present in the same pipeline.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Pipeline is the persisted document: nodes, edges, and whether it is
// currently published (running as a streaming pipeline).
type Pipeline struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Published bool   `json:"published"`
}

// NodeByID returns the node with the given id, if present.
func (p *Pipeline) NodeByID(id string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks structural invariants: unique node ids, edge endpoints
// referring to existing nodes, and no self-loops. It does not check for
// cycles — that is the topo-sort's job, scoped to whatever subgraph is
// about to execute.
func (p *Pipeline) Validate() error {
	seen := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return errs.Config("node id must not be empty")
		}
		if _, dup := seen[n.ID]; dup {
			return errs.Config(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range p.Edges {
		if e.Source == e.Target {
			return errs.Config(fmt.Sprintf("self-loop on node %q", e.Source))
		}
		if _, ok := seen[e.Source]; !ok {
			return errs.Config(fmt.Sprintf("edge references unknown source node %q", e.Source))
		}
		if _, ok := seen[e.Target]; !ok {
			return errs.Config(fmt.Sprintf("edge references unknown target node %q", e.Target))
		}
	}
	return nil
}

// TopoSort returns a deterministic topological order of the given node id
// subset, restricted to edges whose endpoints both lie in that subset.
// Ties are broken lexicographically by node id. Returns a CycleError
// (scoped to subgraph) if the subset is not acyclic.
func TopoSort(subgraph string, ids []string, edges []Edge) ([]string, error) {
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}

	downstream := make(map[string][]string, len(ids))
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := inSet[e.Source]; !ok {
			continue
		}
		if _, ok := inSet[e.Target]; !ok {
			continue
		}
		downstream[e.Source] = append(downstream[e.Source], e.Target)
		inDegree[e.Target]++
	}

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := append([]string(nil), downstream[n]...)
		sort.Strings(next)
		for _, m := range next {
			inDegree[m]--
			if inDegree[m] == 0 {
				ready = append(ready, m)
			}
		}
	}

	if len(order) != len(ids) {
		remaining := make([]string, 0, len(ids)-len(order))
		done := make(map[string]struct{}, len(order))
		for _, id := range order {
			done[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := done[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, errs.Cycle(subgraph, remaining)
	}

	return order, nil
}

// UpstreamSets returns, for each node in ids, the set of its direct
// predecessor ids restricted to the given subset and edges between them.
// Callers merge upstream outputs by walking the global topo order and
// testing membership here, which yields topo-ordered merge for free.
func UpstreamSets(ids []string, edges []Edge) map[string]map[string]struct{} {
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}
	up := make(map[string]map[string]struct{}, len(ids))
	for _, e := range edges {
		if _, ok := inSet[e.Source]; !ok {
			continue
		}
		if _, ok := inSet[e.Target]; !ok {
			continue
		}
		if up[e.Target] == nil {
			up[e.Target] = make(map[string]struct{})
		}
		up[e.Target][e.Source] = struct{}{}
	}
	return up
}
