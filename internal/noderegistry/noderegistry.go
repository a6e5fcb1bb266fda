// Package noderegistry holds node-type descriptors and resolves a node's
// type string to a factory that constructs a fresh Processing instance.
package noderegistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/node"
)

type entry struct {
	descriptor node.TypeDescriptor
	factory    node.Factory
}

// Registry is a thread-safe type-id → factory directory. One Registry is
// typically shared process-wide; batch and scheduled runs each build their
// own node instances from it via New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a node type. Panics are not used for conflicts;
// the last registration for a type id wins, matching the teacher's
// permissive plugin-style registration.
func (r *Registry) Register(desc node.TypeDescriptor, factory node.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[desc.ID] = entry{descriptor: desc, factory: factory}
}

// Descriptor returns the type descriptor for a registered type id.
func (r *Registry) Descriptor(typeID string) (node.TypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeID]
	if !ok {
		return node.TypeDescriptor{}, errs.Config(fmt.Sprintf("unknown node type %q", typeID))
	}
	return e.descriptor, nil
}

// New constructs a fresh Processing instance for the given node id and type.
func (r *Registry) New(typeID, nodeID string) (node.Processing, error) {
	r.mu.RLock()
	e, ok := r.entries[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Config(fmt.Sprintf("unknown node type %q", typeID))
	}
	return e.factory(nodeID), nil
}

// List returns every registered descriptor, ordered by type id.
func (r *Registry) List() []node.TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.TypeDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
