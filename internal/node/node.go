// Package node defines the uniform contract implemented by every node type:
// a processing node exposes Execute; a stream source additionally exposes
// the Setup/Subscribe/Unsubscribe lifecycle.
package node

import (
	"context"

	"github.com/miradorflow/core/internal/tableenv"
)

// Category partitions node types for the streaming executor. The batch
// executor ignores category except to reject CategoryStreamSource nodes
// outright (see DESIGN.md — resolves spec.md's open question).
type Category string

const (
	CategoryInit         Category = "init"
	CategoryStreamSource Category = "stream_source"
	CategoryTrigger      Category = "trigger"
	CategoryOutput       Category = "output"
	CategoryGeneric      Category = "generic"
)

// Port documents a node's input/output shape. Dataflow itself is always a
// single untyped Output merged from upstream nodes; ports are metadata only.
type Port struct {
	Name        string
	Description string
}

// TypeDescriptor describes a node type as held by the registry.
type TypeDescriptor struct {
	ID           string
	Label        string
	Category     Category
	Inputs       []Port
	Outputs      []Port
	ConfigSchema map[string]interface{}
}

// tableKey is the conventional key under which the opaque table handle
// travels; it is stripped by Scalars before anything crosses the wire.
const tableKey = "df"

// Output is the tagged-union result of a node's Execute call: an unordered
// set of scalar values plus an optional opaque table handle carried under
// the reserved "df" key.
type Output map[string]interface{}

// Table returns the table handle carried in this output, if any.
func (o Output) Table() (tableenv.Table, bool) {
	v, ok := o[tableKey]
	if !ok {
		return nil, false
	}
	t, ok := v.(tableenv.Table)
	return t, ok
}

// WithTable returns a copy of o with the table handle attached under the
// reserved key.
func WithTable(o Output, t tableenv.Table) Output {
	out := make(Output, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	out[tableKey] = t
	return out
}

// Scalars returns a copy of o with the table handle stripped — the shape
// that crosses the wire (progress events, dashboard payloads).
func (o Output) Scalars() Output {
	if _, ok := o[tableKey]; !ok {
		return o
	}
	out := make(Output, len(o))
	for k, v := range o {
		if k == tableKey {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge returns a new Output formed by layering b over a: keys in b win on
// conflict. Callers merge upstream outputs in topological order so that the
// later (more downstream) producer wins, per the spec's merge rule.
func Merge(a, b Output) Output {
	out := make(Output, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Processing is the contract every node satisfies. env is nil in batch
// mode; only the streaming executor supplies it.
type Processing interface {
	Meta() TypeDescriptor
	Execute(ctx context.Context, inputs Output, config map[string]interface{}, env *tableenv.Env) (Output, error)
}

// Callback receives one message from a stream source. It may be invoked
// from any goroutine.
type Callback func(Output)

// StreamSource extends Processing with the subscribe lifecycle. Its
// Execute is unused by the streaming executor but must still satisfy
// Processing so the graph can be inspected uniformly.
type StreamSource interface {
	Processing
	Setup(config map[string]interface{}) error
	Subscribe(cb Callback) error
	Unsubscribe() error
}

// Factory constructs a fresh node instance for a given node id. Registered
// per type id in the NodeRegistry.
type Factory func(id string) Processing
