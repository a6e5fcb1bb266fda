// Package tableenv holds the named-table environment shared across ticks
// of a published streaming pipeline.
package tableenv

import (
	"sync"

	"github.com/miradorflow/core/internal/errs"
)

// Table is the opaque columnar table handle contract. The actual columnar
// library is an external collaborator; this interface is the only surface
// the engine depends on.
type Table interface {
	Columns() []string
	Len() int
	ToDict() map[string][]interface{}
	Head(n int) Table
}

// Env is a thread-safe named-value environment. One Env is owned by exactly
// one published pipeline: mutated only by that pipeline's StreamingExecutor
// tick loop, read by the executor and by dashboard fetches.
type Env struct {
	mu     sync.RWMutex
	tables map[string]interface{}
}

// New creates an empty Env.
func New() *Env {
	return &Env{tables: make(map[string]interface{})}
}

// Set stores a value under name, overwriting any previous value.
func (e *Env) Set(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[name] = value
}

// Get retrieves a value, or a NotFound error if name was never set or was
// dropped.
func (e *Env) Get(name string) (interface{}, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.tables[name]
	if !ok {
		return nil, errs.NotFound("table", name)
	}
	return v, nil
}

// Drop removes a value. Idempotent.
func (e *Env) Drop(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tables, name)
}

// List returns the names currently held, in no particular order.
func (e *Env) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	return names
}

// Clear removes every value.
func (e *Env) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = make(map[string]interface{})
}
