// Package publish tracks running streaming pipelines, one entry per
// "<project_slug>/<pipeline_name>" key.
package publish

import (
	"sort"
	"sync"

	"github.com/miradorflow/core/internal/streaming"
	"github.com/miradorflow/core/internal/tableenv"
)

// Entry pairs a published pipeline's table environment with the executor
// driving it. Both are created together and destroyed together.
type Entry struct {
	Env      *tableenv.Env
	Executor *streaming.Executor
}

// Registry is the process-wide, thread-safe key → Entry map. It is
// initialized once at startup and drained at shutdown by stopping each
// entry's executor.
type Registry struct {
	mu      sync.Mutex
	running map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{running: make(map[string]Entry)}
}

// Register stores or overwrites the entry for key. Callers wanting
// at-most-one semantics must Get first and reject if already present; see
// internal/lifecycle for that check.
func (r *Registry) Register(key string, env *tableenv.Env, executor *streaming.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[key] = Entry{Env: env, Executor: executor}
}

// Unregister atomically removes and returns the entry for key. The second
// return value is false if no entry existed. Idempotent: unregistering an
// absent key is a no-op.
func (r *Registry) Unregister(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.running[key]
	if ok {
		delete(r.running, key)
	}
	return e, ok
}

// Get returns the entry for key without removing it.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.running[key]
	return e, ok
}

// ListRunning returns every registered key, sorted for deterministic output.
func (r *Registry) ListRunning() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.running))
	for k := range r.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
