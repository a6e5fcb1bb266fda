// Package scheduler triggers batch runs for pipelines containing an
// enabled schedule-trigger node, on top of github.com/robfig/cron/v3.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miradorflow/core/internal/batch"
	"github.com/miradorflow/core/internal/errs"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/store"
)

const (
	maxHistory          = 50
	scheduleTriggerType = "schedule_trigger"
)

// RunHistoryEntry records one scheduled-run outcome.
type RunHistoryEntry struct {
	Timestamp time.Time
	Status    string // "ok" or "error"
	Error     string
}

// Scheduler wraps a robfig/cron instance, maintaining at most one job per
// pipeline key and a capped run-history ring per key.
type Scheduler struct {
	cron     *cron.Cron
	registry *noderegistry.Registry
	store    store.Store
	metrics  *metrics.Metrics

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	history map[string][]RunHistoryEntry
}

// New returns a stopped Scheduler bound to registry (for constructing fresh
// batch executors per job) and st (for loading the pipeline fresh on every
// fire). m may be nil, in which case no metrics are recorded.
func New(registry *noderegistry.Registry, st store.Store, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		registry: registry,
		store:    st,
		metrics:  m,
		jobs:     make(map[string]cron.EntryID),
		history:  make(map[string][]RunHistoryEntry),
	}
}

// Start begins the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels all pending jobs and blocks until any in-flight job callback
// completes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// parseCron validates a standard 5-field expression, rejecting any other
// field count with a ConfigError.
func parseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errs.Config(fmt.Sprintf("cron expression %q must have exactly 5 fields, got %d", expr, len(fields)))
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errs.Config(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return sched, nil
}

// findScheduleTrigger returns the first enabled schedule_trigger node's cron
// expression. enabled defaults to true when absent from config.
func findScheduleTrigger(p *pipeline.Pipeline) (expr string, ok bool) {
	for _, n := range p.Nodes {
		if n.Type != scheduleTriggerType {
			continue
		}
		enabled := true
		if v, has := n.Config["enabled"]; has {
			if b, isBool := v.(bool); isBool {
				enabled = b
			}
		}
		if !enabled {
			continue
		}
		e, has := n.Config["cron_expression"].(string)
		if !has || e == "" {
			continue
		}
		return e, true
	}
	return "", false
}

// SyncSchedules removes any existing job for slug/name, then registers a
// fresh one if the pipeline contains an enabled schedule-trigger node with
// a valid cron expression. An invalid cron is logged and skipped rather
// than returned, so it never blocks the caller's save path.
func (s *Scheduler) SyncSchedules(slug, name string, p *pipeline.Pipeline) {
	key := slug + "/" + name

	s.mu.Lock()
	if id, ok := s.jobs[key]; ok {
		s.cron.Remove(id)
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	expr, ok := findScheduleTrigger(p)
	if !ok {
		return
	}

	sched, err := parseCron(expr)
	if err != nil {
		log.Printf("scheduler: skipping invalid schedule for %s: %v", key, err)
		return
	}

	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.runJob(slug, name, key) }))

	s.mu.Lock()
	s.jobs[key] = id
	s.mu.Unlock()
}

// HasJob reports whether key currently has a registered job.
func (s *Scheduler) HasJob(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

func (s *Scheduler) runJob(slug, name, key string) {
	ctx := context.Background()
	entry := RunHistoryEntry{Timestamp: time.Now().UTC()}

	p, err := s.store.LoadPipeline(ctx, slug, name)
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
		s.recordHistory(key, entry)
		if s.metrics != nil {
			s.metrics.ScheduledRunsTotal.WithLabelValues(key, entry.Status).Inc()
		}
		return
	}

	exec := batch.New(s.registry, s.metrics)
	if _, err := exec.Run(ctx, p, batch.RunOptions{}); err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	} else {
		entry.Status = "ok"
	}
	s.recordHistory(key, entry)
	if s.metrics != nil {
		s.metrics.ScheduledRunsTotal.WithLabelValues(key, entry.Status).Inc()
	}
}

func (s *Scheduler) recordHistory(key string, entry RunHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[key], entry)
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	s.history[key] = h
}

// RunHistory returns the recorded run outcomes for key, oldest first.
func (s *Scheduler) RunHistory(key string) []RunHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunHistoryEntry, len(s.history[key]))
	copy(out, s.history[key])
	return out
}
