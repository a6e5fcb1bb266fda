// Package metrics registers the Prometheus metrics exposed by the engine:
// node execution, tick, and scheduled-run counters and histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine exposes.
type Metrics struct {
	NodesExecutedTotal *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	NodeErrors         *prometheus.CounterVec

	BatchRunsTotal   *prometheus.CounterVec
	BatchRunDuration prometheus.Histogram

	TicksTotal   *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TickErrors   *prometheus.CounterVec

	ScheduledRunsTotal *prometheus.CounterVec

	PublishedPipelines prometheus.Gauge
	DashboardConns     prometheus.Gauge
}

// New creates and registers every collector under namespace into reg. Pass
// "" for the default namespace. With a nil reg the collectors are created
// but not registered anywhere.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "miradorflow"
	}
	factory := promauto.With(reg)

	return &Metrics{
		NodesExecutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of node executions, by node type.",
			},
			[]string{"node_type"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Node execution duration in seconds, by node type.",
			},
			[]string{"node_type"},
		),
		NodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_errors_total",
				Help:      "Total number of node execution failures, by node type.",
			},
			[]string{"node_type"},
		),
		BatchRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_runs_total",
				Help:      "Total number of batch pipeline runs, by outcome.",
			},
			[]string{"outcome"},
		),
		BatchRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_run_duration_seconds",
				Help:      "Batch pipeline run duration in seconds.",
			},
		),
		TicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of streaming ticks, by pipeline key.",
			},
			[]string{"pipeline_key"},
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Streaming tick duration in seconds, by pipeline key.",
			},
			[]string{"pipeline_key"},
		),
		TickErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Total number of aborted streaming ticks, by pipeline key.",
			},
			[]string{"pipeline_key"},
		),
		ScheduledRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_runs_total",
				Help:      "Total number of cron-triggered batch runs, by outcome.",
			},
			[]string{"pipeline_key", "outcome"},
		),
		PublishedPipelines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "published_pipelines",
				Help:      "Number of currently published streaming pipelines.",
			},
		),
		DashboardConns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dashboard_connections",
				Help:      "Number of open dashboard socket connections.",
			},
		),
	}
}
