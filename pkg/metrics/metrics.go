package metrics

import (
	"net/http"

	"github.com/jsturma/joblet/pkg/resource"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus instrumentation
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted  prometheus.Counter
	JobTransitions *prometheus.CounterVec
	JobsByStatus   *prometheus.GaugeVec
	LogRecords     prometheus.Counter
	WorkflowsTotal prometheus.Counter
}

// New creates the metric set on a fresh registry with the standard Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblet_jobs_submitted_total",
			Help: "Jobs accepted for execution",
		}),
		JobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joblet_job_transitions_total",
			Help: "State machine transitions by edge",
		}, []string{"from", "to"}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "joblet_jobs",
			Help: "Jobs currently in each state",
		}, []string{"status"}),
		LogRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblet_log_records_total",
			Help: "Log records appended across all jobs",
		}),
		WorkflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblet_workflows_submitted_total",
			Help: "Workflows accepted",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsSubmitted,
		m.JobTransitions,
		m.JobsByStatus,
		m.LogRecords,
		m.WorkflowsTotal,
	)
	return m
}

// RegisterLedger exports the resource ledger's live usage as gauges
func (m *Metrics) RegisterLedger(ledger *resource.Ledger) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "joblet_reserved_cores",
			Help: "CPU cores currently reserved",
		}, func() float64 {
			snap := ledger.Snapshot()
			return float64(snap.Totals.Cores - len(snap.FreeCores))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "joblet_reserved_memory_bytes",
			Help: "Memory currently reserved",
		}, func() float64 {
			snap := ledger.Snapshot()
			return float64(snap.Totals.MemoryBytes - snap.FreeMemory)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "joblet_reserved_gpus",
			Help: "GPUs currently reserved",
		}, func() float64 {
			snap := ledger.Snapshot()
			return float64(len(snap.Totals.GPUs) - len(snap.FreeGPUs))
		}),
	)
}

// JobCreated records an accepted job entering QUEUED
func (m *Metrics) JobCreated() {
	m.JobsSubmitted.Inc()
	m.JobsByStatus.WithLabelValues(string(types.StatusQueued)).Inc()
}

// ObserveTransition is a state machine observer feeding the transition
// counters and per-status gauges.
func (m *Metrics) ObserveTransition(job *types.Job, from, to types.JobStatus) {
	m.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.JobsByStatus.WithLabelValues(string(from)).Dec()
	m.JobsByStatus.WithLabelValues(string(to)).Inc()
}

// Handler serves the prometheus scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
