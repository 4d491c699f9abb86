// Package metrics defines the Prometheus collectors the runtime publishes
// for its tick loop, commit path, and persistence phase. It follows the
// pack's own metrics package (registered gauges/counters/histograms plus
// a small Timer helper) rather than hand-rolled counters, but scopes
// every collector to one Runtime instance instead of process-global vars
// so a test can spin up more than one Runtime without a duplicate
// registration panic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime holds every collector the tick loop and commit path update.
// Construct one per process with NewRuntime and pass it to
// runtime.New; tests construct their own with a throwaway registry.
type Runtime struct {
	TicksTotal          prometheus.Counter
	MissedTicksTotal    prometheus.Counter
	PhaseDuration       *prometheus.HistogramVec
	RequestsDrained     *prometheus.CounterVec
	CommitsTotal        prometheus.Counter
	CommitDuration      prometheus.Histogram
	ProcedureCalls      *prometheus.CounterVec
	ProcedurePanics     prometheus.Counter
	PersistenceFlushes  *prometheus.CounterVec
	PersistenceDuration *prometheus.HistogramVec
	CompactionsTotal    prometheus.Counter
	WALSegmentsArchived prometheus.Counter
}

// NewRuntime registers every collector against reg and returns the
// bound Runtime. Pass prometheus.DefaultRegisterer in production, or a
// fresh prometheus.NewRegistry() per test.
func NewRuntime(reg prometheus.Registerer) *Runtime {
	factory := promauto.With(reg)
	return &Runtime{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_ticks_total",
			Help: "Total number of runtime ticks executed.",
		}),
		MissedTicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_missed_ticks_total",
			Help: "Total number of ticks whose deadline passed before the phase completed.",
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecsdb_phase_duration_seconds",
			Help:    "Time spent in each tick phase (api, procedures, persistence).",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		RequestsDrained: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecsdb_requests_drained_total",
			Help: "Total number of requests drained from the request channel, by kind.",
		}, []string{"kind"}),
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_commits_total",
			Help: "Total number of transactions committed.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecsdb_commit_duration_seconds",
			Help:    "Time taken to apply and publish a single commit.",
			Buckets: prometheus.DefBuckets,
		}),
		ProcedureCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecsdb_procedure_calls_total",
			Help: "Total number of procedure invocations, by name and outcome.",
		}, []string{"name", "outcome"}),
		ProcedurePanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_procedure_panics_total",
			Help: "Total number of procedure invocations that recovered from a panic.",
		}),
		PersistenceFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecsdb_persistence_flushes_total",
			Help: "Total number of snapshot flushes, by outcome.",
		}, []string{"outcome"}),
		PersistenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecsdb_persistence_duration_seconds",
			Help:    "Time taken by persistence operations, by kind (flush, compact, replay).",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_compactions_total",
			Help: "Total number of WAL compaction cycles run.",
		}),
		WALSegmentsArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecsdb_wal_segments_archived_total",
			Help: "Total number of WAL segments archived or removed during compaction.",
		}),
	}
}

// Timer times a single operation and reports it to a histogram on Stop.
type Timer struct {
	start time.Time
}

// StartTimer begins timing an operation.
func StartTimer() Timer { return Timer{start: time.Now()} }

// ObserveDuration reports the elapsed time since StartTimer to h.
func (t Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
