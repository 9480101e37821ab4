// Package metrics provides the Prometheus collectors shared by every core
// subsystem (§2). One Metrics instance is constructed per process and passed
// by reference into the index, matcher, merge, orchestrator, and cache
// components, mirroring the teacher's single-registry-per-service pattern.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// External Object Index (4.B)
	IndexBuildDuration  *prometheus.HistogramVec
	IndexBuildNodes     *prometheus.CounterVec
	IndexBuildErrors    *prometheus.CounterVec
	IndexLookupDuration *prometheus.HistogramVec
	IndexLookupTotal    *prometheus.CounterVec

	// Matchers & Merge Engine (4.C, 4.D)
	MatchesFound      *prometheus.CounterVec
	MergeComponents   *prometheus.HistogramVec
	MergeFailuresTotal *prometheus.CounterVec

	// Blast-Radius Engine (4.E)
	BlastRadiusDuration  *prometheus.HistogramVec
	BlastRadiusTruncated *prometheus.CounterVec

	// Execution Orchestrator (4.G)
	JobQueueDepth      *prometheus.GaugeVec
	JobAttemptsTotal   *prometheus.CounterVec
	JobRetryTotal      *prometheus.CounterVec
	DeadLetterTotal    *prometheus.CounterVec
	DeadLetterSize     prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	// Rollup Cache (4.H)
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheGetDuration *prometheus.HistogramVec
	CacheSetDuration *prometheus.HistogramVec
	CacheInvalidations *prometheus.CounterVec

	// Event Bus Adapter (4.I)
	EventsPublishedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec
}

func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_index_build_duration_seconds", Help: "External object index build duration.",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"tenant"}),
		IndexBuildNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_index_build_nodes_total", Help: "Nodes streamed through the index build pipeline.",
		}, []string{"tenant"}),
		IndexBuildErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_index_build_errors_total", Help: "Per-node extraction errors during index build.",
		}, []string{"tenant"}),
		IndexLookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_index_lookup_duration_seconds", Help: "External object index lookup latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		}, []string{"tenant", "cache_state"}),
		IndexLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_index_lookup_total", Help: "External object index lookups.",
		}, []string{"tenant", "cache_state"}),

		MatchesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_matches_found_total", Help: "Candidate matches emitted per matcher strategy.",
		}, []string{"tenant", "strategy"}),
		MergeComponents: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_merge_components", Help: "Connected-component count per merge.",
			Buckets: []float64{1, 10, 100, 1000, 10000},
		}, []string{"tenant"}),
		MergeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_merge_failures_total", Help: "Merge engine failures (e.g. maxNodes exceeded).",
		}, []string{"tenant", "reason"}),

		BlastRadiusDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_blast_radius_duration_seconds", Help: "Blast-radius query duration.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5},
		}, []string{"tenant"}),
		BlastRadiusTruncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_blast_radius_truncated_total", Help: "Blast-radius queries that hit maxGraphNodes.",
		}, []string{"tenant"}),

		JobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollup_job_queue_depth", Help: "Jobs currently in each orchestrator status.",
		}, []string{"status"}),
		JobAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_job_attempts_total", Help: "Job execution attempts.",
		}, []string{"name", "outcome"}),
		JobRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_job_retry_total", Help: "Job retries scheduled after a transient failure.",
		}, []string{"name"}),
		DeadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_dead_letter_total", Help: "Executions moved to the dead-letter queue.",
		}, []string{"tenant"}),
		DeadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollup_dead_letter_size", Help: "Current dead-letter queue size.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollup_circuit_breaker_state", Help: "0=closed, 1=half-open, 2=open.",
		}, []string{"service"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_cache_hits_total", Help: "Cache hits by layer.",
		}, []string{"keyspace", "layer"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_cache_misses_total", Help: "Cache misses by layer.",
		}, []string{"keyspace", "layer"}),
		CacheGetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_cache_get_duration_seconds", Help: "Cache Get latency.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		}, []string{"keyspace"}),
		CacheSetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rollup_cache_set_duration_seconds", Help: "Cache Set latency.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		}, []string{"keyspace"}),
		CacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_cache_invalidations_total", Help: "Cache entries removed by tag/tenant/pattern invalidation.",
		}, []string{"reason"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_events_published_total", Help: "Events successfully published.",
		}, []string{"type"}),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollup_events_dropped_total", Help: "Events dropped after retry exhaustion.",
		}, []string{"type"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.IndexBuildDuration, m.IndexBuildNodes, m.IndexBuildErrors,
			m.IndexLookupDuration, m.IndexLookupTotal,
			m.MatchesFound, m.MergeComponents, m.MergeFailuresTotal,
			m.BlastRadiusDuration, m.BlastRadiusTruncated,
			m.JobQueueDepth, m.JobAttemptsTotal, m.JobRetryTotal,
			m.DeadLetterTotal, m.DeadLetterSize, m.CircuitBreakerState,
			m.CacheHitsTotal, m.CacheMissesTotal, m.CacheGetDuration, m.CacheSetDuration, m.CacheInvalidations,
			m.EventsPublishedTotal, m.EventsDroppedTotal,
		)
	}
	return m
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes the process-wide default Metrics instance, matching the
// teacher's Init/Global singleton convention.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}
