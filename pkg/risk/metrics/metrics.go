package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// System metrics
	SystemMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_bytes",
		Help: "Current system memory usage",
	})

	SystemGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_goroutines",
		Help: "Number of goroutines",
	})

	// Pipeline metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_stage_duration_seconds",
			Help:    "Time spent in each record stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_records_total",
			Help: "Records reaching a terminal status",
		},
		[]string{"status"},
	)

	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_stage_retries_total",
			Help: "Retries performed per stage",
		},
		[]string{"stage"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_jobs_total",
			Help: "File jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	RowWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_row_warnings_total",
		Help: "Malformed rows skipped during normalization",
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "risk_queue_length",
		Help: "Records waiting to be scheduled",
	})

	// Extraction metrics
	EntitiesExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_entities_extracted_total",
			Help: "Entity candidates extracted",
		},
		[]string{"entity_type", "source"},
	)

	// Enrichment metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_provider_calls_total",
			Help: "Provider lookups by outcome",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_provider_latency_seconds",
			Help:    "Provider lookup latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Resolution metrics
	ResolutionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_resolution_conflicts_total",
		Help: "Candidates rejected for incompatible types",
	})

	// Graph metrics
	GraphUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_graph_upserts_total",
			Help: "Graph and vector store writes",
		},
		[]string{"kind"},
	)

	StaleScores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_stale_scores_total",
		Help: "Score writes rejected for a lower version",
	})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Number of cache misses",
		},
		[]string{"cache_type"},
	)
)

// UpdateSystemMetrics updates system-level metrics
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	SystemMemoryUsage.Set(float64(m.Alloc))
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}
