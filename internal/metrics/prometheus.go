// Package metrics provides Prometheus metrics for the SICC service.
// It tracks HTTP traffic, ingress hook throughput, the learning pipeline,
// memory search, the embedding backend and background workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sicc"
)

// LatencyBuckets defines histogram buckets for request latency (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// =============================================================================
// HTTP Metrics
// =============================================================================

var (
	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPLatency tracks API request latency.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"method", "route"},
	)
)

// =============================================================================
// Ingress Hook Metrics
// =============================================================================

var (
	// HookEvents counts hook events by result: enqueued, processed, failed, dropped, discarded, spilled.
	HookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_events_total",
			Help:      "Interaction events seen by the ingress hook by result",
		},
		[]string{"result"},
	)

	// HookQueueSize reports the current hook queue depth.
	HookQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hook_queue_size",
			Help:      "Events waiting in the ingress hook queue",
		},
	)
)

// =============================================================================
// Learning Pipeline Metrics
// =============================================================================

var (
	// LearningProposals counts analyzer proposals by kind and initial disposition.
	LearningProposals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_proposals_total",
			Help:      "Learning proposals produced by the analyzer",
		},
		[]string{"kind", "disposition"},
	)

	// Consolidations counts consolidation outcomes by artifact type and result.
	Consolidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidations_total",
			Help:      "Learning consolidations by artifact type and result",
		},
		[]string{"artifact", "result"},
	)

	// RetentionDeactivations counts artifacts deactivated by retention passes.
	RetentionDeactivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deactivations_total",
			Help:      "Memories and patterns deactivated by retention and quota policy",
		},
		[]string{"artifact", "reason"},
	)

	// Snapshots counts snapshots taken by type.
	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Agent snapshots taken by type",
		},
		[]string{"type"},
	)

	// SnapshotsRemoved counts snapshots deleted by quota or archive.
	SnapshotsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_removed_total",
			Help:      "Agent snapshots deleted by the quota or archive job",
		},
		[]string{"reason"},
	)
)

// =============================================================================
// Memory Search Metrics
// =============================================================================

var (
	// MemorySearchLatency tracks end-to-end memory search latency (embedding + query).
	MemorySearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_duration_seconds",
			Help:      "Memory similarity search latency in seconds",
			Buckets:   LatencyBuckets,
		},
	)

	// MemorySearchResults tracks how many chunks a search returned.
	MemorySearchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_results",
			Help:      "Number of memory chunks returned per search",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		},
	)

	// PatternMatchLatency tracks behavior pattern context matching latency.
	PatternMatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pattern_match_duration_seconds",
			Help:      "Behavior pattern matching latency in seconds",
			Buckets:   LatencyBuckets,
		},
	)
)

// =============================================================================
// Embedding Metrics
// =============================================================================

var (
	// EmbeddingRequests counts embedding backend calls by result.
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding backend calls by result",
		},
		[]string{"model", "result"},
	)

	// EmbeddingCacheHits counts embeddings served from cache.
	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embeddings served from the in-process cache",
		},
	)

	// EmbeddingCircuitState tracks the embedding circuit breaker (0=closed, 1=open, 2=half-open).
	EmbeddingCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "embedding_circuit_state",
			Help:      "Embedding circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
)

// =============================================================================
// Worker Metrics
// =============================================================================

var (
	// WorkerTasks counts background tasks by type and result.
	WorkerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Background tasks by type and result",
		},
		[]string{"type", "result"},
	)

	// WorkerTaskLatency tracks task handling time including retries.
	WorkerTaskLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Background task handling time in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// DeadLetters counts tasks moved to the dead-letter queue.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Tasks moved to the dead-letter queue",
		},
		[]string{"type"},
	)
)

// =============================================================================
// Database Metrics
// =============================================================================

var (
	// DBConnectionPoolSize reports pool connections by state: in_use, idle,
	// open and max.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool",
			Help:      "Database connection pool usage",
		},
		[]string{"state"},
	)

	DBPoolWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_waits_total",
			Help:      "Queries that waited for a free connection",
		},
	)

	DBPoolWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_wait_seconds_total",
			Help:      "Time spent waiting for a free connection",
		},
	)

	// DBPoolClosed counts connections the pool retired, by reason:
	// max_idle, max_idle_time or max_lifetime.
	DBPoolClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_closed_total",
			Help:      "Connections closed by the pool",
		},
		[]string{"reason"},
	)
)
