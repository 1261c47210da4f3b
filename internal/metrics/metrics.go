// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "selah"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Assistant requests by final status.",
		},
		[]string{"status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time from preflight to final status.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"kind"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Completion attempts retried, by error kind.",
		},
		[]string{"kind"},
	)

	SafetyClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_classifications_total",
			Help:      "Preflight safety outcomes by category.",
		},
		[]string{"category"},
	)

	EmbeddingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_lookups_total",
			Help:      "Embedding cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	EmbeddingCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_evictions_total",
			Help:      "Entries dropped from the embedding cache.",
		},
	)

	OfflineCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_cache_lookups_total",
			Help:      "Offline cache lookups by matching tier (exact, semantic, fuzzy, miss).",
		},
		[]string{"tier"},
	)

	CitationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "citations_resolved_total",
			Help:      "Citation verification outcomes by status.",
		},
		[]string{"status"},
	)

	ChapterFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapter_fetches_total",
			Help:      "Chapter cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	MemoriesRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memories_retrieved",
			Help:      "Memories returned per relevance query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Provider calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)
