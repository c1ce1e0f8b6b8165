package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (local, redis).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_hits_total",
			Help: "Total number of cache hits by layer",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks full cache misses (no layer had the key).
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheStaleServed tracks stale entries served by the SWR path.
	CacheStaleServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_stale_served_total",
			Help: "Total number of stale entries served while revalidating",
		},
	)

	// CacheRevalidations tracks background revalidations triggered by SWR.
	CacheRevalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_revalidations_total",
			Help: "Total number of background revalidations started",
		},
	)

	// CacheErrors tracks remote cache operation errors by operation.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_errors_total",
			Help: "Total number of remote cache operation errors",
		},
		[]string{"operation"},
	)

	// CacheCompressed tracks values stored gzip-compressed.
	CacheCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_compressed_total",
			Help: "Total number of values stored compressed",
		},
	)

	// CacheBytesSaved tracks bytes saved by compression.
	CacheBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_compression_bytes_saved_total",
			Help: "Total bytes saved by compressing large values",
		},
	)

	// CacheBackoffActivations tracks remote backoff window activations.
	CacheBackoffActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_cache_backoff_activations_total",
			Help: "Total number of times the remote cache entered a backoff window",
		},
	)
)
