// Package cache provides the resilient two-layer cache between the
// dashboard and the upstream orchestration API.
//
// The orchestrator composes two storage backends:
//
//   - LocalStore: in-process TTL map, fastest, per-instance
//   - RedisStore: shared Redis-compatible store, consistent across instances
//
// and layers the behavior that callers rely on:
//
//   - Read-through/write-through across both layers
//   - Stampede prevention: concurrent misses for one key collapse into a
//     single fetch (singleflight)
//   - Stale-while-revalidate: aging entries are served immediately while a
//     background fetch refreshes the cache
//   - Tag invalidation kept consistent across both layers
//   - Transparent gzip compression of large values in the shared store
//   - Graceful degradation: remote failures are absorbed and open an
//     exponential backoff window during which the cache runs memory-only
//
// # Basic Usage
//
//	remote := cache.NewRedisStore(cache.RedisConfig{
//		URL:       "localhost:6379",
//		KeyPrefix: "fleet:",
//	}, logger)
//
//	c := cache.New(cache.Options{
//		Enabled: true,
//		Remote:  remote,
//		Logger:  logger,
//	})
//
//	data, err := c.Fetch(ctx, "containers:3", 30*time.Second, func(ctx context.Context) ([]byte, error) {
//		return upstreamClient.Get(ctx, "/api/endpoints/3/docker/containers/json")
//	}, "endpoint:3")
//
// # Stale-While-Revalidate
//
//	// Returns immediately once cached; refreshes in the background when the
//	// entry passes 80% of its TTL.
//	data, err := c.FetchSWR(ctx, key, ttl, fetcher)
//
// # Invalidation
//
//	c.Invalidate(ctx, "containers:3")
//	c.InvalidateTag(ctx, "endpoint:3")
//
// # Failure Semantics
//
// Storage failures are never surfaced to callers: remote errors read as
// misses and write as no-ops, with repeated failures disabling remote
// operations for min(2s * 2^(n-1), 5m). Fetcher errors propagate unchanged;
// a failed fetch is a failed Fetch call.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - fleetglass_cache_hits_total{layer} / fleetglass_cache_misses_total
//   - fleetglass_cache_stale_served_total / fleetglass_cache_revalidations_total
//   - fleetglass_cache_compressed_total / fleetglass_cache_compression_bytes_saved_total
//   - fleetglass_cache_errors_total{operation}
//   - fleetglass_cache_backoff_activations_total
package cache
