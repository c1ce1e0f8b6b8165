// Command fleet-proxy is the caching proxy between the dashboard and the
// container orchestration API. It wires the two-layer cache, per-partition
// circuit breakers, and the resilient upstream client, and exposes the
// administrative surface (/health, /stats, /invalidate, /metrics).
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/harborwatch/fleetglass/pkg/breaker"
	"github.com/harborwatch/fleetglass/pkg/cache"
	"github.com/harborwatch/fleetglass/pkg/logging"
	"github.com/harborwatch/fleetglass/pkg/upstream"
)

// defaultProxyTTL is the cache TTL for proxied GET responses.
const defaultProxyTTL = 30 * time.Second

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnvBool("LOG_PRETTY", false),
		Output: os.Stderr,
	})

	// Configuration from environment
	upstreamURL := getEnv("UPSTREAM_URL", "http://localhost:9000")
	apiKey := getEnv("UPSTREAM_API_KEY", "")
	port := getEnv("PORT", "8080")

	cfg := upstream.DefaultConfig(upstreamURL, apiKey)
	cfg.MaxConcurrent = int64(getEnvInt("UPSTREAM_MAX_CONCURRENT", 10))
	cfg.Breaker = breaker.Config{
		FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		ResetTimeout:     time.Duration(getEnvInt("BREAKER_RESET_TIMEOUT_MS", 30000)) * time.Millisecond,
	}

	client, err := upstream.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create upstream client")
	}

	// An empty REDIS_URL selects memory-only mode.
	var remote *cache.RedisStore
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		remote = cache.NewRedisStore(cache.RedisConfig{
			URL:       redisURL,
			Password:  getEnv("REDIS_PASSWORD", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "fleet:"),
		}, logger)
	}

	store := cache.New(cache.Options{
		Enabled: getEnvBool("CACHE_ENABLED", true),
		Remote:  remote,
		Logger:  logger,
	})

	logger.Info().
		Str("backend", store.Backend()).
		Bool("cache_enabled", store.Enabled()).
		Str("upstream", upstreamURL).
		Msg("Starting fleet proxy")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(store))
	mux.HandleFunc("/stats", statsHandler(store, client))
	mux.HandleFunc("/invalidate", invalidateHandler(store, logger))
	mux.HandleFunc("/breakers/reset", breakerResetHandler(client, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/docker/", proxyHandler(store, client, logger))

	addr := ":" + port
	logger.Info().Str("addr", addr).Msg("Listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// healthHandler reports process liveness plus remote cache reachability.
func healthHandler(store *cache.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"backend": store.Backend(),
			"redis":   store.Ping(r.Context()),
		})
	}
}

// statsHandler exposes cache and breaker telemetry.
func statsHandler(store *cache.Orchestrator, client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"cache":    store.GetStats(r.Context()),
			"breakers": client.BreakerSnapshots(),
		})
	}
}

// invalidateHandler drops cache entries by tag or key.
func invalidateHandler(store *cache.Orchestrator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tag := r.URL.Query().Get("tag")
		key := r.URL.Query().Get("key")

		switch {
		case tag != "":
			removed := store.InvalidateTag(r.Context(), tag)
			logger.Info().Str("tag", tag).Int("removed", removed).Msg("Cache tag invalidated")
			writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
		case key != "":
			store.Invalidate(r.Context(), key)
			logger.Info().Str("key", key).Msg("Cache key invalidated")
			writeJSON(w, http.StatusOK, map[string]any{"removed": 1})
		default:
			http.Error(w, "tag or key query parameter required", http.StatusBadRequest)
		}
	}
}

// breakerResetHandler resets all partition breakers.
func breakerResetHandler(client *upstream.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		client.ResetBreakers()
		logger.Info().Msg("All breakers reset")
		writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
	}
}

// proxyHandler forwards dashboard requests to the orchestration API.
// GET responses are cached with stale-while-revalidate under a key derived
// from the path and tagged by upstream partition; mutating requests bypass
// the cache and invalidate the partition tag.
func proxyHandler(store *cache.Orchestrator, client *upstream.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// /docker/endpoints/3/... -> /api/endpoints/3/...
		upstreamPath := "/api" + strings.TrimPrefix(r.URL.Path, "/docker")
		if r.URL.RawQuery != "" {
			upstreamPath += "?" + r.URL.RawQuery
		}
		partition := upstream.PartitionFor(upstreamPath)

		if r.Method != http.MethodGet {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if len(body) == 0 {
				body = nil
			}

			data, err := client.Do(r.Context(), r.Method, upstreamPath, body)
			if err != nil {
				writeUpstreamError(w, err)
				return
			}
			store.InvalidateTag(r.Context(), partition)
			writeRaw(w, data)
			return
		}

		key := cache.Key{Path: r.URL.Path, QueryParams: r.URL.Query()}.String()
		data, err := store.FetchSWR(r.Context(), key, defaultProxyTTL, func(ctx context.Context) ([]byte, error) {
			return client.Get(ctx, upstreamPath)
		}, partition)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeRaw(w, data)
	}
}

// writeUpstreamError maps classified errors to proxy responses. Breaker
// rejections surface as 503 with a Retry-After hint so the dashboard can
// show a "temporarily degraded" state.
func writeUpstreamError(w http.ResponseWriter, err error) {
	if openErr, ok := upstream.IsBreakerOpen(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":          "upstream temporarily degraded",
			"partition":      openErr.Partition,
			"retry_after_ms": openErr.RetryAfter.Milliseconds(),
		})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
