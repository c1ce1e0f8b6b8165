package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// compressThreshold is the serialized size above which values are
	// gzip-compressed before storage.
	compressThreshold = 10000

	// compressedSuffix marks the key variant holding a compressed value.
	compressedSuffix = ":gz"

	// tagKeyInfix builds tag membership set names: <prefix>_tag:<tag>.
	tagKeyInfix = "_tag:"

	// backoffBase is the first backoff window after a remote failure.
	backoffBase = 2 * time.Second

	// backoffCeiling caps the backoff window regardless of failure count.
	backoffCeiling = 5 * time.Minute
)

// RedisConfig holds shared-cache connection settings.
type RedisConfig struct {
	// URL is the Redis address (host:port).
	URL string

	// Password is injected into the connection when present.
	Password string

	// KeyPrefix namespaces every logical key.
	KeyPrefix string
}

// backoffState gates remote operations after failures. While the window is
// active every operation short-circuits locally without a network call.
type backoffState struct {
	failureCount  int
	disabledUntil time.Time
}

// backoffWindow returns the wait after the given consecutive failure count:
// min(2s * 2^(n-1), 5m).
func backoffWindow(failureCount int) time.Duration {
	if failureCount < 1 {
		return 0
	}
	// Shifting past the ceiling overflows quickly; clamp the exponent first.
	if failureCount > 10 {
		return backoffCeiling
	}
	window := backoffBase << (failureCount - 1)
	if window > backoffCeiling {
		return backoffCeiling
	}
	return window
}

// CompressionStats aggregates compression counters for the stats surface.
type CompressionStats struct {
	CompressedCount int64 `json:"compressed_count"`
	BytesSaved      int64 `json:"bytes_saved"`
}

// RedisInfo carries remote-store telemetry parsed from INFO.
type RedisInfo struct {
	MemoryUsedBytes  int64 `json:"memory_used_bytes"`
	MemoryMaxBytes   int64 `json:"memory_max_bytes"`
	EvictedKeys      int64 `json:"evicted_keys"`
	ConnectedClients int64 `json:"connected_clients"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

// BatchEntry is one key/value pair for SetMany.
type BatchEntry struct {
	Key  string
	Data []byte
	TTL  time.Duration
}

// RedisStore adapts a Redis-compatible store to the cache layer contract.
// Every remote failure is absorbed: reads degrade to misses, writes to
// no-ops, and repeated failures open an exponential backoff window during
// which no network calls are attempted at all.
type RedisStore struct {
	cfg    RedisConfig
	logger zerolog.Logger

	mu      sync.Mutex
	client  *redis.Client
	backoff backoffState

	statsMu         sync.Mutex
	compressedCount int64
	bytesSaved      int64
}

// NewRedisStore creates a shared-cache adapter. The connection is lazy: the
// first operation triggers the connect attempt.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		cfg:    cfg,
		logger: logger.With().Str("layer", "redis").Logger(),
	}
}

// ns namespaces a logical key with the configured prefix.
func (s *RedisStore) ns(key string) string {
	return s.cfg.KeyPrefix + key
}

// tagKey names the membership set for a tag.
func (s *RedisStore) tagKey(tag string) string {
	return s.cfg.KeyPrefix + tagKeyInfix + tag
}

// acquire returns the client if remote operations are currently allowed.
// It returns nil while a backoff window is active.
func (s *RedisStore) acquire() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Now().Before(s.backoff.disabledUntil) {
		return nil
	}

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     s.cfg.URL,
			Password: s.cfg.Password,
		})
	}
	return s.client
}

// recordFailure grows the backoff window after a remote error.
func (s *RedisStore) recordFailure(operation string, err error) {
	s.mu.Lock()
	s.backoff.failureCount++
	window := backoffWindow(s.backoff.failureCount)
	s.backoff.disabledUntil = time.Now().Add(window)
	count := s.backoff.failureCount
	s.mu.Unlock()

	CacheErrors.WithLabelValues(operation).Inc()
	CacheBackoffActivations.Inc()

	s.logger.Warn().
		Err(err).
		Str("operation", operation).
		Int("failure_count", count).
		Dur("backoff", window).
		Msg("Remote cache error, backing off")
}

// recordSuccess resets the backoff after the remote store recovers.
func (s *RedisStore) recordSuccess() {
	s.mu.Lock()
	recovered := s.backoff.failureCount > 0
	s.backoff = backoffState{}
	s.mu.Unlock()

	if recovered {
		s.logger.Info().Msg("Remote cache recovered")
	}
}

// BackoffSnapshot returns the current failure count and window deadline.
func (s *RedisStore) BackoffSnapshot() (failureCount int, disabledUntil time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff.failureCount, s.backoff.disabledUntil
}

// Get retrieves a value. The compressed variant is checked first, then the
// plain key. Remote errors and backoff windows read as misses.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	client := s.acquire()
	if client == nil {
		return nil, false
	}

	nsKey := s.ns(key)

	data, err := client.Get(ctx, nsKey+compressedSuffix).Bytes()
	if err == nil {
		plain, gzErr := gunzip(data)
		if gzErr != nil {
			s.logger.Warn().Err(gzErr).Str("key", key).Msg("Corrupt compressed cache value, dropping")
			client.Del(ctx, nsKey+compressedSuffix)
			return nil, false
		}
		s.recordSuccess()
		return plain, true
	}
	if err != redis.Nil {
		s.recordFailure("get", err)
		return nil, false
	}

	data, err = client.Get(ctx, nsKey).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return nil, false
	}
	if err != nil {
		s.recordFailure("get", err)
		return nil, false
	}

	s.recordSuccess()
	return data, true
}

// Set stores a value without tags.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	s.SetWithTags(ctx, key, data, ttl, nil)
}

// SetWithTags stores a value and registers it in each tag's membership set.
// Values above the compression threshold are gzip-compressed under the
// ":gz" variant and the plain key is removed, and vice versa.
func (s *RedisStore) SetWithTags(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		return
	}

	client := s.acquire()
	if client == nil {
		return
	}

	nsKey := s.ns(key)
	pipe := client.Pipeline()

	if len(data) > compressThreshold {
		compressed, err := gzipBytes(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Compression failed, storing plain")
			pipe.Set(ctx, nsKey, data, ttl)
			pipe.Del(ctx, nsKey+compressedSuffix)
		} else {
			pipe.Set(ctx, nsKey+compressedSuffix, compressed, ttl)
			pipe.Del(ctx, nsKey)

			s.statsMu.Lock()
			s.compressedCount++
			s.bytesSaved += int64(len(data) - len(compressed))
			s.statsMu.Unlock()

			CacheCompressed.Inc()
			CacheBytesSaved.Add(float64(len(data) - len(compressed)))
		}
	} else {
		pipe.Set(ctx, nsKey, data, ttl)
		pipe.Del(ctx, nsKey+compressedSuffix)
	}

	for _, tag := range tags {
		pipe.SAdd(ctx, s.tagKey(tag), nsKey)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure("set", err)
		return
	}
	s.recordSuccess()
}

// Invalidate removes a key (both variants).
func (s *RedisStore) Invalidate(ctx context.Context, key string) {
	client := s.acquire()
	if client == nil {
		return
	}

	nsKey := s.ns(key)
	if err := client.Del(ctx, nsKey, nsKey+compressedSuffix).Err(); err != nil {
		s.recordFailure("delete", err)
		return
	}
	s.recordSuccess()
}

// InvalidateTag deletes every key registered under the tag plus the tag set
// itself. Returns the number of member keys removed.
func (s *RedisStore) InvalidateTag(ctx context.Context, tag string) int {
	client := s.acquire()
	if client == nil {
		return 0
	}

	tagKey := s.tagKey(tag)
	members, err := client.SMembers(ctx, tagKey).Result()
	if err != nil {
		s.recordFailure("invalidate_tag", err)
		return 0
	}

	keys := make([]string, 0, len(members)*2+1)
	for _, member := range members {
		keys = append(keys, member, member+compressedSuffix)
	}
	keys = append(keys, tagKey)

	if err := client.Del(ctx, keys...).Err(); err != nil {
		s.recordFailure("invalidate_tag", err)
		return 0
	}
	s.recordSuccess()

	s.logger.Debug().
		Str("tag", tag).
		Int("keys", len(members)).
		Msg("Invalidated tag")

	return len(members)
}

// GetMany retrieves values for the given keys with a single multi-get per
// variant, preserving input order. Missing keys yield nil entries.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) [][]byte {
	results := make([][]byte, len(keys))

	client := s.acquire()
	if client == nil || len(keys) == 0 {
		return results
	}

	nsKeys := make([]string, len(keys))
	for i, key := range keys {
		nsKeys[i] = s.ns(key)
	}

	values, err := client.MGet(ctx, nsKeys...).Result()
	if err != nil {
		s.recordFailure("get_many", err)
		return results
	}

	// Plain misses may be stored under the compressed variant.
	var missIdx []int
	var missKeys []string
	for i, value := range values {
		if str, ok := value.(string); ok {
			results[i] = []byte(str)
			continue
		}
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, nsKeys[i]+compressedSuffix)
	}

	if len(missKeys) > 0 {
		compressed, err := client.MGet(ctx, missKeys...).Result()
		if err != nil {
			s.recordFailure("get_many", err)
			return results
		}
		for j, value := range compressed {
			str, ok := value.(string)
			if !ok {
				continue
			}
			plain, gzErr := gunzip([]byte(str))
			if gzErr != nil {
				s.logger.Warn().Err(gzErr).Str("key", keys[missIdx[j]]).Msg("Corrupt compressed cache value")
				continue
			}
			results[missIdx[j]] = plain
		}
	}

	s.recordSuccess()
	return results
}

// SetMany stores all entries in a single pipeline.
func (s *RedisStore) SetMany(ctx context.Context, entries []BatchEntry) {
	client := s.acquire()
	if client == nil || len(entries) == 0 {
		return
	}

	pipe := client.Pipeline()
	for _, entry := range entries {
		if entry.TTL <= 0 {
			continue
		}
		nsKey := s.ns(entry.Key)
		if len(entry.Data) > compressThreshold {
			compressed, err := gzipBytes(entry.Data)
			if err == nil {
				pipe.Set(ctx, nsKey+compressedSuffix, compressed, entry.TTL)
				pipe.Del(ctx, nsKey)
				continue
			}
		}
		pipe.Set(ctx, nsKey, entry.Data, entry.TTL)
		pipe.Del(ctx, nsKey+compressedSuffix)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure("set_many", err)
		return
	}
	s.recordSuccess()
}

// Ping reports whether the remote store is reachable right now. A ping
// during an active backoff window returns false without a network call.
func (s *RedisStore) Ping(ctx context.Context) bool {
	client := s.acquire()
	if client == nil {
		return false
	}
	if err := client.Ping(ctx).Err(); err != nil {
		s.recordFailure("ping", err)
		return false
	}
	s.recordSuccess()
	return true
}

// Compression returns the aggregate compression counters.
func (s *RedisStore) Compression() CompressionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return CompressionStats{
		CompressedCount: s.compressedCount,
		BytesSaved:      s.bytesSaved,
	}
}

// Info fetches remote-store telemetry via INFO. Returns nil when the store
// is unreachable or backed off.
func (s *RedisStore) Info(ctx context.Context) *RedisInfo {
	client := s.acquire()
	if client == nil {
		return nil
	}

	raw, err := client.Info(ctx, "memory", "stats", "clients", "server").Result()
	if err != nil {
		s.recordFailure("info", err)
		return nil
	}
	s.recordSuccess()

	fields := parseInfo(raw)
	return &RedisInfo{
		MemoryUsedBytes:  fields["used_memory"],
		MemoryMaxBytes:   fields["maxmemory"],
		EvictedKeys:      fields["evicted_keys"],
		ConnectedClients: fields["connected_clients"],
		UptimeSeconds:    fields["uptime_in_seconds"],
	}
}

// Close releases the underlying connection, if any.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// parseInfo extracts integer fields from a raw INFO response.
func parseInfo(raw string) map[string]int64 {
	fields := make(map[string]int64)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			fields[name] = n
		}
	}
	return fields
}

// gzipBytes compresses data with gzip.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gunzip decompresses gzip data.
func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
