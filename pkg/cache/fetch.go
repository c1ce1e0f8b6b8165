package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Fetcher produces a payload on a cache miss. It is supplied by callers and
// typically wraps a call to the upstream client.
type Fetcher func(ctx context.Context) ([]byte, error)

// remoteLayer is the shared-cache contract the orchestrator composes with
// the local store. A no-op implementation stands in when no remote store is
// configured, so the read/write paths never branch on backend presence.
type remoteLayer interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithTags(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string)
	Invalidate(ctx context.Context, key string)
	InvalidateTag(ctx context.Context, tag string) int
	GetMany(ctx context.Context, keys []string) [][]byte
	SetMany(ctx context.Context, entries []BatchEntry)
	Ping(ctx context.Context) bool
}

type noopRemote struct{}

func (noopRemote) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (noopRemote) SetWithTags(context.Context, string, []byte, time.Duration, []string) {
}
func (noopRemote) Invalidate(context.Context, string) {}
func (noopRemote) InvalidateTag(context.Context, string) int {
	return 0
}
func (noopRemote) GetMany(_ context.Context, keys []string) [][]byte {
	return make([][]byte, len(keys))
}
func (noopRemote) SetMany(context.Context, []BatchEntry) {}
func (noopRemote) Ping(context.Context) bool             { return false }

// Options configures the orchestrator.
type Options struct {
	// Enabled toggles caching. When false every Fetch* call invokes the
	// fetcher directly with no storage interaction.
	Enabled bool

	// Remote is the shared-cache adapter; nil selects memory-only mode.
	Remote *RedisStore

	// Logger for cache events.
	Logger zerolog.Logger
}

// Orchestrator composes the local and shared cache layers with stampede
// prevention and stale-while-revalidate.
type Orchestrator struct {
	enabled bool
	local   *LocalStore
	remote  remoteLayer
	redis   *RedisStore // nil in memory-only mode; used for stats only
	group   singleflight.Group
	logger  zerolog.Logger
}

// New creates an orchestrator. The backend strategy (memory-only vs
// multi-layer) is fixed at construction from whether a remote store is given.
func New(opts Options) *Orchestrator {
	var remote remoteLayer = noopRemote{}
	if opts.Remote != nil {
		remote = opts.Remote
	}
	return &Orchestrator{
		enabled: opts.Enabled,
		local:   NewLocalStore(),
		remote:  remote,
		redis:   opts.Remote,
		logger:  opts.Logger.With().Str("component", "cache").Logger(),
	}
}

// Backend reports the active backend mode.
func (o *Orchestrator) Backend() string {
	if o.redis != nil {
		return "multi-layer"
	}
	return "memory-only"
}

// Enabled reports whether caching is active.
func (o *Orchestrator) Enabled() bool { return o.enabled }

// Local exposes the local layer (used by tests and the stats surface).
func (o *Orchestrator) Local() *LocalStore { return o.local }

// Fetch returns the cached value for key or invokes fetcher to produce it.
// Read path: fresh local hit, then shared cache, then a single shared fetch.
// Concurrent callers for the same key are collapsed into one fetcher
// invocation; all callers joined before settlement observe the same result.
func (o *Orchestrator) Fetch(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher, tags ...string) ([]byte, error) {
	if !o.enabled {
		return fetcher(ctx)
	}

	if data, stale, ok := o.local.GetWithStaleInfo(key); ok && !stale {
		CacheHits.WithLabelValues("local").Inc()
		return data, nil
	}

	if data, ok := o.remote.Get(ctx, key); ok {
		CacheHits.WithLabelValues("redis").Inc()
		o.local.Set(key, data, ttl, tags...)
		return data, nil
	}

	CacheMisses.Inc()
	return o.sharedFetch(ctx, key, ttl, fetcher, tags)
}

// sharedFetch runs fetcher through the in-flight registry. The fetch itself
// runs on a detached context: a caller abandoning its wait does not cancel
// the operation for other waiters, and the result still populates the cache.
func (o *Orchestrator) sharedFetch(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher, tags []string) ([]byte, error) {
	ch := o.group.DoChan(key, func() (interface{}, error) {
		data, err := fetcher(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		o.store(ctx, key, data, ttl, tags)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// store writes a fetched value to both layers.
func (o *Orchestrator) store(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string) {
	o.local.Set(key, data, ttl, tags...)
	o.remote.SetWithTags(context.WithoutCancel(ctx), key, data, ttl, tags)

	o.logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Int("bytes", len(data)).
		Msg("Cached value")
}

// FetchSWR is the stale-while-revalidate variant of Fetch. A fresh entry is
// returned with no fetch; a stale-but-unexpired entry is returned immediately
// while at most one background revalidation refreshes the cache; a cold cache
// falls back to blocking Fetch semantics.
func (o *Orchestrator) FetchSWR(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher, tags ...string) ([]byte, error) {
	if !o.enabled {
		return fetcher(ctx)
	}

	data, stale, ok := o.local.GetWithStaleInfo(key)
	if !ok {
		return o.Fetch(ctx, key, ttl, fetcher, tags...)
	}
	if !stale {
		CacheHits.WithLabelValues("local").Inc()
		return data, nil
	}

	CacheStaleServed.Inc()
	o.revalidate(ctx, key, ttl, fetcher, tags)
	return data, nil
}

// revalidate refreshes key in the background. The in-flight registry keeps
// at most one revalidation per key; joining an existing flight starts
// nothing new. Errors are logged, never surfaced.
func (o *Orchestrator) revalidate(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher, tags []string) {
	ch := o.group.DoChan(key, func() (interface{}, error) {
		// Counted here so that joining an in-flight revalidation does not
		// register as a second one.
		CacheRevalidations.Inc()
		data, err := fetcher(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		o.store(ctx, key, data, ttl, tags)
		return data, nil
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			o.logger.Warn().
				Err(res.Err).
				Str("key", key).
				Msg("Background revalidation failed")
		}
	}()
}

// FetchRequest is one item of a FetchMany batch.
type FetchRequest struct {
	Key     string
	TTL     time.Duration
	Fetcher Fetcher
	Tags    []string
}

// FetchMany runs Fetch for each request concurrently, preserving input order
// in the result slice. The first fetch error cancels the remaining waits and
// is returned.
func (o *Orchestrator) FetchMany(ctx context.Context, requests []FetchRequest) ([][]byte, error) {
	results := make([][]byte, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			data, err := o.Fetch(gctx, req.Key, req.TTL, req.Fetcher, req.Tags...)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetMany reads the given keys from the best available layer: the shared
// cache when configured, else the local store per key. Missing keys yield
// nil entries; input order is preserved.
func (o *Orchestrator) GetMany(ctx context.Context, keys []string) [][]byte {
	if !o.enabled {
		return make([][]byte, len(keys))
	}

	if o.redis != nil {
		return o.remote.GetMany(ctx, keys)
	}

	results := make([][]byte, len(keys))
	for i, key := range keys {
		if data, ok := o.local.Get(key); ok {
			results[i] = data
		}
	}
	return results
}

// SetMany writes the given entries to the best available layer.
func (o *Orchestrator) SetMany(ctx context.Context, entries []BatchEntry) {
	if !o.enabled {
		return
	}

	if o.redis != nil {
		o.remote.SetMany(ctx, entries)
		return
	}

	for _, entry := range entries {
		o.local.Set(entry.Key, entry.Data, entry.TTL)
	}
}

// Invalidate removes a key from both layers.
func (o *Orchestrator) Invalidate(ctx context.Context, key string) {
	o.local.Invalidate(key)
	o.remote.Invalidate(ctx, key)
}

// InvalidateTag removes every key carrying the tag from the shared cache and
// every local key containing the tag substring, keeping both layers
// consistent despite their different invalidation mechanisms. Returns the
// number of keys removed across layers.
func (o *Orchestrator) InvalidateTag(ctx context.Context, tag string) int {
	remote := o.remote.InvalidateTag(ctx, tag)
	local := o.local.InvalidateTag(tag)

	o.logger.Debug().
		Str("tag", tag).
		Int("remote_keys", remote).
		Int("local_keys", local).
		Msg("Invalidated tag across layers")

	return remote + local
}

// Stats describes the cache state for the administrative surface.
type Stats struct {
	Backend      string           `json:"backend"`
	Enabled      bool             `json:"enabled"`
	LocalEntries int              `json:"local_entries"`
	Redis        *RedisInfo       `json:"redis"`
	Compression  CompressionStats `json:"compression"`
}

// GetStats assembles cache telemetry. Redis fields are nil in memory-only
// mode or while the remote store is unreachable.
func (o *Orchestrator) GetStats(ctx context.Context) Stats {
	stats := Stats{
		Backend:      o.Backend(),
		Enabled:      o.enabled,
		LocalEntries: o.local.Len(),
	}
	if o.redis != nil {
		stats.Redis = o.redis.Info(ctx)
		stats.Compression = o.redis.Compression()
	}
	return stats
}

// Ping reports remote-store reachability. Memory-only mode always reports
// false for the remote layer.
func (o *Orchestrator) Ping(ctx context.Context) bool {
	return o.remote.Ping(ctx)
}
