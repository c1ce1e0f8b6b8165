package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/harborwatch/fleetglass/internal/testutil"
	"github.com/harborwatch/fleetglass/pkg/cache"
	"github.com/harborwatch/fleetglass/pkg/upstream"
)

// setupRedis creates a Redis container for integration testing and returns
// its address.
func setupRedis(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := host + ":" + port.Port()
	cleanup := func() {
		container.Terminate(ctx)
	}

	return addr, cleanup
}

func newStack(t *testing.T, redisAddr string, mock *testutil.MockUpstream) (*cache.Orchestrator, *upstream.Client) {
	t.Helper()

	remote := cache.NewRedisStore(cache.RedisConfig{
		URL:       redisAddr,
		KeyPrefix: "fleet:",
	}, zerolog.Nop())
	t.Cleanup(func() { remote.Close() })

	store := cache.New(cache.Options{
		Enabled: true,
		Remote:  remote,
		Logger:  zerolog.Nop(),
	})

	cfg := upstream.DefaultConfig(mock.URL(), "integration-key")
	cfg.RetryBackoffBase = 10 * time.Millisecond
	client, err := upstream.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create upstream client: %v", err)
	}

	return store, client
}

// TestTwoLayerFlow exercises the full read path: upstream fetch on a cold
// cache, local hit on repeat, and a Redis hit when the local layer is empty.
func TestTwoLayerFlow(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(3, testutil.NewHealthyResponse(`[{"Id":"abc","State":"running"}]`))

	store, client := newStack(t, redisAddr, mock)
	ctx := context.Background()

	path := "/api/endpoints/3/docker/containers/json"
	key := cache.Key{Path: path}.String()
	fetcher := func(ctx context.Context) ([]byte, error) {
		return client.Get(ctx, path)
	}

	// Request 1: cold cache, one upstream call, both layers populated.
	data1, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3")
	if err != nil {
		t.Fatalf("Request 1 failed: %v", err)
	}
	if !bytes.Contains(data1, []byte("abc")) {
		t.Errorf("Request 1 body = %s", data1)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("After request 1: upstream requests = %d, want 1", mock.GetRequestCount())
	}

	// Request 2: served from the local layer.
	if _, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3"); err != nil {
		t.Fatalf("Request 2 failed: %v", err)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("After request 2: upstream requests = %d, want 1 (local hit)", mock.GetRequestCount())
	}

	// A second process (fresh local layer, same Redis) hits the shared cache.
	store2, client2 := newStack(t, redisAddr, mock)
	data3, err := store2.Fetch(ctx, key, time.Minute, func(ctx context.Context) ([]byte, error) {
		return client2.Get(ctx, path)
	}, "endpoint:3")
	if err != nil {
		t.Fatalf("Request 3 failed: %v", err)
	}
	if !bytes.Equal(data3, data1) {
		t.Error("Shared-cache hit returned different payload")
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("After request 3: upstream requests = %d, want 1 (Redis hit)", mock.GetRequestCount())
	}
}

// TestCompressionRoundTrip verifies that payloads over the compression
// threshold survive a write and read through a real Redis.
func TestCompressionRoundTrip(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	remote := cache.NewRedisStore(cache.RedisConfig{
		URL:       redisAddr,
		KeyPrefix: "fleet:",
	}, zerolog.Nop())
	defer remote.Close()

	ctx := context.Background()
	payload := bytes.Repeat([]byte(`{"container":"state"}`), 1000) // ~21 KB

	remote.Set(ctx, "bulky", payload, time.Minute)

	got, ok := remote.Get(ctx, "bulky")
	if !ok {
		t.Fatal("Get returned miss after Set")
	}
	if !bytes.Equal(got, payload) {
		t.Error("Payload did not survive the compression round trip")
	}

	// The stored representation is the compressed variant.
	probe := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer probe.Close()
	if err := probe.Get(ctx, "fleet:bulky:gz").Err(); err != nil {
		t.Errorf("Compressed key missing: %v", err)
	}
	if err := probe.Get(ctx, "fleet:bulky").Err(); err != redis.Nil {
		t.Errorf("Plain key present for compressed value: %v", err)
	}
}

// TestCrossLayerTagInvalidation verifies a tag invalidation clears both the
// shared cache and the local layer, forcing a refetch.
func TestCrossLayerTagInvalidation(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(3, testutil.NewHealthyResponse(`[]`))

	store, client := newStack(t, redisAddr, mock)
	ctx := context.Background()

	path := "/api/endpoints/3/docker/containers/json"
	key := cache.Key{Path: path}.String()
	fetcher := func(ctx context.Context) ([]byte, error) {
		return client.Get(ctx, path)
	}

	if _, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3"); err != nil {
		t.Fatalf("Priming fetch failed: %v", err)
	}
	if mock.GetRequestCount() != 1 {
		t.Fatalf("Upstream requests = %d, want 1", mock.GetRequestCount())
	}

	removed := store.InvalidateTag(ctx, "endpoint:3")
	if removed < 2 {
		t.Errorf("InvalidateTag removed %d keys, want >= 2 (one per layer)", removed)
	}

	// The next fetch misses both layers and calls upstream again.
	if _, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3"); err != nil {
		t.Fatalf("Post-invalidation fetch failed: %v", err)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("Upstream requests = %d, want 2 (refetch after invalidation)", mock.GetRequestCount())
	}
}

// TestRedisOutageDegradesGracefully verifies that losing Redis mid-flight
// leaves the read path functional on the local layer alone.
func TestRedisOutageDegradesGracefully(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(3, testutil.NewHealthyResponse(`[{"Id":"abc"}]`))

	store, client := newStack(t, redisAddr, mock)
	ctx := context.Background()

	path := "/api/endpoints/3/docker/containers/json"
	key := cache.Key{Path: path}.String()
	fetcher := func(ctx context.Context) ([]byte, error) {
		return client.Get(ctx, path)
	}

	if _, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3"); err != nil {
		t.Fatalf("Priming fetch failed: %v", err)
	}

	// Kill Redis.
	cleanup()

	// Local hits keep working.
	data, err := store.Fetch(ctx, key, time.Minute, fetcher, "endpoint:3")
	if err != nil {
		t.Fatalf("Fetch after Redis outage failed: %v", err)
	}
	if !bytes.Contains(data, []byte("abc")) {
		t.Errorf("Fetch after outage = %s", data)
	}

	// A cold key falls through to upstream; the dead remote layer absorbs
	// its errors instead of surfacing them.
	mock.SetContainersResponse(4, testutil.NewHealthyResponse(`[]`))
	otherPath := "/api/endpoints/4/docker/containers/json"
	otherKey := cache.Key{Path: otherPath}.String()
	if _, err := store.Fetch(ctx, otherKey, time.Minute, func(ctx context.Context) ([]byte, error) {
		return client.Get(ctx, otherPath)
	}, "endpoint:4"); err != nil {
		t.Fatalf("Cold fetch during Redis outage failed: %v", err)
	}
}
