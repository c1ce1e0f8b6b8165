package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/harborwatch/fleetglass/internal/testutil"
	"github.com/harborwatch/fleetglass/pkg/breaker"
)

func newTestClient(t *testing.T, mock *testutil.MockUpstream, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(mock.URL(), "test-key")
	cfg.RetryBackoffBase = 5 * time.Millisecond // speed up tests
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty base URL should fail")
	}
}

func TestPartitionFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/endpoints/3/docker/containers/json", "endpoint:3"},
		{"/api/endpoints/42/docker/images/json?all=1", "endpoint:42"},
		{"/api/endpoints", GlobalPartition},
		{"/api/status", GlobalPartition},
		{"/api/endpoints/abc/docker", GlobalPartition},
	}

	for _, tt := range tests {
		if got := PartitionFor(tt.path); got != tt.want {
			t.Errorf("PartitionFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDo_Success(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(3, testutil.NewHealthyResponse(`[{"Id":"abc"}]`))

	c := newTestClient(t, mock, nil)

	data, err := c.Get(context.Background(), "/api/endpoints/3/docker/containers/json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, []byte(`[{"Id":"abc"}]`)) {
		t.Errorf("Get = %q", data)
	}

	if key := mock.LastRequestHeader.Get("X-API-Key"); key != "test-key" {
		t.Errorf("X-API-Key = %q, want test-key", key)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetHandler("/api/status", testutil.NewFlakyHandler(2, `{"status":"ok"}`))

	c := newTestClient(t, mock, nil)

	data, err := c.Get(context.Background(), "/api/status")
	if err != nil {
		t.Fatalf("Get failed after retries: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"status":"ok"}`)) {
		t.Errorf("Get = %q", data)
	}
	if got := mock.GetRequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3 (2 failures + 1 success)", got)
	}
}

func TestDo_AuthFailsFast(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/status", testutil.NewAuthErrorResponse())

	c := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/api/status")
	var uerr *Error
	if !errors.As(err, &uerr) || uerr.Class != ClassAuth {
		t.Fatalf("error = %v, want auth-classified", err)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("requests = %d, want 1 (auth errors are never retried)", got)
	}
}

func TestDo_RateLimitRetried(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/status", testutil.NewRateLimitResponse())

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.MaxRetries = 2
	})

	_, err := c.Get(context.Background(), "/api/status")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	var uerr *Error
	if !errors.As(err, &uerr) || uerr.Class != ClassRateLimit {
		t.Errorf("error = %v, want rate_limit-classified", err)
	}
	if got := mock.GetRequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestDo_TimeoutIsNetworkError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/slow", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{}`,
		Delay:      200 * time.Millisecond,
	})

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.RequestTimeout = 20 * time.Millisecond
		cfg.MaxRetries = 0
	})

	_, err := c.Get(context.Background(), "/api/slow")
	var uerr *Error
	if !errors.As(err, &uerr) || uerr.Class != ClassNetwork {
		t.Fatalf("error = %v, want network-classified timeout", err)
	}
}

func TestDo_BreakerOpensPerPartition(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(1, testutil.NewServerErrorResponse())
	mock.SetContainersResponse(2, testutil.NewHealthyResponse(`[]`))

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.Breaker = breaker.Config{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
		}
	})
	ctx := context.Background()

	// Trip endpoint:1.
	for i := 0; i < 2; i++ {
		if _, err := c.Get(ctx, "/api/endpoints/1/docker/containers/json"); err == nil {
			t.Fatal("expected server error")
		}
	}

	before := mock.GetRequestCount()

	// The open breaker rejects without contacting the upstream.
	_, err := c.Get(ctx, "/api/endpoints/1/docker/containers/json")
	openErr, ok := IsBreakerOpen(err)
	if !ok {
		t.Fatalf("error = %v, want breaker open", err)
	}
	if openErr.Partition != "endpoint:1" {
		t.Errorf("Partition = %q, want endpoint:1", openErr.Partition)
	}
	if openErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", openErr.RetryAfter)
	}
	if got := mock.GetRequestCount(); got != before {
		t.Errorf("requests = %d, want %d (open breaker must not call upstream)", got, before)
	}

	// Healthy partition keeps working.
	if _, err := c.Get(ctx, "/api/endpoints/2/docker/containers/json"); err != nil {
		t.Errorf("healthy partition failed: %v", err)
	}

	snaps := c.BreakerSnapshots()
	if snaps["endpoint:1"].State != breaker.StateOpen {
		t.Errorf("endpoint:1 = %s, want open", snaps["endpoint:1"].State)
	}
	if snaps["endpoint:2"].State != breaker.StateClosed {
		t.Errorf("endpoint:2 = %s, want closed", snaps["endpoint:2"].State)
	}
}

func TestDo_AuthErrorsDoNotTripBreaker(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(1, testutil.NewAuthErrorResponse())

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.Breaker = breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Get(ctx, "/api/endpoints/1/docker/containers/json"); err == nil {
			t.Fatal("expected auth error")
		}
	}

	if state := c.BreakerSnapshots()["endpoint:1"].State; state != breaker.StateClosed {
		t.Errorf("breaker state = %s, want closed (auth must not trip)", state)
	}
}

func TestResetBreakers(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetContainersResponse(1, testutil.NewServerErrorResponse())

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.Breaker = breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}
	})
	ctx := context.Background()

	_, _ = c.Get(ctx, "/api/endpoints/1/docker/containers/json")
	if state := c.BreakerSnapshots()["endpoint:1"].State; state != breaker.StateOpen {
		t.Fatalf("state = %s, want open", state)
	}

	c.ResetBreakers()
	if state := c.BreakerSnapshots()["endpoint:1"].State; state != breaker.StateClosed {
		t.Errorf("state after reset = %s, want closed", state)
	}
}

func TestDo_ConcurrencyLimit(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/slow", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{}`,
		Delay:      50 * time.Millisecond,
	})

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.MaxConcurrent = 2
	})
	ctx := context.Background()

	// 4 requests through a 2-slot semaphore take at least two delay rounds.
	start := time.Now()
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := c.Get(ctx, "/api/slow")
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("4 requests finished in %v, want >= 100ms with 2 concurrent slots", elapsed)
	}
}
