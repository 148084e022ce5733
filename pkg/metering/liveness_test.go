package metering

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func livenessServer(t *testing.T, status string, code int, calls *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer auth")
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSessionActive(t *testing.T) {
	var calls int32
	running := livenessServer(t, "running", http.StatusOK, &calls)
	ended := livenessServer(t, "ended", http.StatusOK, &calls)

	c, err := NewHTTPSessionChecker(running.URL, "token", WithCheckerHTTPClient(running.Client()))
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	active, err := c.SessionActive(context.Background(), "sess-1")
	if err != nil || !active {
		t.Fatalf("expected running session, got %v %v", active, err)
	}

	c, err = NewHTTPSessionChecker(ended.URL, "token", WithCheckerHTTPClient(ended.Client()))
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	active, err = c.SessionActive(context.Background(), "sess-1")
	if err != nil || active {
		t.Fatalf("expected ended session, got %v %v", active, err)
	}
}

func TestSessionActiveCheckFailureFailsClosed(t *testing.T) {
	var calls int32
	server := livenessServer(t, "", http.StatusInternalServerError, &calls)

	c, err := NewHTTPSessionChecker(server.URL, "token", WithCheckerHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	active, err := c.SessionActive(context.Background(), "sess-1")
	var merr *MeteringError
	if active || !errors.As(err, &merr) || merr.Op != OpLiveness {
		t.Fatalf("expected liveness metering error, got %v %v", active, err)
	}
}

func TestSessionActiveUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := NewRedisLivenessCacheFromClient(rdb)

	var calls int32
	server := livenessServer(t, "running", http.StatusOK, &calls)
	c, err := NewHTTPSessionChecker(server.URL, "token",
		WithCheckerHTTPClient(server.Client()),
		WithCache(cache, time.Minute),
	)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	for i := 0; i < 3; i++ {
		active, err := c.SessionActive(context.Background(), "sess-1")
		if err != nil || !active {
			t.Fatalf("attempt %d: expected running, got %v %v", i, active, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single check, got %d", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.SessionActive(context.Background(), "sess-1"); err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected a fresh check after ttl, got %d", got)
	}
}

func TestEndedSessionsAreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisLivenessCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	var calls int32
	server := livenessServer(t, "stopped", http.StatusOK, &calls)
	c, err := NewHTTPSessionChecker(server.URL, "token",
		WithCheckerHTTPClient(server.Client()),
		WithCache(cache, time.Minute),
	)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	for i := 0; i < 2; i++ {
		if active, _ := c.SessionActive(context.Background(), "sess-2"); active {
			t.Fatalf("expected ended session")
		}
	}
	if mr.Exists("pixelgate:session:sess-2") {
		t.Fatalf("ended session must not be cached")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected two checks, got %d", got)
	}
}
