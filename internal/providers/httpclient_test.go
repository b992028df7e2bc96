package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    10,
		MaxDelayMs:        100,
		BackoffMultiplier: 2,
		JitterFactor:      0,
	}
}

// A 429 with Retry-After is retried after the advertised delay and leaves no
// trace on the successful response.
func TestPostRetriesOn429WithRetryAfter(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewRetryClient(testRetryConfig(), nil, nil)
	start := time.Now()
	resp, err := c.Post(context.Background(), "p1", srv.URL, nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if got := posts.Load(); got != 2 {
		t.Errorf("posts = %d", got)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed = %v, want >= 1s", elapsed)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestPostExhaustsRetriesOn500(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	cfg := testRetryConfig()
	cfg.MaxRetries = 2
	c := NewRetryClient(cfg, nil, nil)
	_, err := c.Post(context.Background(), "p1", srv.URL, nil, []byte(`{}`))
	if !engine.IsKind(err, engine.KindUpstream) {
		t.Fatalf("err = %v", err)
	}
	e := err.(*engine.Error)
	if e.Status != 500 || !e.Retryable || e.Message != "overloaded" {
		t.Errorf("error = %+v", e)
	}
	// Initial attempt plus two retries.
	if got := posts.Load(); got != 3 {
		t.Errorf("posts = %d", got)
	}
}

func TestPostDoesNotRetry400(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad previous_response_id","code":"invalid_value","param":"previous_response_id"}}`))
	}))
	defer srv.Close()

	c := NewRetryClient(testRetryConfig(), nil, nil)
	_, err := c.Post(context.Background(), "p1", srv.URL, nil, []byte(`{}`))
	e, ok := err.(*engine.Error)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if e.Status != 400 || e.Code != "invalid_value" || e.Param != "previous_response_id" || e.Retryable {
		t.Errorf("error = %+v", e)
	}
	if got := posts.Load(); got != 1 {
		t.Errorf("posts = %d", got)
	}
}

func TestPostAbortsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewRetryClient(testRetryConfig(), nil, nil)
	_, err := c.Post(ctx, "p1", srv.URL, nil, []byte(`{}`))
	if !engine.IsKind(err, engine.KindAbort) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	policy := NewRetryClient(testRetryConfig(), nil, nil).policy

	if d := retryDelay("2", policy, 1); d != 2*time.Second {
		t.Errorf("seconds delay = %v", d)
	}
	date := time.Now().Add(90 * time.Millisecond).UTC().Format(http.TimeFormat)
	if d := retryDelay(date, policy, 1); d > 2*time.Second {
		t.Errorf("date delay = %v", d)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if d := retryDelay(past, policy, 1); d != 0 {
		t.Errorf("past date delay = %v", d)
	}
	// No header falls back to the backoff policy (jitter 0 → exact).
	if d := retryDelay("", policy, 1); d != 10*time.Millisecond {
		t.Errorf("backoff delay = %v", d)
	}
}

func TestParseUpstreamErrorFallback(t *testing.T) {
	e := parseUpstreamError(502, []byte("<html>bad gateway</html>"))
	if e.Status != 502 || e.Message != "upstream returned 502" {
		t.Errorf("error = %+v", e)
	}
}
