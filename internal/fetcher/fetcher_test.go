package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "perpflow/config"
)

func testConfig() appconfig.FetcherConfig {
	return appconfig.FetcherConfig{
		Timeout: 2 * time.Second,
		Retry: appconfig.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		},
	}
}

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","rate":"0.0001"}`))
	}))
	defer srv.Close()

	f := New("binance", testConfig())
	var out struct {
		Symbol string `json:"symbol"`
		Rate   string `json:"rate"`
	}
	if err := f.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Symbol != "BTCUSDT" || out.Rate != "0.0001" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New("bybit", testConfig())
	var out struct {
		OK bool `json:"ok"`
	}
	if err := f.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !out.OK {
		t.Fatal("expected decoded body after retry")
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New("okx", testConfig())
	var out map[string]any
	err := f.GetJSON(context.Background(), srv.URL, &out)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", got)
	}
	fe, ok := IsFetchError(err)
	if !ok {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.StatusCode != http.StatusNotFound || fe.Attempts != 1 {
		t.Fatalf("unexpected error detail: %+v", fe)
	}
}

func TestExhaustedAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New("bitget", testConfig())
	var out map[string]any
	err := f.GetJSON(context.Background(), srv.URL, &out)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	fe, ok := IsFetchError(err)
	if !ok {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.Attempts != 3 || fe.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected error detail: %+v", fe)
	}
}

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.BaseDelay = 20 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	f := New("binance", cfg)

	var out map[string]any
	if err := f.GetJSON(context.Background(), srv.URL, &out); err == nil {
		t.Fatal("expected error when every attempt fails")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(arrivals))
	}
	gaps := make([]time.Duration, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		gaps = append(gaps, arrivals[i].Sub(arrivals[i-1]))
	}
	if gaps[0] < cfg.Retry.BaseDelay {
		t.Fatalf("first retry fired before the base delay: %v", gaps[0])
	}
	// Scheduling jitter allowance. The handler does no work, so gaps track
	// the backoff delays closely.
	const slack = 5 * time.Millisecond
	for i, gap := range gaps {
		if gap > cfg.Retry.MaxDelay+100*time.Millisecond {
			t.Fatalf("gap %d exceeds the delay cap: %v", i, gap)
		}
		if i > 0 && gap+slack < gaps[i-1] {
			t.Fatalf("delays must not shrink: %v then %v", gaps[i-1], gap)
		}
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retry.BaseDelay = 500 * time.Millisecond
	cfg.Retry.MaxDelay = time.Second
	f := New("gateio", cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out map[string]any
	start := time.Now()
	err := f.GetJSON(ctx, srv.URL, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation should stop the retry loop quickly, took %v", elapsed)
	}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		w.Write([]byte(`[{"funding":"0.0000125"}]`))
	}))
	defer srv.Close()

	f := New("hyperliquid", testConfig())
	var out []struct {
		Funding string `json:"funding"`
	}
	req := map[string]string{"type": "metaAndAssetCtxs"}
	if err := f.PostJSON(context.Background(), srv.URL, req, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if len(out) != 1 || out[0].Funding != "0.0000125" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}
