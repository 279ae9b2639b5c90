package coinbase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "perpflow/config"
	"perpflow/internal/fetcher"
	"perpflow/internal/models"
)

func testFetcher() *fetcher.Fetcher {
	return fetcher.New("coinbase", appconfig.FetcherConfig{
		Timeout: 2 * time.Second,
		Retry:   appconfig.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func newTestReader(t *testing.T, handler http.Handler) *Reader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(appconfig.CoinbaseSourceConfig{URL: srv.URL}, testFetcher())
}

func TestFetchCandles(t *testing.T) {
	var gotGranularity, gotStart, gotEnd string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/brokerage/market/products/BTC-USD/candles", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotGranularity = q.Get("granularity")
		gotStart = q.Get("start")
		gotEnd = q.Get("end")
		w.Write([]byte(`{"candles":[
			{"start":"1700003600","open":"42100","high":"42400","low":"42000","close":"42300","volume":"12.5"},
			{"start":"1700000000","open":"42000","high":"42200","low":"41900","close":"42100","volume":"10.1"},
			{"start":"1699996400","open":"bad","high":"42100","low":"41800","close":"42000","volume":"9.3"}
		]}`))
	})

	out := newTestReader(t, mux).FetchCandles(context.Background(), "BTC", "1h", 2, 1700007200000)
	if out.Status != models.StatusSuccess {
		t.Fatalf("status %v err %v", out.Status, out.Err)
	}
	if gotGranularity != "ONE_HOUR" {
		t.Errorf("granularity = %q", gotGranularity)
	}
	if gotEnd != "1700007200" || gotStart != "1700000000" {
		t.Errorf("window start=%s end=%s", gotStart, gotEnd)
	}
	if len(out.Records) != 2 || out.Dropped != 1 {
		t.Fatalf("expected 2 kept and 1 dropped, got %d/%d", len(out.Records), out.Dropped)
	}
	first, second := out.Records[0], out.Records[1]
	if first.Timestamp != 1700000000000 || second.Timestamp != 1700003600000 {
		t.Errorf("candles must be ascending after reversal: %d, %d", first.Timestamp, second.Timestamp)
	}
	if first.CloseTime != 1700000000000+3600*1000-1 {
		t.Errorf("closeTime = %d", first.CloseTime)
	}
}

func TestFetchCandlesUnknownInterval(t *testing.T) {
	out := newTestReader(t, http.NewServeMux()).FetchCandles(context.Background(), "BTC", "3h", 10, 0)
	if out.Status != models.StatusTotalFailure {
		t.Fatalf("unknown interval must fail, got %v", out.Status)
	}
}

func TestCapabilitiesUnsupported(t *testing.T) {
	r := newTestReader(t, http.NewServeMux())
	if out := r.FetchCurrentRates(context.Background()); out.Status != models.StatusUnsupported {
		t.Errorf("rates must be unsupported, got %v", out.Status)
	}
	if out := r.FetchOpenInterestHistory(context.Background(), "BTCUSDT", "1h", 10, 0); out.Status != models.StatusUnsupported {
		t.Errorf("open interest history must be unsupported, got %v", out.Status)
	}
}
