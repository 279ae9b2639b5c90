package gateio

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

func newTestReader(t *testing.T, handler http.Handler) *Reader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := fetcher.New("gateio", appconfig.FetcherConfig{
		Timeout: 2 * time.Second,
		Retry:   appconfig.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return New(appconfig.GateioSourceConfig{URL: srv.URL}, f)
}

func TestFetchCurrentRates(t *testing.T) {
	r := newTestReader(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v4/futures/usdt/contracts" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		w.Write([]byte(`[
			{"name":"BTC_USDT","funding_rate":"0.0001","funding_interval":28800,"funding_next_apply":1700028800},
			{"name":"ETH_USDT","funding_rate":"0.0002","funding_interval":14400,"funding_next_apply":1700014400},
			{"name":"BTC_USD","funding_rate":"0.0001","funding_interval":28800,"funding_next_apply":0},
			{"name":"DEAD_USDT","funding_rate":"","funding_interval":28800,"funding_next_apply":0}
		]`))
	}))

	out := r.FetchCurrentRates(context.Background())
	if out.Status != models.StatusSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.Records) != 2 {
		t.Fatalf("only USDT contracts with a rate survive, got %d", len(out.Records))
	}

	byName := map[string]models.RateRecord{}
	for _, rec := range out.Records {
		byName[rec.Symbol] = rec
	}
	// funding_interval arrives in seconds
	btc := byName["BTC"]
	if btc.SettlementIntervalHours != 8 || btc.IsNonStandardInterval {
		t.Fatalf("BTC interval: %+v", btc)
	}
	if btc.NextFundingTime == "" {
		t.Fatalf("BTC should carry the next funding time: %+v", btc)
	}
	eth := byName["ETH"]
	if eth.SettlementIntervalHours != 4 || !eth.IsNonStandardInterval {
		t.Fatalf("ETH interval: %+v", eth)
	}
}

func TestFetchCurrentRatesFailure(t *testing.T) {
	r := newTestReader(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	out := r.FetchCurrentRates(context.Background())
	if out.Status != models.StatusTotalFailure || out.Err == nil {
		t.Fatalf("expected total failure, got %+v", out)
	}
}
