package bitget

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
	return fetcher.New("bitget", appconfig.FetcherConfig{
		Timeout: 2 * time.Second,
		Retry:   appconfig.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func newTestReader(t *testing.T, handler http.Handler) *Reader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(appconfig.BitgetSourceConfig{URL: srv.URL}, testFetcher())
}

func TestFetchCurrentRates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/mix/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"00000","data":[
			{"symbol":"BTCUSDT","fundingRate":"0.0001"},
			{"symbol":"ETHUSDT","fundingRate":"0.0002"},
			{"symbol":"BADUSDT","fundingRate":"junk"}
		]}`))
	})
	mux.HandleFunc("/api/v2/mix/market/contracts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"00000","data":[
			{"symbol":"ETHUSDT","fundInterval":"4"}
		]}`))
	})

	out := newTestReader(t, mux).FetchCurrentRates(context.Background())
	if out.Status != models.StatusSuccess {
		t.Fatalf("status %v err %v", out.Status, out.Err)
	}
	if len(out.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out.Records))
	}
	byBase := map[string]models.RateRecord{}
	for _, rec := range out.Records {
		byBase[rec.Symbol] = rec
	}
	if byBase["BTC"].SettlementIntervalHours != 8 {
		t.Errorf("BTC defaults to 8h, got %v", byBase["BTC"].SettlementIntervalHours)
	}
	if byBase["ETH"].SettlementIntervalHours != 4 || !byBase["ETH"].IsNonStandardInterval {
		t.Errorf("ETH fundInterval 4 not applied: %+v", byBase["ETH"])
	}
}

func TestFetchCurrentRatesPartialOnContractsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/mix/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"00000","data":[{"symbol":"BTCUSDT","fundingRate":"0.0001"}]}`))
	})
	mux.HandleFunc("/api/v2/mix/market/contracts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	out := newTestReader(t, mux).FetchCurrentRates(context.Background())
	if out.Status != models.StatusPartialFailure {
		t.Fatalf("expected partial failure, got %v", out.Status)
	}
	if len(out.Records) != 1 || out.Records[0].SettlementIntervalHours != 8 {
		t.Fatalf("records must survive with default interval: %+v", out.Records)
	}
}

func TestFetchCurrentRatesVendorError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/mix/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"40001","msg":"param error","data":[]}`))
	})

	out := newTestReader(t, mux).FetchCurrentRates(context.Background())
	if out.Status != models.StatusTotalFailure {
		t.Fatalf("expected total failure on vendor error code, got %v", out.Status)
	}
}

func TestFetchOpenInterestUsesContractForm(t *testing.T) {
	var gotSymbol string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mix/v1/market/open-interest", func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		w.Write([]byte(`{"code":"00000","data":{"amount":"52341.5"}}`))
	})

	oi, err := newTestReader(t, mux).FetchOpenInterest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchOpenInterest: %v", err)
	}
	if gotSymbol != "BTCUSDT_UMCBL" {
		t.Errorf("v1 endpoint wants the _UMCBL form, got %q", gotSymbol)
	}
	if oi.Exchange != models.ExchangeBitget || oi.Amount != 52341.5 {
		t.Errorf("unexpected snapshot: %+v", oi)
	}
}

func TestCapabilitiesUnsupported(t *testing.T) {
	r := newTestReader(t, http.NewServeMux())
	if out := r.FetchCandles(context.Background(), "BTC", "1h", 10, 0); out.Status != models.StatusUnsupported {
		t.Errorf("candles must be unsupported, got %v", out.Status)
	}
	if out := r.FetchOpenInterestHistory(context.Background(), "BTCUSDT", "1h", 10, 0); out.Status != models.StatusUnsupported {
		t.Errorf("open interest history must be unsupported, got %v", out.Status)
	}
}
