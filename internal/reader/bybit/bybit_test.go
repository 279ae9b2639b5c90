package bybit

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
	f := fetcher.New("bybit", appconfig.FetcherConfig{
		Timeout: 2 * time.Second,
		Retry:   appconfig.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return New(appconfig.BybitSourceConfig{URL: srv.URL}, f)
}

func TestFetchCurrentRates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","fundingRate":"0.0001"},
			{"symbol":"ETHUSDT","fundingRate":"0.0003"},
			{"symbol":"BTCPERP","fundingRate":"0.0001"},
			{"symbol":"NOFUNDUSDT","fundingRate":""}
		]}}`))
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"ETHUSDT","fundingInterval":240}
		]}}`))
	})
	r := newTestReader(t, mux)

	out := r.FetchCurrentRates(context.Background())
	if out.Status != models.StatusSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.Records) != 2 {
		t.Fatalf("non-USDT and empty-rate symbols must be skipped, got %d records", len(out.Records))
	}

	byName := map[string]models.RateRecord{}
	for _, rec := range out.Records {
		byName[rec.Symbol] = rec
	}
	// fundingInterval arrives in minutes
	if eth := byName["ETH"]; eth.SettlementIntervalHours != 4 || !eth.IsNonStandardInterval {
		t.Fatalf("ETH interval from instruments: %+v", eth)
	}
	if btc := byName["BTC"]; btc.SettlementIntervalHours != 8 {
		t.Fatalf("BTC must default to 8h: %+v", btc)
	}
}

func TestFetchCurrentRatesRetCodeError(t *testing.T) {
	r := newTestReader(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	out := r.FetchCurrentRates(context.Background())
	if out.Status != models.StatusTotalFailure {
		t.Fatalf("vendor retCode error must fail the batch, got %+v", out)
	}
}

func TestFetchOpenInterestHistoryAscending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/open-interest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"openInterest":"50100.0","timestamp":"1700007200000"},
			{"openInterest":"50000.0","timestamp":"1700003600000"}
		]}}`))
	})
	r := newTestReader(t, mux)

	out := r.FetchOpenInterestHistory(context.Background(), "BTCUSDT", "1h", 10, 0)
	if out.Status != models.StatusSuccess || len(out.Records) != 2 {
		t.Fatalf("expected 2 points, got %+v", out)
	}
	if out.Records[0].Timestamp >= out.Records[1].Timestamp {
		t.Fatalf("points must ascend after normalization: %+v", out.Records)
	}
}

func TestFetchCandlesAscending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/kline", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("interval"); got != "60" {
			t.Errorf("1h must map to bybit interval 60, got %q", got)
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			["1700003600000","42200","42600","42100","42400","98.1","4150000"],
			["1700000000000","42000","42500","41800","42200","120.5","5080000"]
		]}}`))
	})
	r := newTestReader(t, mux)

	out := r.FetchCandles(context.Background(), "BTCUSDT", "1h", 2, 0)
	if out.Status != models.StatusSuccess || len(out.Records) != 2 {
		t.Fatalf("expected 2 candles, got %+v", out)
	}
	if out.Records[0].Timestamp != 1700000000000 {
		t.Fatalf("candles must ascend: %+v", out.Records)
	}
	if out.Records[0].CloseTime != 1700003600000-1 {
		t.Fatalf("close time must derive from the interval: %d", out.Records[0].CloseTime)
	}
}

func TestFetchFundFlowSides(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/recent-trade", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"price":"42000","size":"3","side":"Buy"},
			{"price":"42000","size":"2","side":"Sell"}
		]}}`))
	})
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"volume24h":"123456.7"}]}}`))
	})
	r := newTestReader(t, mux)

	got, err := r.FetchFundFlow(context.Background(), "BTC", 100000)
	if err != nil {
		t.Fatalf("FetchFundFlow: %v", err)
	}
	if want := 42000.0*3 - 42000.0*2; got.NetFlow != want {
		t.Fatalf("net flow: got %v, want %v", got.NetFlow, want)
	}
	if got.LargeOrdersCount != 1 {
		t.Fatalf("only the 126k trade crosses the threshold, got %d", got.LargeOrdersCount)
	}
	if got.Volume24h != 123456.7 {
		t.Fatalf("24h volume: %v", got.Volume24h)
	}
}
