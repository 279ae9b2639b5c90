// Package gateio normalizes Gate.io v4 USDT-perpetual contract data. The
// contracts listing carries both the funding rate and the settlement
// interval, so rates need a single request.
package gateio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	appconfig "perpflow/config"
	"perpflow/internal/fetcher"
	"perpflow/internal/metrics"
	"perpflow/internal/models"
)

const defaultURL = "https://api.gateio.ws"

// Reader implements the adapter contract against the Gate.io v4 REST API.
type Reader struct {
	baseURL string
	fetch   *fetcher.Fetcher
}

// New builds a Gate.io reader.
func New(cfg appconfig.GateioSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	return &Reader{baseURL: base, fetch: f}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeGateio }

// FetchCurrentRates reads the USDT contracts listing. funding_interval is
// in seconds; funding_next_apply is a unix-seconds timestamp.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var contracts []struct {
		Name             string `json:"name"`
		FundingRate      string `json:"funding_rate"`
		FundingInterval  int64  `json:"funding_interval"`
		FundingNextApply int64  `json:"funding_next_apply"`
	}
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/api/v4/futures/usdt/contracts", &contracts); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("gateio contracts: %w", err))
	}

	records := make([]models.RateRecord, 0, len(contracts))
	dropped := 0
	for _, item := range contracts {
		if !strings.HasSuffix(item.Name, "_USDT") || item.FundingRate == "" {
			continue
		}
		rate, err := strconv.ParseFloat(item.FundingRate, 64)
		if err != nil {
			dropped++
			continue
		}
		interval := float64(item.FundingInterval) / 3600
		rec, ok := models.NewRateRecord(item.Name, models.ExchangeGateio, rate, interval)
		if !ok {
			dropped++
			continue
		}
		if item.FundingNextApply > 0 {
			rec.NextFundingTime = time.Unix(item.FundingNextApply, 0).UTC().Format(time.RFC3339)
		}
		records = append(records, rec)
	}

	metrics.IncrementAccepted("gateio", "rates", len(records))
	metrics.IncrementDropped("gateio", "rates", dropped)
	return models.Success(records, dropped)
}

// FetchCandles is not wired for Gate.io.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	return models.Unsupported[models.Candle]()
}

// FetchOpenInterestHistory is not wired for Gate.io.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}
