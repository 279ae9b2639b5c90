// Package coinbase normalizes Coinbase Advanced Trade candle data. Coinbase
// lists no USDT perpetuals, so the adapter serves the candle capability
// only.
package coinbase

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

const (
	defaultURL = "https://api.coinbase.com"

	// candlesPageMax is the Advanced Trade per-request candle cap.
	candlesPageMax = 350
)

// Reader implements the candle slice of the adapter contract against the
// Coinbase Advanced Trade API.
type Reader struct {
	baseURL string
	fetch   *fetcher.Fetcher
}

// New builds a Coinbase reader.
func New(cfg appconfig.CoinbaseSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	return &Reader{baseURL: base, fetch: f}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeCoinbase }

// FetchCurrentRates is not available; Coinbase lists no perpetuals.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	return models.Unsupported[models.RateRecord]()
}

type candleItem struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// CandlePageMax reports the product candles per-request cap.
func (r *Reader) CandlePageMax() int { return candlesPageMax }

// FetchCandles reads brokerage product candles. The window derives from
// limit and granularity; timestamps arrive in unix seconds, newest first.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	if limit <= 0 || limit > candlesPageMax {
		limit = candlesPageMax
	}
	granularity, ok := granularities[interval]
	if !ok {
		return models.Failure[models.Candle](fmt.Errorf("coinbase candles: unsupported interval %q", interval))
	}

	end := endTime / 1000
	if endTime <= 0 {
		end = time.Now().Unix()
	}
	step := granularitySeconds[interval]
	start := end - int64(limit)*step

	url := fmt.Sprintf("%s/api/v3/brokerage/market/products/%s-USD/candles?start=%d&end=%d&granularity=%s",
		r.baseURL, symbol, start, end, granularity)

	var resp struct {
		Candles []candleItem `json:"candles"`
	}
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.Failure[models.Candle](fmt.Errorf("coinbase candles: %w", err))
	}

	candles := make([]models.Candle, 0, len(resp.Candles))
	dropped := 0
	for _, item := range resp.Candles {
		c, ok := parseCandle(item, step)
		if !ok || !c.Valid() {
			dropped++
			continue
		}
		candles = append(candles, c)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	metrics.IncrementAccepted("coinbase", "candles", len(candles))
	metrics.IncrementDropped("coinbase", "candles", dropped)
	return models.Success(candles, dropped)
}

// FetchOpenInterestHistory is not available; Coinbase lists no perpetuals.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}

var granularities = map[string]string{
	"5m":  "FIVE_MINUTE",
	"15m": "FIFTEEN_MINUTE",
	"30m": "THIRTY_MINUTE",
	"1h":  "ONE_HOUR",
	"2h":  "TWO_HOUR",
	"6h":  "SIX_HOUR",
	"1d":  "ONE_DAY",
}

var granularitySeconds = map[string]int64{
	"5m":  5 * 60,
	"15m": 15 * 60,
	"30m": 30 * 60,
	"1h":  60 * 60,
	"2h":  2 * 60 * 60,
	"6h":  6 * 60 * 60,
	"1d":  24 * 60 * 60,
}

func parseCandle(item candleItem, stepSeconds int64) (models.Candle, bool) {
	start, err := strconv.ParseInt(item.Start, 10, 64)
	if err != nil {
		return models.Candle{}, false
	}
	values := make([]float64, 5)
	for i, s := range []string{item.Open, item.High, item.Low, item.Close, item.Volume} {
		values[i], err = strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, false
		}
	}
	ts := start * 1000
	return models.Candle{
		Timestamp: ts,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: ts + stepSeconds*1000 - 1,
	}, true
}
