// Package hyperliquid normalizes HyperLiquid perpetual funding data. The
// info endpoint is a single POST returning the asset universe paired
// positionally with per-asset contexts. Funding settles hourly, so every
// record carries a one-hour interval.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	appconfig "perpflow/config"
	"perpflow/internal/fetcher"
	"perpflow/internal/metrics"
	"perpflow/internal/models"
)

const (
	defaultURL = "https://api.hyperliquid.xyz"

	// settlementIntervalHours is fixed; HyperLiquid settles funding hourly.
	settlementIntervalHours = 1
)

// Reader implements the adapter contract against the HyperLiquid info API.
type Reader struct {
	baseURL string
	fetch   *fetcher.Fetcher
}

// New builds a HyperLiquid reader.
func New(cfg appconfig.HyperliquidSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	return &Reader{baseURL: base, fetch: f}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeHyperliquid }

type metadata struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type assetContext struct {
	Funding string `json:"funding"`
}

// FetchCurrentRates posts {type: metaAndAssetCtxs}. The response is a
// two-element array: metadata first, then the context list aligned by index
// with the universe.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var raw []json.RawMessage
	body := map[string]string{"type": "metaAndAssetCtxs"}
	if err := r.fetch.PostJSON(ctx, r.baseURL+"/info", body, &raw); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("hyperliquid info: %w", err))
	}
	if len(raw) < 2 {
		return models.Failure[models.RateRecord](fmt.Errorf("hyperliquid info: expected [meta, contexts], got %d elements", len(raw)))
	}

	var meta metadata
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("hyperliquid metadata: %w", err))
	}
	var contexts []assetContext
	if err := json.Unmarshal(raw[1], &contexts); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("hyperliquid asset contexts: %w", err))
	}

	records := make([]models.RateRecord, 0, len(meta.Universe))
	dropped := 0
	for i, asset := range meta.Universe {
		if i >= len(contexts) {
			dropped++
			continue
		}
		rate, err := strconv.ParseFloat(contexts[i].Funding, 64)
		if err != nil {
			dropped++
			continue
		}
		rec, ok := models.NewRateRecord(asset.Name, models.ExchangeHyperliquid, rate, settlementIntervalHours)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}

	metrics.IncrementAccepted("hyperliquid", "rates", len(records))
	metrics.IncrementDropped("hyperliquid", "rates", dropped)
	return models.Success(records, dropped)
}

// FetchCandles is not wired for HyperLiquid.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	return models.Unsupported[models.Candle]()
}

// FetchOpenInterestHistory is not wired for HyperLiquid.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}
