// Package bitget normalizes Bitget v2 USDT-futures market data.
package bitget

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	appconfig "perpflow/config"
	"perpflow/internal/fetcher"
	"perpflow/internal/metrics"
	"perpflow/internal/models"
	"perpflow/logger"
)

const defaultURL = "https://api.bitget.com"

// Reader implements the adapter contract against the Bitget v2 REST API.
type Reader struct {
	baseURL string
	fetch   *fetcher.Fetcher
	log     *logger.Entry
}

// New builds a Bitget reader.
func New(cfg appconfig.BitgetSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	return &Reader{
		baseURL: base,
		fetch:   f,
		log:     logger.GetLogger().WithComponent("bitget_reader"),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeBitget }

// envelope is Bitget's common v2 response wrapper.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (e envelope[T]) ok() error {
	if e.Code != "" && e.Code != "00000" {
		return fmt.Errorf("bitget code %s: %s", e.Code, e.Msg)
	}
	return nil
}

// FetchCurrentRates combines USDT-futures tickers with contract metadata
// carrying fundInterval hours.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var tickers envelope[[]struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"fundingRate"`
	}]
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/api/v2/mix/market/tickers?productType=USDT-FUTURES", &tickers); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("bitget tickers: %w", err))
	}
	if err := tickers.ok(); err != nil {
		return models.Failure[models.RateRecord](err)
	}

	intervals := make(map[string]float64)
	var contracts envelope[[]struct {
		Symbol       string `json:"symbol"`
		FundInterval string `json:"fundInterval"`
	}]
	infoErr := r.fetch.GetJSON(ctx, r.baseURL+"/api/v2/mix/market/contracts?productType=USDT-FUTURES", &contracts)
	if infoErr == nil {
		infoErr = contracts.ok()
	}
	if infoErr == nil {
		for _, contract := range contracts.Data {
			if hours, err := strconv.ParseFloat(contract.FundInterval, 64); err == nil && hours > 0 {
				intervals[contract.Symbol] = hours
			}
		}
	} else {
		r.log.WithError(infoErr).Warn("contract metadata unavailable, assuming default interval")
	}

	records := make([]models.RateRecord, 0, len(tickers.Data))
	dropped := 0
	for _, item := range tickers.Data {
		if item.Symbol == "" || item.FundingRate == "" {
			continue
		}
		rate, err := strconv.ParseFloat(item.FundingRate, 64)
		if err != nil {
			dropped++
			continue
		}
		rec, ok := models.NewRateRecord(item.Symbol, models.ExchangeBitget, rate, intervals[item.Symbol])
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}

	metrics.IncrementAccepted("bitget", "rates", len(records))
	metrics.IncrementDropped("bitget", "rates", dropped)
	if infoErr != nil {
		return models.Partial(records, dropped, fmt.Errorf("bitget contracts: %w", infoErr))
	}
	return models.Success(records, dropped)
}

// FetchCandles is not wired for Bitget; the candle aggregate uses the spot
// venues.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	return models.Unsupported[models.Candle]()
}

// FetchOpenInterestHistory is not available on Bitget's public surface.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}

// FetchOpenInterest reads the current open interest for one contract. The
// caller passes the plain pair; Bitget's v1 endpoint wants the _UMCBL form.
func (r *Reader) FetchOpenInterest(ctx context.Context, symbol string) (models.ExchangeOpenInterest, error) {
	var resp envelope[struct {
		Amount string `json:"amount"`
	}]
	url := fmt.Sprintf("%s/api/mix/v1/market/open-interest?symbol=%s_UMCBL", r.baseURL, symbol)
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("bitget open interest: %w", err)
	}
	if err := resp.ok(); err != nil {
		return models.ExchangeOpenInterest{}, err
	}
	amount, err := strconv.ParseFloat(resp.Data.Amount, 64)
	if err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("bitget open interest for %s: %w", symbol, err)
	}
	return models.ExchangeOpenInterest{Exchange: models.ExchangeBitget, Amount: amount}, nil
}
