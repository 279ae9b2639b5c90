// Package okx normalizes OKX v5 swap and spot market data. Funding rates
// require one request per instrument, so the rates fetch fans out with a
// bounded worker pool.
package okx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "perpflow/config"
	"perpflow/internal/fetcher"
	"perpflow/internal/metrics"
	"perpflow/internal/models"
	"perpflow/logger"
)

const (
	defaultURL                = "https://www.okx.com"
	defaultFundingConcurrency = 10

	// candlesPageMax is the market/candles per-request cap.
	candlesPageMax = 300
)

// Reader implements the adapter contract against the OKX v5 REST API.
type Reader struct {
	baseURL     string
	concurrency int
	fetch       *fetcher.Fetcher
	log         *logger.Entry
}

// New builds an OKX reader.
func New(cfg appconfig.OkxSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	concurrency := cfg.FundingConcurrency
	if concurrency <= 0 {
		concurrency = defaultFundingConcurrency
	}
	return &Reader{
		baseURL:     base,
		concurrency: concurrency,
		fetch:       f,
		log:         logger.GetLogger().WithComponent("okx_reader"),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeOkx }

// envelope is the common v5 response wrapper.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

func (e envelope[T]) ok() error {
	if e.Code != "" && e.Code != "0" {
		return fmt.Errorf("okx code %s: %s", e.Code, e.Msg)
	}
	return nil
}

type fundingRateItem struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

// FetchCurrentRates lists USDT swaps from mark-price, then fetches each
// instrument's funding rate concurrently. The settlement interval derives
// from nextFundingTime minus fundingTime; instrument metadata fills gaps.
// Individual instrument failures drop that instrument only.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var marks envelope[struct {
		InstID string `json:"instId"`
	}]
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/api/v5/public/mark-price?instType=SWAP", &marks); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("okx mark price: %w", err))
	}
	if err := marks.ok(); err != nil {
		return models.Failure[models.RateRecord](err)
	}

	var instruments []string
	for _, item := range marks.Data {
		if strings.HasSuffix(item.InstID, "-USDT-SWAP") {
			instruments = append(instruments, item.InstID)
		}
	}

	instrumentIntervals := r.fetchInstrumentIntervals(ctx)

	type result struct {
		rec models.RateRecord
		ok  bool
	}
	results := make([]result, len(instruments))
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, instID := range instruments {
		wg.Add(1)
		go func(i int, instID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rec, ok := r.fetchFundingRate(ctx, instID, instrumentIntervals)
			results[i] = result{rec: rec, ok: ok}
		}(i, instID)
	}
	wg.Wait()

	records := make([]models.RateRecord, 0, len(instruments))
	dropped := 0
	for _, res := range results {
		if !res.ok {
			dropped++
			continue
		}
		records = append(records, res.rec)
	}

	metrics.IncrementAccepted("okx", "rates", len(records))
	metrics.IncrementDropped("okx", "rates", dropped)
	if len(records) == 0 && len(instruments) > 0 {
		return models.Failure[models.RateRecord](fmt.Errorf("okx funding rates: all %d instruments failed", len(instruments)))
	}
	if dropped > 0 {
		return models.Partial(records, dropped, fmt.Errorf("okx funding rates: %d of %d instruments dropped", dropped, len(instruments)))
	}
	return models.Success(records, dropped)
}

// fetchInstrumentIntervals reads per-instrument fundingInterval metadata
// (milliseconds). A failure here only loses the fallback intervals.
func (r *Reader) fetchInstrumentIntervals(ctx context.Context) map[string]float64 {
	var resp envelope[struct {
		InstID          string `json:"instId"`
		FundingInterval string `json:"fundingInterval"`
	}]
	err := r.fetch.GetJSON(ctx, r.baseURL+"/api/v5/public/instruments?instType=SWAP", &resp)
	if err == nil {
		err = resp.ok()
	}
	if err != nil {
		r.log.WithError(err).Warn("instrument metadata unavailable, deriving intervals from funding times only")
		return nil
	}

	intervals := make(map[string]float64)
	for _, inst := range resp.Data {
		if !strings.HasSuffix(inst.InstID, "-USDT-SWAP") {
			continue
		}
		ms, err := strconv.ParseFloat(inst.FundingInterval, 64)
		if err != nil || ms <= 0 {
			continue
		}
		intervals[inst.InstID] = ms / float64(time.Hour/time.Millisecond)
	}
	return intervals
}

func (r *Reader) fetchFundingRate(ctx context.Context, instID string, fallback map[string]float64) (models.RateRecord, bool) {
	var resp envelope[fundingRateItem]
	url := fmt.Sprintf("%s/api/v5/public/funding-rate?instId=%s", r.baseURL, instID)
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.RateRecord{}, false
	}
	if resp.ok() != nil || len(resp.Data) == 0 {
		return models.RateRecord{}, false
	}
	item := resp.Data[0]

	rate, err := strconv.ParseFloat(item.FundingRate, 64)
	if err != nil {
		return models.RateRecord{}, false
	}

	next, _ := strconv.ParseInt(item.NextFundingTime, 10, 64)
	current, _ := strconv.ParseInt(item.FundingTime, 10, 64)
	interval := float64(next-current) / float64(time.Hour/time.Millisecond)
	if interval <= 0 {
		interval = fallback[instID]
	}

	rec, ok := models.NewRateRecord(item.InstID, models.ExchangeOkx, rate, interval)
	if !ok {
		return models.RateRecord{}, false
	}
	if next > 0 {
		rec.NextFundingTime = time.UnixMilli(next).UTC().Format(time.RFC3339)
	}
	if current > 0 {
		rec.FundingTime = time.UnixMilli(current).UTC().Format(time.RFC3339)
	}
	return rec, true
}

// CandlePageMax reports the market/candles per-request cap.
func (r *Reader) CandlePageMax() int { return candlesPageMax }

// FetchCandles reads spot candles. Rows are positional strings newest first:
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	if limit <= 0 || limit > candlesPageMax {
		limit = candlesPageMax
	}
	url := fmt.Sprintf("%s/api/v5/market/candles?instId=%s-USDT&bar=%s&limit=%d",
		r.baseURL, symbol, okxBar(interval), limit)
	if endTime > 0 {
		url += fmt.Sprintf("&after=%d", endTime)
	}

	var resp envelope[[]string]
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.Failure[models.Candle](fmt.Errorf("okx candles: %w", err))
	}
	if err := resp.ok(); err != nil {
		return models.Failure[models.Candle](err)
	}

	candles := make([]models.Candle, 0, len(resp.Data))
	dropped := 0
	for _, row := range resp.Data {
		c, ok := parseCandle(row, interval)
		if !ok || !c.Valid() {
			dropped++
			continue
		}
		candles = append(candles, c)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	metrics.IncrementAccepted("okx", "candles", len(candles))
	metrics.IncrementDropped("okx", "candles", dropped)
	return models.Success(candles, dropped)
}

// FetchOpenInterestHistory is not available on OKX's public v5 surface in
// the shape the aggregation needs.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}

// FetchSpotVolumes reads spot tickers. vol24h is base volume; the price
// change derives from last vs open24h.
func (r *Reader) FetchSpotVolumes(ctx context.Context) (map[string]models.VolumeQuote, error) {
	var resp envelope[struct {
		InstID  string `json:"instId"`
		Vol24h  string `json:"vol24h"`
		Last    string `json:"last"`
		Open24h string `json:"open24h"`
	}]
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/api/v5/market/tickers?instType=SPOT", &resp); err != nil {
		return nil, fmt.Errorf("okx spot tickers: %w", err)
	}
	if err := resp.ok(); err != nil {
		return nil, err
	}

	out := make(map[string]models.VolumeQuote)
	for _, item := range resp.Data {
		if !strings.HasSuffix(item.InstID, "-USDT") {
			continue
		}
		volume, _ := strconv.ParseFloat(item.Vol24h, 64)
		price, _ := strconv.ParseFloat(item.Last, 64)
		open, _ := strconv.ParseFloat(item.Open24h, 64)
		if volume <= 0 || price <= 0 {
			continue
		}
		change := 0.0
		if open > 0 {
			change = (price/open - 1) * 100
		}
		out[models.CanonicalSymbol(item.InstID)] = models.VolumeQuote{
			Volume:      volume * price,
			Price:       price,
			PriceChange: change,
		}
	}
	return out, nil
}

// FetchFundFlow derives taker net flow from recent spot trades.
func (r *Reader) FetchFundFlow(ctx context.Context, symbol string, largeOrderThreshold float64) (models.FundFlowStat, error) {
	pair := symbol + "-USDT"

	var trades envelope[struct {
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Side string `json:"side"`
	}]
	tradesURL := fmt.Sprintf("%s/api/v5/market/trades?instId=%s&limit=500", r.baseURL, pair)
	if err := r.fetch.GetJSON(ctx, tradesURL, &trades); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("okx trades: %w", err)
	}
	if err := trades.ok(); err != nil {
		return models.FundFlowStat{}, err
	}

	var ticker envelope[struct {
		Vol24h string `json:"vol24h"`
		Last   string `json:"last"`
	}]
	tickerURL := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", r.baseURL, pair)
	if err := r.fetch.GetJSON(ctx, tickerURL, &ticker); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("okx ticker: %w", err)
	}
	if err := ticker.ok(); err != nil {
		return models.FundFlowStat{}, err
	}

	var stat models.FundFlowStat
	for _, trade := range trades.Data {
		price, err1 := strconv.ParseFloat(trade.Px, 64)
		size, err2 := strconv.ParseFloat(trade.Sz, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		amount := price * size
		if amount >= largeOrderThreshold {
			stat.LargeOrdersCount++
		}
		if trade.Side == "buy" {
			stat.NetFlow += amount
		} else {
			stat.NetFlow -= amount
		}
	}

	if len(ticker.Data) > 0 {
		volume, _ := strconv.ParseFloat(ticker.Data[0].Vol24h, 64)
		price, _ := strconv.ParseFloat(ticker.Data[0].Last, 64)
		stat.Volume24h = volume * price
	}
	return stat, nil
}

// okxBar converts the shared interval token to an OKX bar token. Hour and
// day bars use upper case in OKX's UTC-aligned form.
func okxBar(interval string) string {
	switch interval {
	case "5m", "15m", "30m":
		return interval
	case "1h":
		return "1H"
	case "2h":
		return "2H"
	case "4h":
		return "4H"
	case "6h":
		return "6H"
	case "12h":
		return "12H"
	case "1d":
		return "1D"
	default:
		return "1H"
	}
}

func parseCandle(row []string, interval string) (models.Candle, bool) {
	if len(row) < 8 {
		return models.Candle{}, false
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, false
	}
	floats := make([]float64, 5)
	for i := 1; i < 6; i++ {
		floats[i-1], err = strconv.ParseFloat(row[i], 64)
		if err != nil {
			return models.Candle{}, false
		}
	}
	quote, _ := strconv.ParseFloat(row[7], 64)
	return models.Candle{
		Timestamp:   ts,
		Open:        floats[0],
		High:        floats[1],
		Low:         floats[2],
		Close:       floats[3],
		Volume:      floats[4],
		QuoteVolume: quote,
		CloseTime:   ts + intervalMillis(interval) - 1,
	}, true
}

func intervalMillis(interval string) int64 {
	switch interval {
	case "5m":
		return 5 * 60 * 1000
	case "15m":
		return 15 * 60 * 1000
	case "30m":
		return 30 * 60 * 1000
	case "2h":
		return 2 * 60 * 60 * 1000
	case "4h":
		return 4 * 60 * 60 * 1000
	case "6h":
		return 6 * 60 * 60 * 1000
	case "12h":
		return 12 * 60 * 60 * 1000
	case "1d":
		return 24 * 60 * 60 * 1000
	default:
		return 60 * 60 * 1000
	}
}
