// Package bybit normalizes Bybit v5 linear-perpetual and spot market data.
package bybit

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

const (
	defaultURL = "https://api.bybit.com"

	// openInterestPageMax is the v5 market/open-interest limit ceiling.
	openInterestPageMax = 200
	// klinePageMax is the v5 market/kline limit ceiling.
	klinePageMax = 1000
)

// Reader implements the adapter contract against the Bybit v5 REST API.
type Reader struct {
	baseURL string
	fetch   *fetcher.Fetcher
	log     *logger.Entry
}

// New builds a Bybit reader.
func New(cfg appconfig.BybitSourceConfig, f *fetcher.Fetcher) *Reader {
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultURL
	}
	return &Reader{
		baseURL: base,
		fetch:   f,
		log:     logger.GetLogger().WithComponent("bybit_reader"),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeBybit }

// envelope is the common v5 response wrapper.
type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

func (e envelope[T]) ok() error {
	if e.RetCode != 0 {
		return fmt.Errorf("bybit retCode %d: %s", e.RetCode, e.RetMsg)
	}
	return nil
}

type listResult[T any] struct {
	List []T `json:"list"`
}

// FetchCurrentRates combines linear tickers with instruments-info interval
// metadata. fundingInterval arrives in minutes.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var tickers envelope[listResult[struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"fundingRate"`
	}]]
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/v5/market/tickers?category=linear", &tickers); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("bybit tickers: %w", err))
	}
	if err := tickers.ok(); err != nil {
		return models.Failure[models.RateRecord](err)
	}

	intervals := make(map[string]float64)
	var instruments envelope[listResult[struct {
		Symbol          string `json:"symbol"`
		FundingInterval int    `json:"fundingInterval"`
	}]]
	infoErr := r.fetch.GetJSON(ctx, r.baseURL+"/v5/market/instruments-info?category=linear&limit=1000", &instruments)
	if infoErr == nil {
		infoErr = instruments.ok()
	}
	if infoErr == nil {
		for _, inst := range instruments.Result.List {
			if inst.FundingInterval > 0 {
				intervals[inst.Symbol] = float64(inst.FundingInterval) / 60
			}
		}
	} else {
		r.log.WithError(infoErr).Warn("instrument metadata unavailable, assuming default interval")
	}

	records := make([]models.RateRecord, 0, len(tickers.Result.List))
	dropped := 0
	for _, item := range tickers.Result.List {
		if !strings.HasSuffix(item.Symbol, "USDT") || item.FundingRate == "" {
			continue
		}
		rate, err := strconv.ParseFloat(item.FundingRate, 64)
		if err != nil {
			dropped++
			continue
		}
		rec, ok := models.NewRateRecord(item.Symbol, models.ExchangeBybit, rate, intervals[item.Symbol])
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}

	metrics.IncrementAccepted("bybit", "rates", len(records))
	metrics.IncrementDropped("bybit", "rates", dropped)
	if infoErr != nil {
		return models.Partial(records, dropped, fmt.Errorf("bybit instruments info: %w", infoErr))
	}
	return models.Success(records, dropped)
}

// CandlePageMax reports the kline per-request cap.
func (r *Reader) CandlePageMax() int { return klinePageMax }

// OpenInterestPageMax reports the open-interest per-request cap.
func (r *Reader) OpenInterestPageMax() int { return openInterestPageMax }

// FetchCandles reads spot klines. Bybit returns bars newest first as
// positional string arrays without taker-buy or trade-count fields.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	if limit <= 0 || limit > klinePageMax {
		limit = klinePageMax
	}
	url := fmt.Sprintf("%s/v5/market/kline?category=spot&symbol=%s&interval=%s&limit=%d",
		r.baseURL, symbol, bybitInterval(interval), limit)
	if endTime > 0 {
		url += fmt.Sprintf("&end=%d", endTime)
	}

	var resp envelope[listResult[[]string]]
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.Failure[models.Candle](fmt.Errorf("bybit klines: %w", err))
	}
	if err := resp.ok(); err != nil {
		return models.Failure[models.Candle](err)
	}

	candles := make([]models.Candle, 0, len(resp.Result.List))
	dropped := 0
	for _, row := range resp.Result.List {
		c, ok := parseKline(row, interval)
		if !ok || !c.Valid() {
			dropped++
			continue
		}
		candles = append(candles, c)
	}
	// newest first upstream, callers expect oldest first
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	metrics.IncrementAccepted("bybit", "candles", len(candles))
	metrics.IncrementDropped("bybit", "candles", dropped)
	return models.Success(candles, dropped)
}

// FetchOpenInterestHistory reads v5 market/open-interest for the linear
// contract. Bybit reports contract count only, so the notional value field
// stays zero.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	if limit <= 0 || limit > openInterestPageMax {
		limit = openInterestPageMax
	}
	url := fmt.Sprintf("%s/v5/market/open-interest?category=linear&symbol=%s&intervalTime=%s&limit=%d",
		r.baseURL, symbol, bybitOIPeriod(period), limit)
	if endTime > 0 {
		url += fmt.Sprintf("&endTime=%d", endTime)
	}

	var resp envelope[listResult[struct {
		OpenInterest string `json:"openInterest"`
		Timestamp    string `json:"timestamp"`
	}]]
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.Failure[models.OpenInterestPoint](fmt.Errorf("bybit open interest: %w", err))
	}
	if err := resp.ok(); err != nil {
		return models.Failure[models.OpenInterestPoint](err)
	}

	points := make([]models.OpenInterestPoint, 0, len(resp.Result.List))
	dropped := 0
	for _, item := range resp.Result.List {
		oi, err1 := strconv.ParseFloat(item.OpenInterest, 64)
		ts, err2 := strconv.ParseInt(item.Timestamp, 10, 64)
		if err1 != nil || err2 != nil {
			dropped++
			continue
		}
		p := models.OpenInterestPoint{Timestamp: ts, Symbol: symbol, SumOpenInterest: oi}
		if !p.Valid() {
			dropped++
			continue
		}
		points = append(points, p)
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}

	metrics.IncrementAccepted("bybit", "open_interest", len(points))
	metrics.IncrementDropped("bybit", "open_interest", dropped)
	return models.Success(points, dropped)
}

// FetchOpenInterest reads the most recent open-interest sample for symbol.
func (r *Reader) FetchOpenInterest(ctx context.Context, symbol string) (models.ExchangeOpenInterest, error) {
	url := fmt.Sprintf("%s/v5/market/open-interest?category=linear&symbol=%s&intervalTime=5min&limit=1", r.baseURL, symbol)
	var resp envelope[listResult[struct {
		OpenInterest string `json:"openInterest"`
	}]]
	if err := r.fetch.GetJSON(ctx, url, &resp); err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("bybit open interest: %w", err)
	}
	if err := resp.ok(); err != nil {
		return models.ExchangeOpenInterest{}, err
	}
	if len(resp.Result.List) == 0 {
		return models.ExchangeOpenInterest{}, fmt.Errorf("bybit open interest for %s: empty result", symbol)
	}
	amount, err := strconv.ParseFloat(resp.Result.List[0].OpenInterest, 64)
	if err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("bybit open interest for %s: %w", symbol, err)
	}
	return models.ExchangeOpenInterest{Exchange: models.ExchangeBybit, Amount: amount}, nil
}

// FetchSpotVolumes reads spot tickers. volume24h is base volume;
// price24hPcnt is a fraction.
func (r *Reader) FetchSpotVolumes(ctx context.Context) (map[string]models.VolumeQuote, error) {
	var resp envelope[listResult[struct {
		Symbol       string `json:"symbol"`
		Volume24h    string `json:"volume24h"`
		LastPrice    string `json:"lastPrice"`
		Price24hPcnt string `json:"price24hPcnt"`
	}]]
	if err := r.fetch.GetJSON(ctx, r.baseURL+"/v5/market/tickers?category=spot", &resp); err != nil {
		return nil, fmt.Errorf("bybit spot tickers: %w", err)
	}
	if err := resp.ok(); err != nil {
		return nil, err
	}

	out := make(map[string]models.VolumeQuote)
	for _, item := range resp.Result.List {
		if !strings.HasSuffix(item.Symbol, "USDT") {
			continue
		}
		volume, _ := strconv.ParseFloat(item.Volume24h, 64)
		price, _ := strconv.ParseFloat(item.LastPrice, 64)
		pcnt, _ := strconv.ParseFloat(item.Price24hPcnt, 64)
		if volume <= 0 || price <= 0 {
			continue
		}
		out[models.CanonicalSymbol(item.Symbol)] = models.VolumeQuote{
			Volume:      volume * price,
			Price:       price,
			PriceChange: pcnt * 100,
		}
	}
	return out, nil
}

// FetchFundFlow derives taker net flow from the most recent spot trades.
func (r *Reader) FetchFundFlow(ctx context.Context, symbol string, largeOrderThreshold float64) (models.FundFlowStat, error) {
	pair := symbol + "USDT"

	var trades envelope[listResult[struct {
		Price string `json:"price"`
		Size  string `json:"size"`
		Side  string `json:"side"`
	}]]
	tradesURL := fmt.Sprintf("%s/v5/market/recent-trade?category=spot&symbol=%s&limit=1000", r.baseURL, pair)
	if err := r.fetch.GetJSON(ctx, tradesURL, &trades); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("bybit recent trades: %w", err)
	}
	if err := trades.ok(); err != nil {
		return models.FundFlowStat{}, err
	}

	var ticker envelope[listResult[struct {
		Volume24h string `json:"volume24h"`
	}]]
	tickerURL := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", r.baseURL, pair)
	if err := r.fetch.GetJSON(ctx, tickerURL, &ticker); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("bybit ticker: %w", err)
	}
	if err := ticker.ok(); err != nil {
		return models.FundFlowStat{}, err
	}

	var stat models.FundFlowStat
	for _, trade := range trades.Result.List {
		price, err1 := strconv.ParseFloat(trade.Price, 64)
		size, err2 := strconv.ParseFloat(trade.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		amount := price * size
		if amount >= largeOrderThreshold {
			stat.LargeOrdersCount++
		}
		if trade.Side == "Buy" {
			stat.NetFlow += amount
		} else {
			stat.NetFlow -= amount
		}
	}

	if len(ticker.Result.List) > 0 {
		stat.Volume24h, _ = strconv.ParseFloat(ticker.Result.List[0].Volume24h, 64)
	}
	return stat, nil
}

// bybitInterval converts the shared interval token to Bybit's kline token
// (minutes as bare numbers, D for days).
func bybitInterval(interval string) string {
	switch interval {
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	default:
		return "60"
	}
}

// bybitOIPeriod converts the shared period token to Bybit's intervalTime.
func bybitOIPeriod(period string) string {
	switch period {
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	case "1h":
		return "1h"
	case "4h":
		return "4h"
	case "1d":
		return "1d"
	default:
		return "1h"
	}
}

// parseKline decodes one positional spot kline row:
// [start, open, high, low, close, volume, turnover].
func parseKline(row []string, interval string) (models.Candle, bool) {
	if len(row) < 7 {
		return models.Candle{}, false
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, false
	}
	floats := make([]float64, 6)
	for i := 1; i < 7; i++ {
		floats[i-1], err = strconv.ParseFloat(row[i], 64)
		if err != nil {
			return models.Candle{}, false
		}
	}
	return models.Candle{
		Timestamp:   ts,
		Open:        floats[0],
		High:        floats[1],
		Low:         floats[2],
		Close:       floats[3],
		Volume:      floats[4],
		QuoteVolume: floats[5],
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
	case "1h":
		return 60 * 60 * 1000
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
