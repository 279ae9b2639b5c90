// Package binance normalizes Binance USDT-perpetual and spot market data.
package binance

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
	defaultFuturesURL = "https://fapi.binance.com"
	defaultSpotURL    = "https://api.binance.com"

	// openInterestPageMax is Binance's hard cap for openInterestHist.
	openInterestPageMax = 500
	// klinePageMax is Binance's hard cap for /api/v3/klines.
	klinePageMax = 1000
)

// Reader implements the adapter contract against the Binance REST API.
type Reader struct {
	futuresURL string
	spotURL    string
	fetch      *fetcher.Fetcher
	log        *logger.Entry
}

// New builds a Binance reader. Empty URLs fall back to the public endpoints.
func New(cfg appconfig.BinanceSourceConfig, f *fetcher.Fetcher) *Reader {
	futures := strings.TrimSuffix(cfg.FuturesURL, "/")
	if futures == "" {
		futures = defaultFuturesURL
	}
	spot := strings.TrimSuffix(cfg.SpotURL, "/")
	if spot == "" {
		spot = defaultSpotURL
	}
	return &Reader{
		futuresURL: futures,
		spotURL:    spot,
		fetch:      f,
		log:        logger.GetLogger().WithComponent("binance_reader"),
	}
}

func (r *Reader) Exchange() models.Exchange { return models.ExchangeBinance }

type premiumIndexItem struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

type fundingInfoItem struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

// FetchCurrentRates combines premiumIndex with fundingInfo interval
// metadata. A fundingInfo failure degrades to the default interval instead
// of failing the batch.
func (r *Reader) FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord] {
	var premium []premiumIndexItem
	if err := r.fetch.GetJSON(ctx, r.futuresURL+"/fapi/v1/premiumIndex", &premium); err != nil {
		return models.Failure[models.RateRecord](fmt.Errorf("binance premium index: %w", err))
	}

	intervals := make(map[string]float64)
	var infoErr error
	var info []fundingInfoItem
	if infoErr = r.fetch.GetJSON(ctx, r.futuresURL+"/fapi/v1/fundingInfo", &info); infoErr == nil {
		for _, item := range info {
			if item.FundingIntervalHours > 0 {
				intervals[item.Symbol] = float64(item.FundingIntervalHours)
			}
		}
	} else {
		r.log.WithError(infoErr).Warn("funding interval metadata unavailable, assuming default interval")
	}

	records := make([]models.RateRecord, 0, len(premium))
	dropped := 0
	for _, item := range premium {
		if !strings.HasSuffix(item.Symbol, "USDT") {
			continue
		}
		rate, err := strconv.ParseFloat(item.LastFundingRate, 64)
		if err != nil {
			dropped++
			continue
		}
		rec, ok := models.NewRateRecord(item.Symbol, models.ExchangeBinance, rate, intervals[item.Symbol])
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}

	metrics.IncrementAccepted("binance", "rates", len(records))
	metrics.IncrementDropped("binance", "rates", dropped)
	if infoErr != nil {
		return models.Partial(records, dropped, fmt.Errorf("binance funding info: %w", infoErr))
	}
	return models.Success(records, dropped)
}

// CandlePageMax reports the klines per-request cap.
func (r *Reader) CandlePageMax() int { return klinePageMax }

// OpenInterestPageMax reports the openInterestHist per-request cap.
func (r *Reader) OpenInterestPageMax() int { return openInterestPageMax }

// FetchCandles reads spot klines. Binance returns positional arrays, so each
// bar decodes from a mixed-type slice.
func (r *Reader) FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle] {
	if limit <= 0 || limit > klinePageMax {
		limit = klinePageMax
	}
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d", r.spotURL, symbol, interval, limit)
	if endTime > 0 {
		url += fmt.Sprintf("&endTime=%d", endTime)
	}

	var raw [][]any
	if err := r.fetch.GetJSON(ctx, url, &raw); err != nil {
		return models.Failure[models.Candle](fmt.Errorf("binance klines: %w", err))
	}

	candles := make([]models.Candle, 0, len(raw))
	dropped := 0
	for _, row := range raw {
		c, ok := parseKline(row)
		if !ok || !c.Valid() {
			dropped++
			continue
		}
		candles = append(candles, c)
	}

	metrics.IncrementAccepted("binance", "candles", len(candles))
	metrics.IncrementDropped("binance", "candles", dropped)
	return models.Success(candles, dropped)
}

// FetchOpenInterestHistory reads futures/data/openInterestHist.
func (r *Reader) FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint] {
	if limit <= 0 || limit > openInterestPageMax {
		limit = openInterestPageMax
	}
	url := fmt.Sprintf("%s/futures/data/openInterestHist?symbol=%s&period=%s&limit=%d", r.futuresURL, symbol, period, limit)
	if endTime > 0 {
		url += fmt.Sprintf("&endTime=%d", endTime)
	}

	var raw []struct {
		Symbol               string `json:"symbol"`
		SumOpenInterest      string `json:"sumOpenInterest"`
		SumOpenInterestValue string `json:"sumOpenInterestValue"`
		Timestamp            int64  `json:"timestamp"`
	}
	if err := r.fetch.GetJSON(ctx, url, &raw); err != nil {
		return models.Failure[models.OpenInterestPoint](fmt.Errorf("binance open interest history: %w", err))
	}

	points := make([]models.OpenInterestPoint, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		oi, err1 := strconv.ParseFloat(item.SumOpenInterest, 64)
		oiValue, err2 := strconv.ParseFloat(item.SumOpenInterestValue, 64)
		if err1 != nil || err2 != nil {
			dropped++
			continue
		}
		p := models.OpenInterestPoint{
			Timestamp:            item.Timestamp,
			Symbol:               item.Symbol,
			SumOpenInterest:      oi,
			SumOpenInterestValue: oiValue,
		}
		if !p.Valid() {
			dropped++
			continue
		}
		points = append(points, p)
	}

	metrics.IncrementAccepted("binance", "open_interest", len(points))
	metrics.IncrementDropped("binance", "open_interest", dropped)
	return models.Success(points, dropped)
}

// FetchOpenInterest reads the current futures open interest for one symbol.
func (r *Reader) FetchOpenInterest(ctx context.Context, symbol string) (models.ExchangeOpenInterest, error) {
	var raw struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
	}
	url := fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", r.futuresURL, symbol)
	if err := r.fetch.GetJSON(ctx, url, &raw); err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("binance open interest: %w", err)
	}
	amount, err := strconv.ParseFloat(raw.OpenInterest, 64)
	if err != nil {
		return models.ExchangeOpenInterest{}, fmt.Errorf("binance open interest for %s: %w", symbol, err)
	}
	return models.ExchangeOpenInterest{Exchange: models.ExchangeBinance, Amount: amount}, nil
}

// FetchSpotVolumes reads the spot 24h ticker sheet and converts base volume
// to quote notional.
func (r *Reader) FetchSpotVolumes(ctx context.Context) (map[string]models.VolumeQuote, error) {
	var raw []struct {
		Symbol             string `json:"symbol"`
		Volume             string `json:"volume"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := r.fetch.GetJSON(ctx, r.spotURL+"/api/v3/ticker/24hr", &raw); err != nil {
		return nil, fmt.Errorf("binance spot tickers: %w", err)
	}

	out := make(map[string]models.VolumeQuote)
	for _, item := range raw {
		if !strings.HasSuffix(item.Symbol, "USDT") {
			continue
		}
		volume, _ := strconv.ParseFloat(item.Volume, 64)
		price, _ := strconv.ParseFloat(item.LastPrice, 64)
		change, _ := strconv.ParseFloat(item.PriceChangePercent, 64)
		if volume <= 0 || price <= 0 {
			continue
		}
		out[models.CanonicalSymbol(item.Symbol)] = models.VolumeQuote{
			Volume:      volume * price,
			Price:       price,
			PriceChange: change,
		}
	}
	return out, nil
}

// FetchFundFlow derives taker net flow from the most recent aggregated
// trades. Buyer-maker trades count as sells.
func (r *Reader) FetchFundFlow(ctx context.Context, symbol string, largeOrderThreshold float64) (models.FundFlowStat, error) {
	pair := symbol + "USDT"

	var trades []struct {
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		IsBuyerMaker bool   `json:"m"`
	}
	tradesURL := fmt.Sprintf("%s/api/v3/aggTrades?symbol=%s&limit=1000", r.spotURL, pair)
	if err := r.fetch.GetJSON(ctx, tradesURL, &trades); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("binance agg trades: %w", err)
	}

	var ticker struct {
		Volume    string `json:"volume"`
		LastPrice string `json:"lastPrice"`
	}
	tickerURL := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", r.spotURL, pair)
	if err := r.fetch.GetJSON(ctx, tickerURL, &ticker); err != nil {
		return models.FundFlowStat{}, fmt.Errorf("binance 24h ticker: %w", err)
	}

	var stat models.FundFlowStat
	for _, trade := range trades {
		price, err1 := strconv.ParseFloat(trade.Price, 64)
		qty, err2 := strconv.ParseFloat(trade.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		amount := price * qty
		if amount >= largeOrderThreshold {
			stat.LargeOrdersCount++
		}
		if trade.IsBuyerMaker {
			stat.NetFlow -= amount
		} else {
			stat.NetFlow += amount
		}
	}

	volume, _ := strconv.ParseFloat(ticker.Volume, 64)
	price, _ := strconv.ParseFloat(ticker.LastPrice, 64)
	stat.Volume24h = volume * price
	return stat, nil
}

// parseKline decodes one positional kline row. Binance emits numbers for
// timestamps and strings for prices.
func parseKline(row []any) (models.Candle, bool) {
	if len(row) < 11 {
		return models.Candle{}, false
	}
	ts, ok := asInt64(row[0])
	if !ok {
		return models.Candle{}, false
	}
	closeTime, ok := asInt64(row[6])
	if !ok {
		return models.Candle{}, false
	}
	trades, _ := asInt64(row[8])

	floats := make([]float64, 0, 8)
	for _, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, ok := asFloat(row[idx])
		if !ok {
			return models.Candle{}, false
		}
		floats = append(floats, v)
	}

	return models.Candle{
		Timestamp:      ts,
		Open:           floats[0],
		High:           floats[1],
		Low:            floats[2],
		Close:          floats[3],
		Volume:         floats[4],
		CloseTime:      closeTime,
		QuoteVolume:    floats[5],
		Trades:         trades,
		BuyVolume:      floats[6],
		BuyQuoteVolume: floats[7],
	}, true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
