// Package aggregator fans requests out across registered exchange adapters
// and merges the results into the payload shapes the API serves. One
// exchange failing never aborts the others; every aggregate reports
// per-exchange diagnostics instead.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "perpflow/config"
	"perpflow/internal/cache"
	"perpflow/internal/models"
	"perpflow/internal/paginate"
	"perpflow/internal/reader"
	"perpflow/logger"
)

// RatesAggregate is the merged funding-rate view plus per-exchange counts.
type RatesAggregate struct {
	Data        []models.RateRecord `json:"data"`
	Diagnostics map[string]int      `json:"diagnostics"`
}

// OpenInterestAggregate is the symbol-major current open-interest view.
type OpenInterestAggregate struct {
	Data        []models.OpenInterestSnapshot `json:"data"`
	Counts      map[string]int                `json:"counts"`
	LastUpdated string                        `json:"lastUpdated"`
}

// VolumeAggregate is the merged 24h spot volume ranking.
type VolumeAggregate struct {
	Timestamp int64                `json:"timestamp"`
	Data      []models.VolumeEntry `json:"data"`
}

// Aggregator coordinates adapters, pagination and the TTL cache.
type Aggregator struct {
	registry *reader.Registry
	cache    *cache.Cache
	cfg      appconfig.AggregatorConfig
	ttl      appconfig.CacheConfig
	log      *logger.Entry
}

// New wires an aggregator. The cache instance is shared with the broadcast
// refresher so both see the same entries.
func New(registry *reader.Registry, c *cache.Cache, cfg appconfig.AggregatorConfig, ttl appconfig.CacheConfig) *Aggregator {
	return &Aggregator{
		registry: registry,
		cache:    c,
		cfg:      cfg,
		ttl:      ttl,
		log:      logger.GetLogger().WithComponent("aggregator"),
	}
}

// Rates returns the merged funding rates, served from cache within the TTL.
func (a *Aggregator) Rates(ctx context.Context) (RatesAggregate, error) {
	v, err := a.cache.GetOrRefresh(ctx, "rates", a.ttl.RatesTTL, func(ctx context.Context) (any, error) {
		return a.aggregateRates(ctx)
	})
	if err != nil {
		return RatesAggregate{}, err
	}
	return v.(RatesAggregate), nil
}

// aggregateRates fans out to every adapter concurrently and joins the
// outcomes keyed by exchange. Partial results merge; zero rates drop at the
// end, mirroring how missing vendor data shows up as zeros.
func (a *Aggregator) aggregateRates(ctx context.Context) (RatesAggregate, error) {
	adapters := a.registry.All()

	type keyed struct {
		exchange models.Exchange
		outcome  models.Outcome[models.RateRecord]
	}
	results := make(chan keyed, len(adapters))
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter reader.Adapter) {
			defer wg.Done()
			results <- keyed{exchange: adapter.Exchange(), outcome: adapter.FetchCurrentRates(ctx)}
		}(adapter)
	}
	wg.Wait()
	close(results)

	diagnostics := make(map[string]int)
	var merged []models.RateRecord
	usable := 0
	for res := range results {
		switch res.outcome.Status {
		case models.StatusUnsupported:
			continue
		case models.StatusTotalFailure:
			a.log.WithError(res.outcome.Err).WithFields(logger.Fields{"exchange": res.exchange}).Warn("exchange contributed no rates")
			diagnostics[diagKey(res.exchange)] = 0
			continue
		}
		if res.outcome.Status == models.StatusPartialFailure {
			a.log.WithError(res.outcome.Err).WithFields(logger.Fields{
				"exchange": res.exchange,
				"records":  len(res.outcome.Records),
			}).Warn("exchange contributed partial rates")
		}
		kept := 0
		for _, rec := range res.outcome.Records {
			if !rec.Valid() {
				continue
			}
			merged = append(merged, rec)
			kept++
		}
		diagnostics[diagKey(res.exchange)] = kept
		if kept > 0 {
			usable++
		}
	}
	diagnostics["totalCount"] = len(merged)

	if usable == 0 {
		return RatesAggregate{}, fmt.Errorf("no exchange returned usable funding rates")
	}
	return RatesAggregate{Data: merged, Diagnostics: diagnostics}, nil
}

// Candles returns up to limit bars for symbol at interval, paginating the
// preferred candle source backwards when the request exceeds one page.
func (a *Aggregator) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	adapter, pageMax, err := a.candleSource()
	if err != nil {
		return nil, err
	}
	requested := paginate.ClampLimit(limit, interval)
	ctx, cancel := a.pageContext(ctx)
	defer cancel()

	return paginate.Collect(ctx, requested, pageMax,
		func(c models.Candle) int64 { return c.Timestamp },
		func(ctx context.Context, pageLimit int, endTime int64) ([]models.Candle, error) {
			out := adapter.FetchCandles(ctx, symbol, interval, pageLimit, endTime)
			if out.Status == models.StatusUnsupported {
				return nil, reader.ErrUnsupported
			}
			if !out.Usable() && out.Err != nil {
				return nil, out.Err
			}
			return out.Records, nil
		})
}

// OpenInterestHistory returns historical open-interest points, paginated
// the same way candles are.
func (a *Aggregator) OpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterestPoint, error) {
	adapter, pageMax, err := a.openInterestSource()
	if err != nil {
		return nil, err
	}
	requested := paginate.ClampLimit(limit, period)
	ctx, cancel := a.pageContext(ctx)
	defer cancel()

	return paginate.Collect(ctx, requested, pageMax,
		func(p models.OpenInterestPoint) int64 { return p.Timestamp },
		func(ctx context.Context, pageLimit int, endTime int64) ([]models.OpenInterestPoint, error) {
			out := adapter.FetchOpenInterestHistory(ctx, symbol, period, pageLimit, endTime)
			if out.Status == models.StatusUnsupported {
				return nil, reader.ErrUnsupported
			}
			if !out.Usable() && out.Err != nil {
				return nil, out.Err
			}
			return out.Records, nil
		})
}

// OpenInterest returns the current cross-exchange open-interest snapshot
// for the configured symbol set, cached at the snapshot TTL.
func (a *Aggregator) OpenInterest(ctx context.Context) (OpenInterestAggregate, error) {
	v, err := a.cache.GetOrRefresh(ctx, "open_interest", a.ttl.OpenInterestTTL, func(ctx context.Context) (any, error) {
		return a.aggregateOpenInterest(ctx)
	})
	if err != nil {
		return OpenInterestAggregate{}, err
	}
	return v.(OpenInterestAggregate), nil
}

func (a *Aggregator) aggregateOpenInterest(ctx context.Context) (OpenInterestAggregate, error) {
	type contribution struct {
		symbol string
		data   models.ExchangeOpenInterest
	}

	var fetchers []reader.OpenInterestSnapshotFetcher
	var exchanges []models.Exchange
	for _, adapter := range a.registry.All() {
		if f, ok := adapter.(reader.OpenInterestSnapshotFetcher); ok {
			fetchers = append(fetchers, f)
			exchanges = append(exchanges, adapter.Exchange())
		}
	}

	results := make(chan contribution, len(fetchers)*len(a.cfg.OpenInterestSymbols))
	var wg sync.WaitGroup
	for i, f := range fetchers {
		for _, symbol := range a.cfg.OpenInterestSymbols {
			wg.Add(1)
			go func(f reader.OpenInterestSnapshotFetcher, ex models.Exchange, symbol string) {
				defer wg.Done()
				data, err := f.FetchOpenInterest(ctx, symbol)
				if err != nil {
					a.log.WithError(err).WithFields(logger.Fields{"exchange": ex, "symbol": symbol}).Debug("open interest unavailable")
					return
				}
				results <- contribution{symbol: symbol, data: data}
			}(f, exchanges[i], symbol)
		}
	}
	wg.Wait()
	close(results)

	bySymbol := make(map[string]*models.OpenInterestSnapshot)
	counts := map[string]int{"total": 0}
	for res := range results {
		snap, ok := bySymbol[res.symbol]
		if !ok {
			snap = &models.OpenInterestSnapshot{Symbol: res.symbol}
			bySymbol[res.symbol] = snap
		}
		snap.ExchangeData = append(snap.ExchangeData, res.data)
		snap.TotalAmount += res.data.Amount
		counts[strings.ReplaceAll(strings.ToLower(string(res.data.Exchange)), ".", "")]++
		counts["total"]++
	}
	if counts["total"] == 0 {
		return OpenInterestAggregate{}, fmt.Errorf("no exchange returned open interest")
	}

	data := make([]models.OpenInterestSnapshot, 0, len(bySymbol))
	for _, snap := range bySymbol {
		sort.Slice(snap.ExchangeData, func(i, j int) bool {
			return snap.ExchangeData[i].Exchange < snap.ExchangeData[j].Exchange
		})
		data = append(data, *snap)
	}
	sort.Slice(data, func(i, j int) bool { return data[i].TotalAmount > data[j].TotalAmount })

	return OpenInterestAggregate{
		Data:        data,
		Counts:      counts,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Volume returns the merged 24h spot volume ranking, cached at the volume
// TTL. Main pairs always appear; everything else needs non-zero volume.
func (a *Aggregator) Volume(ctx context.Context) (VolumeAggregate, error) {
	v, err := a.cache.GetOrRefresh(ctx, "volume", a.ttl.VolumeTTL, func(ctx context.Context) (any, error) {
		return a.aggregateVolume(ctx)
	})
	if err != nil {
		return VolumeAggregate{}, err
	}
	return v.(VolumeAggregate), nil
}

func (a *Aggregator) aggregateVolume(ctx context.Context) (VolumeAggregate, error) {
	type venueVolumes struct {
		exchange models.Exchange
		volumes  map[string]models.VolumeQuote
	}

	var fetchers []reader.SpotVolumeFetcher
	var exchanges []models.Exchange
	for _, adapter := range a.registry.All() {
		if f, ok := adapter.(reader.SpotVolumeFetcher); ok {
			fetchers = append(fetchers, f)
			exchanges = append(exchanges, adapter.Exchange())
		}
	}

	results := make(chan venueVolumes, len(fetchers))
	var wg sync.WaitGroup
	for i, f := range fetchers {
		wg.Add(1)
		go func(f reader.SpotVolumeFetcher, ex models.Exchange) {
			defer wg.Done()
			volumes, err := f.FetchSpotVolumes(ctx)
			if err != nil {
				a.log.WithError(err).WithFields(logger.Fields{"exchange": ex}).Warn("spot volumes unavailable")
				return
			}
			results <- venueVolumes{exchange: ex, volumes: volumes}
		}(f, exchanges[i])
	}
	wg.Wait()
	close(results)

	perVenue := make(map[models.Exchange]map[string]models.VolumeQuote)
	symbols := make(map[string]struct{})
	for res := range results {
		perVenue[res.exchange] = res.volumes
		for symbol := range res.volumes {
			symbols[symbol] = struct{}{}
		}
	}
	if len(perVenue) == 0 {
		return VolumeAggregate{}, fmt.Errorf("no exchange returned spot volumes")
	}
	for _, pair := range a.cfg.VolumeMainPairs {
		symbols[pair] = struct{}{}
	}

	mainPairs := make(map[string]bool, len(a.cfg.VolumeMainPairs))
	for _, pair := range a.cfg.VolumeMainPairs {
		mainPairs[pair] = true
	}

	entries := make([]models.VolumeEntry, 0, len(symbols))
	for symbol := range symbols {
		entry := models.VolumeEntry{Symbol: symbol, Exchanges: make(map[string]models.ExchangeVolume)}
		for exchange, volumes := range perVenue {
			var spot *models.VolumeQuote
			if quote, ok := volumes[symbol]; ok {
				q := quote
				spot = &q
				entry.SpotVolume += quote.Volume
			}
			entry.Exchanges[strings.ToLower(string(exchange))] = models.ExchangeVolume{Spot: spot}
		}
		entry.TotalVolume = entry.SpotVolume
		if entry.TotalVolume > 0 || mainPairs[symbol] {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TotalVolume > entries[j].TotalVolume })

	topN := a.cfg.VolumeTopN
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	return VolumeAggregate{Timestamp: time.Now().UnixMilli(), Data: entries}, nil
}

// FundFlow returns the per-exchange taker flow report for the configured
// symbol, cached at the fund-flow TTL.
func (a *Aggregator) FundFlow(ctx context.Context) (models.FundFlowReport, error) {
	v, err := a.cache.GetOrRefresh(ctx, "fund_flow", a.ttl.FundFlowTTL, func(ctx context.Context) (any, error) {
		return a.aggregateFundFlow(ctx)
	})
	if err != nil {
		return models.FundFlowReport{}, err
	}
	return v.(models.FundFlowReport), nil
}

func (a *Aggregator) aggregateFundFlow(ctx context.Context) (models.FundFlowReport, error) {
	type keyed struct {
		exchange models.Exchange
		stat     models.FundFlowStat
	}

	var fetchers []reader.FundFlowFetcher
	var exchanges []models.Exchange
	for _, adapter := range a.registry.All() {
		if f, ok := adapter.(reader.FundFlowFetcher); ok {
			fetchers = append(fetchers, f)
			exchanges = append(exchanges, adapter.Exchange())
		}
	}

	timestamp := time.Now().UnixMilli()
	results := make(chan keyed, len(fetchers))
	var wg sync.WaitGroup
	for i, f := range fetchers {
		wg.Add(1)
		go func(f reader.FundFlowFetcher, ex models.Exchange) {
			defer wg.Done()
			stat, err := f.FetchFundFlow(ctx, a.cfg.FundFlowSymbol, a.cfg.LargeOrderThreshold)
			if err != nil {
				a.log.WithError(err).WithFields(logger.Fields{"exchange": ex}).Warn("fund flow unavailable")
				return
			}
			stat.Timestamp = timestamp
			results <- keyed{exchange: ex, stat: stat}
		}(f, exchanges[i])
	}
	wg.Wait()
	close(results)

	report := models.FundFlowReport{Exchanges: make(map[string]models.FundFlowStat)}
	for res := range results {
		report.Exchanges[strings.ToLower(string(res.exchange))] = res.stat
		report.Total.NetFlow += res.stat.NetFlow
		report.Total.LargeOrdersCount += res.stat.LargeOrdersCount
		report.Total.Volume24h += res.stat.Volume24h
	}
	report.Total.Timestamp = timestamp
	if len(report.Exchanges) == 0 {
		return models.FundFlowReport{}, fmt.Errorf("no exchange returned fund flow data")
	}
	return report, nil
}

// pageContext bounds one pagination walk with the configured deadline.
func (a *Aggregator) pageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := a.cfg.PaginationDeadline
	if deadline <= 0 {
		deadline = paginate.DefaultDeadline
	}
	return context.WithTimeout(ctx, deadline)
}

// candleSource picks the history venue: Binance when registered (deepest
// history), otherwise the first adapter advertising a candle page cap. The
// cap comes from the adapter so the paginator never second-guesses the
// vendor's request limit.
func (a *Aggregator) candleSource() (reader.Adapter, int, error) {
	if adapter, ok := a.registry.Get(models.ExchangeBinance); ok {
		if pager, ok := adapter.(reader.CandlePager); ok {
			return adapter, pager.CandlePageMax(), nil
		}
	}
	for _, adapter := range a.registry.All() {
		if pager, ok := adapter.(reader.CandlePager); ok {
			return adapter, pager.CandlePageMax(), nil
		}
	}
	return nil, 0, fmt.Errorf("no candle-capable exchange registered")
}

func (a *Aggregator) openInterestSource() (reader.Adapter, int, error) {
	if adapter, ok := a.registry.Get(models.ExchangeBinance); ok {
		if pager, ok := adapter.(reader.OpenInterestPager); ok {
			return adapter, pager.OpenInterestPageMax(), nil
		}
	}
	for _, adapter := range a.registry.All() {
		if pager, ok := adapter.(reader.OpenInterestPager); ok {
			return adapter, pager.OpenInterestPageMax(), nil
		}
	}
	return nil, 0, fmt.Errorf("no open-interest-capable exchange registered")
}

// diagKey converts an exchange display name to its diagnostics key
// ("Gate.io" becomes "gateioCount").
func diagKey(ex models.Exchange) string {
	name := strings.ToLower(string(ex))
	name = strings.ReplaceAll(name, ".", "")
	return name + "Count"
}
