// Package reader defines the adapter contract every exchange subpackage
// implements and the registry the aggregator resolves adapters from.
package reader

import (
	"context"
	"errors"
	"sort"
	"sync"

	"perpflow/internal/models"
)

// ErrUnsupported marks a capability an adapter does not provide. Adapters
// return it wrapped in an Unsupported outcome so the aggregator can skip the
// exchange without treating it as a failure.
var ErrUnsupported = errors.New("capability not supported by this exchange")

// Adapter normalizes one exchange's market data endpoints. Every method
// returns an Outcome instead of a bare error so a partial vendor failure can
// still deliver the records that survived.
type Adapter interface {
	Exchange() models.Exchange

	// FetchCurrentRates returns the current funding rate for every
	// perpetual the exchange lists.
	FetchCurrentRates(ctx context.Context) models.Outcome[models.RateRecord]

	// FetchCandles returns up to limit OHLCV bars ending at endTime
	// (epoch ms, zero for latest), oldest first.
	FetchCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) models.Outcome[models.Candle]

	// FetchOpenInterestHistory returns historical open-interest points for
	// symbol at the given period, oldest first.
	FetchOpenInterestHistory(ctx context.Context, symbol, period string, limit int, endTime int64) models.Outcome[models.OpenInterestPoint]
}

// OpenInterestSnapshotFetcher is the optional capability behind the current
// open-interest aggregate.
type OpenInterestSnapshotFetcher interface {
	FetchOpenInterest(ctx context.Context, symbol string) (models.ExchangeOpenInterest, error)
}

// SpotVolumeFetcher is the optional capability behind the 24h volume
// aggregate. Results are keyed by canonical symbol.
type SpotVolumeFetcher interface {
	FetchSpotVolumes(ctx context.Context) (map[string]models.VolumeQuote, error)
}

// FundFlowFetcher is the optional capability behind the fund-flow aggregate.
type FundFlowFetcher interface {
	FetchFundFlow(ctx context.Context, symbol string, largeOrderThreshold float64) (models.FundFlowStat, error)
}

// CandlePager is implemented by adapters that serve paged candle history.
// CandlePageMax reports the vendor's per-request record cap; history walks
// never request more than this per page.
type CandlePager interface {
	CandlePageMax() int
}

// OpenInterestPager is the open-interest-history counterpart of CandlePager.
type OpenInterestPager interface {
	OpenInterestPageMax() int
}

// Registry holds registered adapters keyed by exchange. Registration is
// additive; nothing in the service switches on exchange identity.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Exchange]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Exchange]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same
// exchange.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Exchange()] = a
	r.mu.Unlock()
}

// Get returns the adapter for an exchange.
func (r *Registry) Get(ex models.Exchange) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ex]
	return a, ok
}

// All returns the registered adapters in stable exchange-name order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Exchange() < out[j].Exchange()
	})
	return out
}
