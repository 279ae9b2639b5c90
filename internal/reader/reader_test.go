package reader

import (
	"context"
	"testing"

	"perpflow/internal/models"
)

type stubAdapter struct {
	exchange models.Exchange
}

func (s stubAdapter) Exchange() models.Exchange { return s.exchange }

func (s stubAdapter) FetchCurrentRates(context.Context) models.Outcome[models.RateRecord] {
	return models.Unsupported[models.RateRecord]()
}

func (s stubAdapter) FetchCandles(context.Context, string, string, int, int64) models.Outcome[models.Candle] {
	return models.Unsupported[models.Candle]()
}

func (s stubAdapter) FetchOpenInterestHistory(context.Context, string, string, int, int64) models.Outcome[models.OpenInterestPoint] {
	return models.Unsupported[models.OpenInterestPoint]()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubAdapter{exchange: models.ExchangeOkx})
	r.Register(stubAdapter{exchange: models.ExchangeBinance})

	if _, ok := r.Get(models.ExchangeBinance); !ok {
		t.Fatal("registered adapter must be resolvable")
	}
	if _, ok := r.Get(models.ExchangeCoinbase); ok {
		t.Fatal("unregistered exchange must not resolve")
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(all))
	}
	if all[0].Exchange() != models.ExchangeBinance || all[1].Exchange() != models.ExchangeOkx {
		t.Fatalf("adapters must come back in stable order: %v, %v", all[0].Exchange(), all[1].Exchange())
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(stubAdapter{exchange: models.ExchangeBybit})
	r.Register(stubAdapter{exchange: models.ExchangeBybit})
	if len(r.All()) != 1 {
		t.Fatal("re-registration must replace, not duplicate")
	}
}
