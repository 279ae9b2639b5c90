package models

import "math"

// OpenInterestPoint is one historical snapshot of aggregate open interest for
// a symbol: contract count plus quote-currency notional.
type OpenInterestPoint struct {
	Timestamp            int64   `json:"timestamp"`
	Symbol               string  `json:"symbol"`
	SumOpenInterest      float64 `json:"sumOpenInterest"`
	SumOpenInterestValue float64 `json:"sumOpenInterestValue"`
}

// Valid reports whether both notional fields are finite and non-negative.
func (p OpenInterestPoint) Valid() bool {
	for _, v := range []float64{p.SumOpenInterest, p.SumOpenInterestValue} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return p.Timestamp > 0
}

// ExchangeOpenInterest is one exchange's contribution to a current
// open-interest snapshot.
type ExchangeOpenInterest struct {
	Exchange Exchange `json:"exchange"`
	Amount   float64  `json:"amount"`
}

// OpenInterestSnapshot aggregates the current open interest for one symbol
// across exchanges, symbol-major.
type OpenInterestSnapshot struct {
	Symbol       string                 `json:"symbol"`
	ExchangeData []ExchangeOpenInterest `json:"exchangeData"`
	TotalAmount  float64                `json:"totalAmount"`
}
