package models

import "math"

// Candle is one normalized OHLCV bar. Timestamps are epoch milliseconds.
type Candle struct {
	Timestamp      int64   `json:"timestamp"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	CloseTime      int64   `json:"closeTime"`
	QuoteVolume    float64 `json:"quoteVolume"`
	Trades         int64   `json:"trades"`
	BuyVolume      float64 `json:"buyVolume"`
	BuyQuoteVolume float64 `json:"buyQuoteVolume"`
}

// Valid checks the OHLCV invariants: all numerics finite and non-negative,
// low <= open,close <= high, and closeTime after the open timestamp. Bars
// failing the check are dropped, never zero-filled.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume, c.BuyVolume, c.BuyQuoteVolume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return false
	}
	if c.CloseTime <= c.Timestamp {
		return false
	}
	return true
}
