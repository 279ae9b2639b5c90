package models

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// DefaultSettlementIntervalHours is assumed whenever a vendor provides no
// explicit funding interval metadata.
const DefaultSettlementIntervalHours = 8

// RateRecord is one exchange's current funding rate for one symbol, with the
// rate expressed in percent and fixed 4-decimal formatting. The JSON field
// names match the dashboard payload contract.
type RateRecord struct {
	Symbol                  string   `json:"symbol"`
	Exchange                Exchange `json:"exchange"`
	CurrentRate             string   `json:"currentRate"`
	IsNonStandardInterval   bool     `json:"isSpecialInterval"`
	SettlementIntervalHours float64  `json:"settlementInterval"`
	NextFundingTime         string   `json:"nextFundingTime,omitempty"`
	FundingTime             string   `json:"fundingTime,omitempty"`
}

// NewRateRecord builds a validated record from a raw (fractional) funding
// rate. It returns false when the rate or interval is not a finite number;
// such records are dropped rather than coerced to zero.
func NewRateRecord(symbol string, exchange Exchange, rate, intervalHours float64) (RateRecord, bool) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return RateRecord{}, false
	}
	if intervalHours <= 0 || math.IsNaN(intervalHours) || math.IsInf(intervalHours, 0) {
		intervalHours = DefaultSettlementIntervalHours
	}
	return RateRecord{
		Symbol:                  CanonicalSymbol(symbol),
		Exchange:                exchange,
		CurrentRate:             FormatRatePercent(rate),
		SettlementIntervalHours: intervalHours,
		IsNonStandardInterval:   intervalHours != DefaultSettlementIntervalHours,
	}, true
}

// FormatRatePercent converts a fractional funding rate (e.g. 0.0001) to a
// percent string with exactly four decimals ("0.0100").
func FormatRatePercent(rate float64) string {
	return decimal.NewFromFloat(rate).Mul(decimal.NewFromInt(100)).StringFixed(4)
}

// RateValue parses the formatted percent rate back to a float. The second
// return value is false when the stored rate does not parse to a finite
// number.
func (r RateRecord) RateValue() (float64, bool) {
	v, err := strconv.ParseFloat(r.CurrentRate, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Valid reports whether the record carries a usable, non-zero rate. Zero
// rates are indistinguishable from missing vendor data and are filtered out
// of merged responses.
func (r RateRecord) Valid() bool {
	v, ok := r.RateValue()
	return ok && v != 0
}
