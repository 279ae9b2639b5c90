package models

// FundFlowStat summarises recent taker flow on one exchange: signed net flow
// in quote currency, count of trades above the large-order threshold and the
// 24h quote volume.
type FundFlowStat struct {
	NetFlow          float64 `json:"netFlow"`
	LargeOrdersCount int     `json:"largeOrdersCount"`
	Volume24h        float64 `json:"volume24h"`
	Timestamp        int64   `json:"timestamp"`
}

// FundFlowReport is the merged fund-flow view across exchanges plus a totals
// row.
type FundFlowReport struct {
	Exchanges map[string]FundFlowStat `json:"exchanges"`
	Total     FundFlowStat            `json:"total"`
}
