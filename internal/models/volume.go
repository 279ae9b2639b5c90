package models

// VolumeQuote is one exchange's 24h spot activity for a symbol, with volume
// expressed in quote currency.
type VolumeQuote struct {
	Volume      float64 `json:"volume"`
	Price       float64 `json:"price"`
	PriceChange float64 `json:"priceChange"`
}

// ExchangeVolume splits one exchange's contribution by market type.
type ExchangeVolume struct {
	Spot    *VolumeQuote `json:"spot"`
	Futures *VolumeQuote `json:"futures"`
}

// VolumeEntry aggregates 24h volume for one symbol across exchanges.
type VolumeEntry struct {
	Symbol        string                    `json:"symbol"`
	TotalVolume   float64                   `json:"totalVolume"`
	SpotVolume    float64                   `json:"spotVolume"`
	FuturesVolume float64                   `json:"futuresVolume"`
	Exchanges     map[string]ExchangeVolume `json:"exchanges"`
}
