package models

import "strings"

// Exchange identifies one upstream venue. The values match the display names
// used in API payloads.
type Exchange string

const (
	ExchangeBinance     Exchange = "Binance"
	ExchangeBybit       Exchange = "Bybit"
	ExchangeOkx         Exchange = "OKX"
	ExchangeBitget      Exchange = "Bitget"
	ExchangeGateio      Exchange = "Gate.io"
	ExchangeHyperliquid Exchange = "HyperLiquid"
	ExchangeCoinbase    Exchange = "Coinbase"
)

// quoteAliases lists quote currencies treated as equivalent to USDT when
// deriving a canonical symbol for cross-exchange joins. Order matters: longer
// suffixes must be tried before their prefixes (USDT before USD).
var quoteAliases = []string{"USDT", "USDC", "BUSD", "TUSD", "DAI", "USD"}

// contractSuffixes are vendor-specific contract-type markers stripped before
// the quote currency is removed.
var contractSuffixes = []string{"-SWAP", "_UMCBL"}

// CanonicalSymbol converts a vendor-native instrument name to the bare
// base-asset ticker: "BTCUSDT", "BTC-USDT-SWAP", "BTC_USDT" and "BTCBUSD" all
// map to "BTC". Unknown shapes are returned upper-cased and trimmed.
func CanonicalSymbol(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	for _, suffix := range contractSuffixes {
		s = strings.TrimSuffix(s, suffix)
	}
	for _, quote := range quoteAliases {
		for _, sep := range []string{"-", "_", ""} {
			full := sep + quote
			if strings.HasSuffix(s, full) && len(s) > len(full) {
				return strings.TrimSuffix(s, full)
			}
		}
	}
	return s
}
