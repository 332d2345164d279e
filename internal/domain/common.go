package domain

// Direction represents the aggressor side of an option trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection converts the exchange's direction string.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionBuy:
		return DirectionBuy, true
	case DirectionSell:
		return DirectionSell, true
	default:
		return "", false
	}
}

// OptionType is the option kind encoded in the instrument name suffix.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// SupportedUnderlyings lists the option underlyings the archiver accepts.
var SupportedUnderlyings = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"SOL":  true,
	"USDC": true,
}

// Limits applied when constructing trades.
const (
	MaxImpliedVolatility = 5.0 // 500% expressed as a fraction
	DefaultExpiryHourUTC = 8   // Deribit options expire at 08:00 UTC
)
