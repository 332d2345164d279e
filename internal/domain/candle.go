package domain

import (
	"fmt"
	"time"
)

// VolatilityCandle is one OHLC sample of the DVOL implied-volatility index.
type VolatilityCandle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// NewVolatilityCandle validates the OHLC values.
func NewVolatilityCandle(ts time.Time, open, high, low, closePrice float64) (VolatilityCandle, error) {
	if ts.IsZero() {
		return VolatilityCandle{}, fmt.Errorf("candle timestamp is required")
	}
	if open <= 0 || high <= 0 || low <= 0 || closePrice <= 0 {
		return VolatilityCandle{}, fmt.Errorf("candle at %s: OHLC values must be positive", ts.UTC().Format(time.RFC3339))
	}
	if high < low {
		return VolatilityCandle{}, fmt.Errorf("candle at %s: high %v below low %v", ts.UTC().Format(time.RFC3339), high, low)
	}
	return VolatilityCandle{
		Timestamp: ts.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
	}, nil
}
