package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrument(t *testing.T) {
	tests := []struct {
		name       string
		instrument string
		wantErr    bool
		underlying string
		strike     float64
		expiry     time.Time
		kind       OptionType
	}{
		{
			name:       "btc call",
			instrument: "BTC-27DEC24-100000-C",
			underlying: "BTC",
			strike:     100000,
			expiry:     time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC),
			kind:       OptionCall,
		},
		{
			name:       "eth put single digit day",
			instrument: "ETH-3JAN25-3500-P",
			underlying: "ETH",
			strike:     3500,
			expiry:     time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC),
			kind:       OptionPut,
		},
		{name: "perpetual", instrument: "BTC-PERPETUAL", wantErr: true},
		{name: "unsupported underlying", instrument: "DOGE-27DEC24-1-C", wantErr: true},
		{name: "bad month", instrument: "BTC-27XYZ24-100000-C", wantErr: true},
		{name: "zero strike", instrument: "BTC-27DEC24-0-C", wantErr: true},
		{name: "lower case", instrument: "btc-27dec24-100000-c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := ParseInstrument(tt.instrument)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.underlying, inst.Underlying)
			assert.Equal(t, tt.strike, inst.Strike)
			assert.True(t, tt.expiry.Equal(inst.Expiry), "expiry %s", inst.Expiry)
			assert.Equal(t, tt.kind, inst.OptionType)
		})
	}
}

func validParams() TradeParams {
	iv := 0.65
	return TradeParams{
		TradeID:        "12345",
		InstrumentName: "BTC-27DEC24-100000-C",
		Timestamp:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Price:          0.05,
		IV:             &iv,
		Amount:         1,
		Direction:      DirectionBuy,
	}
}

func TestNewOptionTrade(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		trade, err := NewOptionTrade(validParams())
		require.NoError(t, err)
		assert.Equal(t, "BTC", trade.Underlying)
		assert.Equal(t, OptionCall, trade.OptionType)
		assert.Equal(t, "2024-01-15", trade.Day())
		require.NotNil(t, trade.IV)
		assert.InDelta(t, 0.65, *trade.IV, 1e-9)
	})

	t.Run("iv is copied", func(t *testing.T) {
		p := validParams()
		trade, err := NewOptionTrade(p)
		require.NoError(t, err)
		*p.IV = 3
		assert.InDelta(t, 0.65, *trade.IV, 1e-9)
	})

	invalid := map[string]func(p *TradeParams){
		"missing id":       func(p *TradeParams) { p.TradeID = "" },
		"bad instrument":   func(p *TradeParams) { p.InstrumentName = "BTC-PERPETUAL" },
		"zero timestamp":   func(p *TradeParams) { p.Timestamp = time.Time{} },
		"negative price":   func(p *TradeParams) { p.Price = -1 },
		"zero amount":      func(p *TradeParams) { p.Amount = 0 },
		"bad direction":    func(p *TradeParams) { p.Direction = "hold" },
		"iv above maximum": func(p *TradeParams) { v := 5.5; p.IV = &v },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)
			_, err := NewOptionTrade(p)
			assert.Error(t, err)
		})
	}
}

func TestNewVolatilityCandle(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := NewVolatilityCandle(ts, 50, 55, 45, 52)
	require.NoError(t, err)
	assert.Equal(t, 55.0, c.High)

	_, err = NewVolatilityCandle(ts, 50, 40, 45, 52)
	assert.Error(t, err, "high below low")

	_, err = NewVolatilityCandle(ts, 0, 55, 45, 52)
	assert.Error(t, err, "non-positive open")
}
