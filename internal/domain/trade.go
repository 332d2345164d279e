package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var instrumentPattern = regexp.MustCompile(`^([A-Z]+)-(\d{1,2}[A-Z]{3}\d{2})-(\d+)-([CP])$`)

// Instrument holds the fields encoded in an option instrument name such as "BTC-27DEC24-100000-C".
type Instrument struct {
	Name       string
	Underlying string
	Expiry     time.Time
	Strike     float64
	OptionType OptionType
}

// ParseInstrument decodes an option instrument name.
func ParseInstrument(name string) (Instrument, error) {
	m := instrumentPattern.FindStringSubmatch(name)
	if m == nil {
		return Instrument{}, fmt.Errorf("invalid instrument name %q", name)
	}
	underlying := m[1]
	if !SupportedUnderlyings[underlying] {
		return Instrument{}, fmt.Errorf("unsupported underlying %q in %q", underlying, name)
	}

	// Month abbreviations arrive upper-case; Go's layout wants "Jan".
	datePart := m[2]
	n := len(datePart)
	normalized := datePart[:n-5] + datePart[n-5:n-4] + strings.ToLower(datePart[n-4:n-2]) + datePart[n-2:]
	day, err := time.Parse("2Jan06", normalized)
	if err != nil {
		return Instrument{}, fmt.Errorf("invalid expiry %q in %q: %w", datePart, name, err)
	}
	expiry := time.Date(day.Year(), day.Month(), day.Day(), DefaultExpiryHourUTC, 0, 0, 0, time.UTC)

	strike, err := strconv.ParseFloat(m[3], 64)
	if err != nil || strike <= 0 {
		return Instrument{}, fmt.Errorf("invalid strike %q in %q", m[3], name)
	}

	kind := OptionCall
	if m[4] == "P" {
		kind = OptionPut
	}

	return Instrument{
		Name:       name,
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     strike,
		OptionType: kind,
	}, nil
}

// OptionTrade is a single executed option trade. Values are built by NewOptionTrade
// and treated as immutable afterwards.
type OptionTrade struct {
	TradeID        string
	InstrumentName string
	Timestamp      time.Time // UTC
	Price          float64   // Premium in units of the underlying
	IV             *float64  // Implied volatility as a fraction; nil when unknown
	Amount         float64
	Direction      Direction
	Underlying     string
	Strike         float64
	Expiry         time.Time
	OptionType     OptionType
	IndexPrice     *float64
	MarkPrice      *float64
}

// TradeParams carries the raw values needed to build an OptionTrade.
type TradeParams struct {
	TradeID        string
	InstrumentName string
	Timestamp      time.Time
	Price          float64
	IV             *float64
	Amount         float64
	Direction      Direction
	IndexPrice     *float64
	MarkPrice      *float64
}

// NewOptionTrade validates p and derives the instrument fields from its name.
func NewOptionTrade(p TradeParams) (OptionTrade, error) {
	if p.TradeID == "" {
		return OptionTrade{}, fmt.Errorf("trade id is required")
	}
	inst, err := ParseInstrument(p.InstrumentName)
	if err != nil {
		return OptionTrade{}, err
	}
	if p.Timestamp.IsZero() {
		return OptionTrade{}, fmt.Errorf("trade %s: timestamp is required", p.TradeID)
	}
	if p.Price < 0 {
		return OptionTrade{}, fmt.Errorf("trade %s: negative price %v", p.TradeID, p.Price)
	}
	if p.Amount <= 0 {
		return OptionTrade{}, fmt.Errorf("trade %s: amount must be positive, got %v", p.TradeID, p.Amount)
	}
	if p.Direction != DirectionBuy && p.Direction != DirectionSell {
		return OptionTrade{}, fmt.Errorf("trade %s: invalid direction %q", p.TradeID, p.Direction)
	}
	if p.IV != nil && (*p.IV <= 0 || *p.IV > MaxImpliedVolatility) {
		return OptionTrade{}, fmt.Errorf("trade %s: implied volatility %v out of range (0, %v]", p.TradeID, *p.IV, MaxImpliedVolatility)
	}

	return OptionTrade{
		TradeID:        p.TradeID,
		InstrumentName: inst.Name,
		Timestamp:      p.Timestamp.UTC(),
		Price:          p.Price,
		IV:             copyFloat(p.IV),
		Amount:         p.Amount,
		Direction:      p.Direction,
		Underlying:     inst.Underlying,
		Strike:         inst.Strike,
		Expiry:         inst.Expiry,
		OptionType:     inst.OptionType,
		IndexPrice:     copyFloat(p.IndexPrice),
		MarkPrice:      copyFloat(p.MarkPrice),
	}, nil
}

// Day returns the UTC calendar day (YYYY-MM-DD) the trade belongs to.
func (t OptionTrade) Day() string {
	return t.Timestamp.UTC().Format(DayLayout)
}

// DayLayout is the date format used to name day partitions.
const DayLayout = "2006-01-02"

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
