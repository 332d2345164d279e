package parquetstore

import (
	"cmp"
	"slices"
	"time"

	"deribitArchiver/internal/domain"
)

// tradeRow is the on-disk schema of a trade partition. Timestamps are epoch milliseconds UTC.
type tradeRow struct {
	TradeID        string   `parquet:"trade_id"`
	InstrumentName string   `parquet:"instrument_name"`
	Timestamp      int64    `parquet:"timestamp"`
	Price          float64  `parquet:"price"`
	IV             *float64 `parquet:"iv,optional"`
	Amount         float64  `parquet:"amount"`
	Direction      string   `parquet:"direction"`
	Underlying     string   `parquet:"underlying"`
	Strike         float64  `parquet:"strike"`
	Expiry         int64    `parquet:"expiry"`
	OptionType     string   `parquet:"option_type"`
	IndexPrice     *float64 `parquet:"index_price,optional"`
	MarkPrice      *float64 `parquet:"mark_price,optional"`
}

// volatilityRow is the on-disk schema of the DVOL file.
type volatilityRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
}

// timestampRow projects the timestamp column shared by both schemas.
type timestampRow struct {
	Timestamp int64 `parquet:"timestamp"`
}

func toTradeRow(t domain.OptionTrade) tradeRow {
	return tradeRow{
		TradeID:        t.TradeID,
		InstrumentName: t.InstrumentName,
		Timestamp:      t.Timestamp.UnixMilli(),
		Price:          t.Price,
		IV:             t.IV,
		Amount:         t.Amount,
		Direction:      string(t.Direction),
		Underlying:     t.Underlying,
		Strike:         t.Strike,
		Expiry:         t.Expiry.UnixMilli(),
		OptionType:     string(t.OptionType),
		IndexPrice:     t.IndexPrice,
		MarkPrice:      t.MarkPrice,
	}
}

// fromTradeRow rebuilds a trade exactly as stored, without re-validating it.
func fromTradeRow(r tradeRow) domain.OptionTrade {
	return domain.OptionTrade{
		TradeID:        r.TradeID,
		InstrumentName: r.InstrumentName,
		Timestamp:      time.UnixMilli(r.Timestamp).UTC(),
		Price:          r.Price,
		IV:             r.IV,
		Amount:         r.Amount,
		Direction:      domain.Direction(r.Direction),
		Underlying:     r.Underlying,
		Strike:         r.Strike,
		Expiry:         time.UnixMilli(r.Expiry).UTC(),
		OptionType:     domain.OptionType(r.OptionType),
		IndexPrice:     r.IndexPrice,
		MarkPrice:      r.MarkPrice,
	}
}

func toVolatilityRow(c domain.VolatilityCandle) volatilityRow {
	return volatilityRow{
		Timestamp: c.Timestamp.UnixMilli(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
	}
}

func fromVolatilityRow(r volatilityRow) domain.VolatilityCandle {
	return domain.VolatilityCandle{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
	}
}

// dedupTrades keeps the last occurrence of every trade id and orders rows by timestamp.
// The sort is stable so rows sharing a timestamp keep their arrival order.
func dedupTrades(rows []tradeRow) []tradeRow {
	seen := make(map[string]bool, len(rows))
	out := make([]tradeRow, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if seen[rows[i].TradeID] {
			continue
		}
		seen[rows[i].TradeID] = true
		out = append(out, rows[i])
	}
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b tradeRow) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}

// dedupVolatility keeps the last candle for every timestamp, ordered by time.
func dedupVolatility(rows []volatilityRow) []volatilityRow {
	seen := make(map[int64]bool, len(rows))
	out := make([]volatilityRow, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if seen[rows[i].Timestamp] {
			continue
		}
		seen[rows[i].Timestamp] = true
		out = append(out, rows[i])
	}
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b volatilityRow) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}
