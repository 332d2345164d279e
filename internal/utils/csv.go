package utils

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"deribitArchiver/internal/domain"
)

var tradeHeader = []string{
	"trade_id", "instrument_name", "timestamp", "price", "iv", "amount", "direction",
	"underlying", "strike", "expiry", "option_type", "index_price", "mark_price",
}

// WriteTradesCSV writes trades with a header row. Unknown optional values are empty cells.
func WriteTradesCSV(w io.Writer, trades []domain.OptionTrade) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := writer.Write([]string{
			t.TradeID,
			t.InstrumentName,
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			formatFloat(t.Price),
			formatOptional(t.IV),
			formatFloat(t.Amount),
			string(t.Direction),
			t.Underlying,
			formatFloat(t.Strike),
			t.Expiry.UTC().Format(time.RFC3339),
			string(t.OptionType),
			formatOptional(t.IndexPrice),
			formatOptional(t.MarkPrice),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTradesToCSV writes trades to filename atomically.
func WriteTradesToCSV(trades []domain.OptionTrade, filename string) error {
	return WriteFileAtomic(filename, func(w io.Writer) error {
		return WriteTradesCSV(w, trades)
	})
}

// WriteVolatilityToCSV writes DVOL candles to filename atomically.
func WriteVolatilityToCSV(candles []domain.VolatilityCandle, filename string) error {
	return WriteFileAtomic(filename, func(w io.Writer) error {
		writer := csv.NewWriter(w)
		if err := writer.Write([]string{"timestamp", "open", "high", "low", "close"}); err != nil {
			return err
		}
		for _, c := range candles {
			if err := writer.Write([]string{
				c.Timestamp.UTC().Format(time.RFC3339),
				formatFloat(c.Open),
				formatFloat(c.High),
				formatFloat(c.Low),
				formatFloat(c.Close),
			}); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
