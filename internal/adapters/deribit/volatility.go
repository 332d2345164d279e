package deribit

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"deribitArchiver/internal/domain"
)

type volatilityResult struct {
	Data []json.RawMessage `json:"data"`
}

// FetchVolatility downloads DVOL candles for currency in one request.
// Rows are [timestamp_ms, open, high, low, close]; malformed rows are skipped.
func (c *Client) FetchVolatility(ctx context.Context, currency string, start, end time.Time, resolution time.Duration) ([]domain.VolatilityCandle, error) {
	op := "FetchVolatility"
	res := int64(resolution / time.Second)
	if res <= 0 {
		res = 3600
	}

	params := url.Values{}
	params.Set("currency", currency)
	params.Set("start_timestamp", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("resolution", strconv.FormatInt(res, 10))

	var result volatilityResult
	if err := c.getJSON(ctx, op, c.volatilityURL, params, &result); err != nil {
		return nil, err
	}

	candles := make([]domain.VolatilityCandle, 0, len(result.Data))
	skipped := 0
	for _, raw := range result.Data {
		candle, ok := parseCandle(raw)
		if !ok {
			skipped++
			continue
		}
		candles = append(candles, candle)
	}

	c.logger.Info(ctx, "Fetched volatility candles", map[string]interface{}{
		"currency": currency,
		"candles":  len(candles),
		"skipped":  skipped,
	})
	return candles, nil
}

func parseCandle(raw json.RawMessage) (domain.VolatilityCandle, bool) {
	var row []float64
	if err := json.Unmarshal(raw, &row); err != nil || len(row) < 5 {
		return domain.VolatilityCandle{}, false
	}
	ts := time.UnixMilli(int64(row[0])).UTC()
	candle, err := domain.NewVolatilityCandle(ts, row[1], row[2], row[3], row[4])
	if err != nil {
		return domain.VolatilityCandle{}, false
	}
	return candle, true
}
