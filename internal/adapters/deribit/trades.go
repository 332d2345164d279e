package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// tradePage is the result object of get_last_trades_by_currency.
type tradePage struct {
	Trades  []json.RawMessage `json:"trades"`
	HasMore bool              `json:"has_more"`
}

// rawTrade mirrors one element of the trades array. Pointers distinguish
// missing fields from zero values.
type rawTrade struct {
	TradeID        flexString `json:"trade_id"`
	InstrumentName string     `json:"instrument_name"`
	Timestamp      *int64     `json:"timestamp"`
	Price          *float64   `json:"price"`
	IV             *float64   `json:"iv"`
	Amount         *float64   `json:"amount"`
	Direction      string     `json:"direction"`
	IndexPrice     *float64   `json:"index_price"`
	MarkPrice      *float64   `json:"mark_price"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("trade_id: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// parseTrade converts one raw record. IV arrives as a percentage.
func parseTrade(raw json.RawMessage) (domain.OptionTrade, error) {
	var rt rawTrade
	if err := json.Unmarshal(raw, &rt); err != nil {
		return domain.OptionTrade{}, fmt.Errorf("%w: %v", ports.ErrMalformedRecord, err)
	}
	if rt.Timestamp == nil {
		return domain.OptionTrade{}, fmt.Errorf("%w: missing timestamp", ports.ErrMalformedRecord)
	}
	if rt.Price == nil {
		return domain.OptionTrade{}, fmt.Errorf("%w: missing price", ports.ErrMalformedRecord)
	}
	if rt.Amount == nil {
		return domain.OptionTrade{}, fmt.Errorf("%w: missing amount", ports.ErrMalformedRecord)
	}

	tradeID := string(rt.TradeID)
	if tradeID == "" {
		tradeID = strconv.FormatInt(*rt.Timestamp, 10)
	}

	var iv *float64
	if rt.IV != nil && *rt.IV > 0 {
		v := *rt.IV / 100.0
		iv = &v
	}

	dir, ok := domain.ParseDirection(rt.Direction)
	if !ok {
		return domain.OptionTrade{}, fmt.Errorf("%w: invalid direction %q", ports.ErrMalformedRecord, rt.Direction)
	}

	trade, err := domain.NewOptionTrade(domain.TradeParams{
		TradeID:        tradeID,
		InstrumentName: rt.InstrumentName,
		Timestamp:      time.UnixMilli(*rt.Timestamp).UTC(),
		Price:          *rt.Price,
		IV:             iv,
		Amount:         *rt.Amount,
		Direction:      dir,
		IndexPrice:     rt.IndexPrice,
		MarkPrice:      rt.MarkPrice,
	})
	if err != nil {
		return domain.OptionTrade{}, fmt.Errorf("%w: %v", ports.ErrMalformedRecord, err)
	}
	return trade, nil
}

// rawTimestamp extracts the timestamp of a record even when the rest of it is unusable.
func rawTimestamp(raw json.RawMessage) (int64, bool) {
	var probe struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Timestamp == nil {
		return 0, false
	}
	return *probe.Timestamp, true
}

func rawInstrument(raw json.RawMessage) string {
	var probe struct {
		InstrumentName string `json:"instrument_name"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.InstrumentName
}

func (c *Client) tradeParams(currency string, count int, startMs, endMs int64) url.Values {
	params := url.Values{}
	params.Set("currency", currency)
	params.Set("kind", "option")
	params.Set("count", strconv.Itoa(count))
	params.Set("include_old", "true")
	params.Set("sorting", "asc")
	params.Set("start_timestamp", strconv.FormatInt(startMs, 10))
	params.Set("end_timestamp", strconv.FormatInt(endMs, 10))
	return params
}

func (c *Client) fetchTradePage(ctx context.Context, op, currency string, count int, startMs, endMs int64) (tradePage, error) {
	var page tradePage
	err := c.getJSON(ctx, op, c.baseURL+tradesEndpoint, c.tradeParams(currency, count, startMs, endMs), &page)
	return page, err
}

func (c *Client) deadLetter(ctx context.Context, currency string, raw json.RawMessage, cause error) {
	if c.deadLetters == nil {
		return
	}
	rec := domain.FailedRecord{
		Currency:   currency,
		Instrument: rawInstrument(raw),
		RawData:    string(raw),
		Error:      cause.Error(),
		Timestamp:  time.Now().UTC(),
	}
	if err := c.deadLetters.Write(ctx, rec); err != nil {
		c.logger.Warn(ctx, "Failed to write dead letter", map[string]interface{}{"currency": currency, "error": err.Error()})
	}
}

// StreamTrades returns a lazy stream over the trades of q. Each batch holds the
// trades of up to FlushEveryPages pages.
func (c *Client) StreamTrades(ctx context.Context, q ports.TradeQuery) ports.TradeStream {
	startMs := q.Start.UnixMilli()
	endMs := q.End.UnixMilli()
	if q.ResumeFromMs > startMs {
		startMs = q.ResumeFromMs + 1
		c.logger.Info(ctx, "Resuming trade stream", map[string]interface{}{"currency": q.Currency, "resumeFromMs": q.ResumeFromMs})
	}
	return &tradeStream{
		client:   c,
		currency: q.Currency,
		startMs:  startMs,
		endMs:    endMs,
		cursor:   startMs - 1,
	}
}

type tradeStream struct {
	client   *Client
	currency string
	startMs  int64
	endMs    int64

	totalPages int
	done       bool
	err        error

	batch   []domain.OptionTrade
	pages   int
	cursor  int64
	dropped int
}

func (s *tradeStream) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	const op = "StreamTrades"
	c := s.client

	s.batch = nil
	s.pages = 0
	cursor := s.cursor
	startMs := s.startMs
	var batch []domain.OptionTrade
	pages := 0

	for pages < c.flushEveryPages {
		if startMs > s.endMs {
			s.done = true
			break
		}
		if s.totalPages >= c.maxPages {
			c.logger.Warn(ctx, "Reached page limit", map[string]interface{}{"currency": s.currency, "maxPages": c.maxPages})
			s.done = true
			break
		}

		page, err := c.fetchTradePage(ctx, op, s.currency, c.pageSize, startMs, s.endMs)
		if err != nil {
			s.err = err
			return false
		}
		s.totalPages++
		pages++

		if len(page.Trades) == 0 {
			s.done = true
			break
		}

		lastTs := int64(-1)
		for _, raw := range page.Trades {
			if ts, ok := rawTimestamp(raw); ok && ts > lastTs {
				lastTs = ts
			}
			trade, err := parseTrade(raw)
			if err != nil {
				s.dropped++
				c.logger.Debug(ctx, "Dropped malformed trade", map[string]interface{}{"currency": s.currency, "error": err.Error()})
				c.deadLetter(ctx, s.currency, raw, err)
				continue
			}
			batch = append(batch, trade)
		}
		if lastTs < 0 {
			s.err = fmt.Errorf("%s: page without any readable timestamp: %w", op, ports.ErrMalformedRecord)
			return false
		}
		if lastTs > cursor {
			cursor = lastTs
		}

		if !page.HasMore {
			s.done = true
			break
		}
		startMs = lastTs + 1
	}

	s.startMs = startMs
	s.cursor = cursor
	s.pages = pages
	s.batch = batch

	if pages == 0 || (len(batch) == 0 && s.done) {
		return false
	}
	c.logger.Debug(ctx, "Trade batch ready", map[string]interface{}{
		"currency": s.currency,
		"trades":   len(batch),
		"pages":    pages,
		"cursorMs": cursor,
	})
	return true
}

func (s *tradeStream) Batch() []domain.OptionTrade { return s.batch }
func (s *tradeStream) Cursor() int64               { return s.cursor }
func (s *tradeStream) Pages() int                  { return s.pages }
func (s *tradeStream) Dropped() int                { return s.dropped }
func (s *tradeStream) Err() error                  { return s.err }

// CountTrades counts remote trades in [start, end] by paging through them.
func (c *Client) CountTrades(ctx context.Context, currency string, start, end time.Time) (int64, error) {
	const op = "CountTrades"
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	var total int64

	for page := 0; page < c.maxPages; page++ {
		p, err := c.fetchTradePage(ctx, op, currency, c.pageSize, startMs, endMs)
		if err != nil {
			return 0, err
		}
		total += int64(len(p.Trades))
		if !p.HasMore || len(p.Trades) == 0 {
			return total, nil
		}
		ts, ok := rawTimestamp(p.Trades[len(p.Trades)-1])
		if !ok {
			return 0, fmt.Errorf("%s: last trade without timestamp: %w", op, ports.ErrMalformedRecord)
		}
		startMs = ts + 1
	}
	c.logger.Warn(ctx, "CountTrades reached page limit", map[string]interface{}{"currency": currency, "maxPages": c.maxPages})
	return total, nil
}
