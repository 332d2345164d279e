package deribit

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

func collect(t *testing.T, stream ports.TradeStream) ([][]domain.OptionTrade, error) {
	t.Helper()
	var batches [][]domain.OptionTrade
	for stream.Next(context.Background()) {
		batches = append(batches, stream.Batch())
	}
	return batches, stream.Err()
}

func TestParseTrade(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, tr domain.OptionTrade)
	}{
		{
			name: "iv converted from percent",
			raw:  `{"trade_id":"ETH-1","instrument_name":"ETH-3JAN25-3500-P","timestamp":1704067200000,"price":0.01,"iv":65.5,"amount":2,"direction":"sell","mark_price":0.011}`,
			check: func(t *testing.T, tr domain.OptionTrade) {
				require.NotNil(t, tr.IV)
				assert.InDelta(t, 0.655, *tr.IV, 1e-9)
				assert.Equal(t, domain.DirectionSell, tr.Direction)
				assert.Equal(t, domain.OptionPut, tr.OptionType)
				require.NotNil(t, tr.MarkPrice)
				assert.Nil(t, tr.IndexPrice)
			},
		},
		{
			name: "zero iv is unknown",
			raw:  `{"trade_id":"1","instrument_name":"BTC-27DEC24-100000-C","timestamp":1704067200000,"price":0.05,"iv":0,"amount":1,"direction":"buy"}`,
			check: func(t *testing.T, tr domain.OptionTrade) {
				assert.Nil(t, tr.IV)
			},
		},
		{
			name: "numeric trade id",
			raw:  `{"trade_id":98765,"instrument_name":"BTC-27DEC24-100000-C","timestamp":1704067200000,"price":0.05,"amount":1,"direction":"buy"}`,
			check: func(t *testing.T, tr domain.OptionTrade) {
				assert.Equal(t, "98765", tr.TradeID)
			},
		},
		{
			name: "missing trade id falls back to timestamp",
			raw:  `{"instrument_name":"BTC-27DEC24-100000-C","timestamp":1704067200000,"price":0.05,"amount":1,"direction":"buy"}`,
			check: func(t *testing.T, tr domain.OptionTrade) {
				assert.Equal(t, "1704067200000", tr.TradeID)
			},
		},
		{name: "iv above 500 percent", raw: `{"trade_id":"1","instrument_name":"BTC-27DEC24-100000-C","timestamp":1,"price":0.05,"iv":650,"amount":1,"direction":"buy"}`, wantErr: true},
		{name: "bad instrument", raw: `{"trade_id":"1","instrument_name":"BTC-PERPETUAL","timestamp":1,"price":1,"amount":1,"direction":"buy"}`, wantErr: true},
		{name: "missing price", raw: `{"trade_id":"1","instrument_name":"BTC-27DEC24-100000-C","timestamp":1,"amount":1,"direction":"buy"}`, wantErr: true},
		{name: "price wrong type", raw: `{"trade_id":"1","instrument_name":"BTC-27DEC24-100000-C","timestamp":1,"price":"x","amount":1,"direction":"buy"}`, wantErr: true},
		{name: "bad direction", raw: `{"trade_id":"1","instrument_name":"BTC-27DEC24-100000-C","timestamp":1,"price":1,"amount":1,"direction":"up"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := parseTrade(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ports.ErrMalformedRecord)
				return
			}
			require.NoError(t, err)
			tt.check(t, tr)
		})
	}
}

func TestStreamTrades_PaginatesAndBatches(t *testing.T) {
	fake := &fakeDeribit{trades: makeTrades(25, time.Minute)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	t.Run("one page per batch", func(t *testing.T) {
		c := newTestClient(t, srv, nil)
		stream := c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(24 * time.Hour)})
		batches, err := collect(t, stream)
		require.NoError(t, err)
		require.Len(t, batches, 3)
		assert.Len(t, batches[0], 10)
		assert.Len(t, batches[1], 10)
		assert.Len(t, batches[2], 5)
		assert.Equal(t, baseTime.Add(24*time.Minute).UnixMilli(), stream.Cursor())
	})

	t.Run("pages accumulate until flush", func(t *testing.T) {
		c := newTestClient(t, srv, func(cfg *Config) { cfg.FlushEveryPages = 2 })
		batches, err := collect(t, c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(24 * time.Hour)}))
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Len(t, batches[0], 20)
		assert.Len(t, batches[1], 5)
	})

	t.Run("page ceiling stops the stream", func(t *testing.T) {
		c := newTestClient(t, srv, func(cfg *Config) { cfg.MaxPages = 2 })
		batches, err := collect(t, c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(24 * time.Hour)}))
		require.NoError(t, err)
		assert.Len(t, batches, 2)
	})

	t.Run("end bound is respected", func(t *testing.T) {
		c := newTestClient(t, srv, nil)
		batches, err := collect(t, c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(4 * time.Minute)}))
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Len(t, batches[0], 5)
	})
}

func TestStreamTrades_ResumeMatchesSingleFetch(t *testing.T) {
	fake := &fakeDeribit{trades: makeTrades(25, time.Minute)}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	q := ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(24 * time.Hour)}

	full, err := collect(t, c.StreamTrades(context.Background(), q))
	require.NoError(t, err)
	want := map[string]bool{}
	for _, b := range full {
		for _, tr := range b {
			want[tr.TradeID] = true
		}
	}

	// Interrupt after the first batch.
	first := c.StreamTrades(context.Background(), q)
	require.True(t, first.Next(context.Background()))
	got := map[string]int{}
	for _, tr := range first.Batch() {
		got[tr.TradeID]++
	}

	q.ResumeFromMs = first.Cursor()
	rest, err := collect(t, c.StreamTrades(context.Background(), q))
	require.NoError(t, err)
	for _, b := range rest {
		for _, tr := range b {
			got[tr.TradeID]++
		}
	}

	assert.Len(t, got, len(want))
	for id, n := range got {
		assert.True(t, want[id], id)
		assert.Equal(t, 1, n, "trade %s fetched more than once", id)
	}
}

func TestStreamTrades_DropsMalformedRecords(t *testing.T) {
	trades := makeTrades(10, time.Minute)
	trades[2]["instrument_name"] = "BTC-PERPETUAL"
	delete(trades[5], "price")
	trades[9]["instrument_name"] = "garbage" // last record still advances the cursor

	fake := &fakeDeribit{trades: trades}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dlq := &mockDeadLetters{}
	c := newTestClient(t, srv, func(cfg *Config) { cfg.DeadLetters = dlq })
	stream := c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(time.Hour)})

	batches, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 7)
	assert.Equal(t, 3, stream.Dropped())
	assert.Equal(t, baseTime.Add(9*time.Minute).UnixMilli(), stream.Cursor())

	require.Len(t, dlq.records, 3)
	assert.Equal(t, "BTC", dlq.records[0].Currency)
	assert.Equal(t, "BTC-PERPETUAL", dlq.records[0].Instrument)
	assert.NotEmpty(t, dlq.records[1].RawData)
}

func TestStreamTrades_ErrorStopsWithoutAdvancingCursor(t *testing.T) {
	fake := &fakeDeribit{trades: makeTrades(25, time.Minute)}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	stream := c.StreamTrades(context.Background(), ports.TradeQuery{Currency: "BTC", Start: baseTime, End: baseTime.Add(24 * time.Hour)})
	require.True(t, stream.Next(context.Background()))
	cursor := stream.Cursor()

	fake.mu.Lock()
	fake.failures = []int{500, 500, 500}
	fake.mu.Unlock()

	assert.False(t, stream.Next(context.Background()))
	assert.ErrorIs(t, stream.Err(), ports.ErrRetriesExhausted)
	assert.Equal(t, cursor, stream.Cursor())
	assert.False(t, stream.Next(context.Background()))
}

func TestCountTrades(t *testing.T) {
	fake := &fakeDeribit{trades: makeTrades(25, time.Minute)}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	n, err := c.CountTrades(context.Background(), "BTC", baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	n, err = c.CountTrades(context.Background(), "BTC", baseTime.Add(2*time.Hour), baseTime.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
