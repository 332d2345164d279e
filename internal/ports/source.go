package ports

import (
	"context"
	"time"

	"deribitArchiver/internal/domain"
)

// TradeQuery selects the trades to fetch for one currency.
type TradeQuery struct {
	Currency string
	Start    time.Time
	End      time.Time
	// ResumeFromMs is the last checkpointed timestamp. When it lies after Start,
	// fetching continues at ResumeFromMs+1.
	ResumeFromMs int64
}

// TradeStream is a lazy, finite sequence of trade batches.
//
//	for stream.Next(ctx) {
//		batch := stream.Batch()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type TradeStream interface {
	// Next fetches the next batch. It returns false when the range is exhausted or an error occurred.
	Next(ctx context.Context) bool
	// Batch returns the trades of the current batch.
	Batch() []domain.OptionTrade
	// Cursor returns the timestamp (ms) of the last raw record consumed so far,
	// including records that were dropped during parsing.
	Cursor() int64
	// Pages returns the number of pages consumed by the current batch.
	Pages() int
	// Dropped returns the cumulative number of records rejected during parsing.
	Dropped() int
	// Err returns the error that stopped the stream, if any.
	Err() error
}

// TradeSource produces option trades from the remote API.
type TradeSource interface {
	StreamTrades(ctx context.Context, q TradeQuery) TradeStream
}

// VolatilitySource fetches volatility index candles.
type VolatilitySource interface {
	FetchVolatility(ctx context.Context, currency string, start, end time.Time, resolution time.Duration) ([]domain.VolatilityCandle, error)
}

// TradeCounter counts remote trades in a time range without storing them.
type TradeCounter interface {
	CountTrades(ctx context.Context, currency string, start, end time.Time) (int64, error)
}

// DeadLetterSink retains records that failed parsing or validation.
type DeadLetterSink interface {
	Write(ctx context.Context, rec domain.FailedRecord) error
}
