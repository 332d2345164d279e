package ports

import (
	"context"
	"time"

	"deribitArchiver/internal/domain"
)

// PartitionStore persists trades in day partitions and volatility candles per currency.
type PartitionStore interface {
	// SaveTrades merges trades into their day partitions and returns the paths of touched files.
	SaveTrades(ctx context.Context, currency string, trades []domain.OptionTrade) ([]string, error)
	// SaveVolatility merges candles into the currency's volatility file and returns its path.
	SaveVolatility(ctx context.Context, currency string, candles []domain.VolatilityCandle) (string, error)
	// LastTradeTimestamp returns the newest stored trade time. Returns ErrNoData when nothing is stored.
	LastTradeTimestamp(ctx context.Context, currency string) (time.Time, error)
	// Stats summarizes stored partitions from file metadata.
	Stats(ctx context.Context, currency string) (domain.StoreStats, error)
	// Root returns the directory all partition paths live under.
	Root() string
}

// FileInspector extracts row count and timestamp extremes from a stored file.
type FileInspector interface {
	Inspect(path string) (rows int64, tsRange *domain.TimestampRange, err error)
}

// CheckpointStore persists per-currency ingestion progress.
type CheckpointStore interface {
	// Save atomically replaces the currency's checkpoint. Returns ErrCheckpointRegression
	// if the state would move backwards.
	Save(ctx context.Context, state domain.CheckpointState) error
	// Load returns the saved state; ok is false when the checkpoint is missing or unreadable.
	Load(ctx context.Context, currency string) (state domain.CheckpointState, ok bool, err error)
	CreateInitial(ctx context.Context, currency string, startMs int64) (domain.CheckpointState, error)
	Exists(currency string) bool
	Delete(ctx context.Context, currency string) error
}

// VerifyReport is the result of verifying every manifest entry.
type VerifyReport struct {
	Passed      int
	Failed      int
	FailedFiles map[string]string // relative path -> reason
}

// Manifest tracks content hashes of stored files.
type Manifest interface {
	UpdateFile(ctx context.Context, path string) (domain.ManifestEntry, error)
	VerifyFile(ctx context.Context, path string) error
	VerifyAll(ctx context.Context) VerifyReport
	Save(ctx context.Context) error
}

// AuditLog records operational events.
type AuditLog interface {
	Record(ctx context.Context, ev domain.AuditEvent) error
}
