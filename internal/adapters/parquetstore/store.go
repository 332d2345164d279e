package parquetstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kzstd "github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
	"deribitArchiver/internal/utils"
)

const (
	fileExt        = ".parquet"
	tradesDir      = "trades"
	volatilityDir  = "dvol"
	volatilityFile = "dvol" + fileExt
)

// Store implements ports.PartitionStore with one Parquet file per currency and UTC day.
type Store struct {
	root   string
	codec  compress.Codec
	logger ports.Logger
}

// Config holds configuration for the Parquet store.
type Config struct {
	Root             string
	Compression      string // zstd, snappy, gzip or none
	CompressionLevel int    // zstd level, 1-22
	Logger           ports.Logger
}

// New creates the catalog root and removes temp files left by an interrupted write.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for parquet store")
	}
	root := cfg.Root
	if root == "" {
		root = "./data/deribit_options"
	}
	codec, err := codecFor(cfg.Compression, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory '%s': %w", root, err)
	}

	removed, err := utils.RemoveOrphanTemps(root, true)
	if err != nil {
		return nil, fmt.Errorf("failed to clean catalog '%s': %w", root, err)
	}
	for _, p := range removed {
		cfg.Logger.Warn(context.Background(), "Removed orphaned partition temp file", map[string]interface{}{"path": p})
	}

	return &Store{root: root, codec: codec, logger: cfg.Logger}, nil
}

func codecFor(name string, level int) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		lvl := zstd.DefaultLevel
		if level > 0 {
			lvl = kzstd.EncoderLevelFromZstd(level)
		}
		return &zstd.Codec{Level: lvl}, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression %q", ports.ErrConfigurationError, name)
	}
}

// Root returns the catalog directory.
func (s *Store) Root() string { return s.root }

// TradePath returns the partition file for currency and day (YYYY-MM-DD).
func (s *Store) TradePath(currency, day string) string {
	return filepath.Join(s.root, strings.ToUpper(currency), tradesDir, day+fileExt)
}

// VolatilityPath returns the DVOL file for currency.
func (s *Store) VolatilityPath(currency string) string {
	return filepath.Join(s.root, strings.ToUpper(currency), volatilityDir, volatilityFile)
}

// SaveTrades merges trades into their day partitions. Existing rows are kept
// unless a new row carries the same trade id, in which case the new row wins.
func (s *Store) SaveTrades(ctx context.Context, currency string, trades []domain.OptionTrade) ([]string, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	byDay := make(map[string][]tradeRow)
	for _, t := range trades {
		day := t.Day()
		byDay[day] = append(byDay[day], toTradeRow(t))
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	written := make([]string, 0, len(days))
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		path := s.TradePath(currency, day)
		existing, err := readRows[tradeRow](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return written, fmt.Errorf("merge partition %s: %w: %w", path, ports.ErrReadFailed, err)
		}
		merged := dedupTrades(append(existing, byDay[day]...))
		if err := writeRows(path, merged, s.codec); err != nil {
			return written, fmt.Errorf("write partition %s: %w: %w", path, ports.ErrWriteFailed, err)
		}
		s.logger.Debug(ctx, "Partition written", map[string]interface{}{
			"currency": currency,
			"day":      day,
			"existing": len(existing),
			"incoming": len(byDay[day]),
			"rows":     len(merged),
		})
		written = append(written, path)
	}
	return written, nil
}

// SaveVolatility merges candles into the currency's DVOL file, keyed by timestamp.
func (s *Store) SaveVolatility(ctx context.Context, currency string, candles []domain.VolatilityCandle) (string, error) {
	path := s.VolatilityPath(currency)
	if len(candles) == 0 {
		return "", nil
	}
	existing, err := readRows[volatilityRow](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("merge volatility %s: %w: %w", path, ports.ErrReadFailed, err)
	}
	rows := existing
	for _, c := range candles {
		rows = append(rows, toVolatilityRow(c))
	}
	merged := dedupVolatility(rows)
	if err := writeRows(path, merged, s.codec); err != nil {
		return "", fmt.Errorf("write volatility %s: %w: %w", path, ports.ErrWriteFailed, err)
	}
	s.logger.Info(ctx, "Volatility file written", map[string]interface{}{"currency": currency, "rows": len(merged)})
	return path, nil
}

func writeRows[T any](path string, rows []T, codec compress.Codec) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[T](w, parquet.Compression(codec))
		if _, err := pw.Write(rows); err != nil {
			_ = pw.Close()
			return err
		}
		return pw.Close()
	})
}

// readRows decodes a whole file. A missing file yields an error wrapping os.ErrNotExist.
func readRows[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return parquet.Read[T](f, info.Size())
}
