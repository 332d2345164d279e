package parquetstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// TradeFiles lists the day partitions of currency in ascending day order.
func (s *Store) TradeFiles(currency string) ([]string, error) {
	dir := filepath.Join(s.root, strings.ToUpper(currency), tradesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions in %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if _, err := time.Parse(domain.DayLayout, strings.TrimSuffix(e.Name(), fileExt)); err != nil {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// DayOf returns the day a partition path is named after.
func DayOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), fileExt)
}

// LastTradeTimestamp reads only the newest day partition.
func (s *Store) LastTradeTimestamp(ctx context.Context, currency string) (time.Time, error) {
	files, err := s.TradeFiles(currency)
	if err != nil {
		return time.Time{}, err
	}
	if len(files) == 0 {
		return time.Time{}, fmt.Errorf("last trade timestamp for %s: %w", currency, ports.ErrNoData)
	}
	last := files[len(files)-1]
	_, tsRange, err := s.Inspect(last)
	if err != nil {
		return time.Time{}, err
	}
	if tsRange == nil {
		return time.Time{}, fmt.Errorf("last trade timestamp for %s: %w: %s is empty", currency, ports.ErrNoData, last)
	}
	return tsRange.Max, nil
}

// Stats aggregates row counts from file footers and sizes from the filesystem.
func (s *Store) Stats(ctx context.Context, currency string) (domain.StoreStats, error) {
	stats := domain.StoreStats{Currency: strings.ToUpper(currency)}
	files, err := s.TradeFiles(currency)
	if err != nil {
		return stats, err
	}
	for _, path := range files {
		rows, size, err := footerRows(path)
		if err != nil {
			return stats, fmt.Errorf("stats for %s: %w: %w", path, ports.ErrReadFailed, err)
		}
		stats.FileCount++
		stats.TotalRows += rows
		stats.TotalBytes += size
	}
	if len(files) > 0 {
		stats.FirstDay = DayOf(files[0])
		stats.LastDay = DayOf(files[len(files)-1])
	}
	return stats, nil
}

// DayRowCount returns the number of stored trades for one day; zero when the partition is missing.
func (s *Store) DayRowCount(ctx context.Context, currency, day string) (int64, error) {
	rows, _, err := footerRows(s.TradePath(currency, day))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return rows, err
}

// Inspect returns the row count and timestamp extremes of a stored file.
// It implements ports.FileInspector.
func (s *Store) Inspect(path string) (int64, *domain.TimestampRange, error) {
	rows, err := readRows[timestampRow](path)
	if err != nil {
		return 0, nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}
	lo, hi := rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp < lo {
			lo = r.Timestamp
		}
		if r.Timestamp > hi {
			hi = r.Timestamp
		}
	}
	return int64(len(rows)), &domain.TimestampRange{
		Min: time.UnixMilli(lo).UTC(),
		Max: time.UnixMilli(hi).UTC(),
	}, nil
}

// LoadTrades returns the stored trades of one day partition as written.
func (s *Store) LoadTrades(ctx context.Context, currency, day string) ([]domain.OptionTrade, error) {
	return s.LoadTradeFile(s.TradePath(currency, day))
}

// LoadTradeFile decodes a trade partition by path.
func (s *Store) LoadTradeFile(path string) ([]domain.OptionTrade, error) {
	rows, err := readRows[tradeRow](path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	out := make([]domain.OptionTrade, len(rows))
	for i, r := range rows {
		out[i] = fromTradeRow(r)
	}
	return out, nil
}

// LoadVolatility returns the stored DVOL candles of currency.
func (s *Store) LoadVolatility(ctx context.Context, currency string) ([]domain.VolatilityCandle, error) {
	rows, err := readRows[volatilityRow](s.VolatilityPath(currency))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load volatility for %s: %w", currency, err)
	}
	out := make([]domain.VolatilityCandle, len(rows))
	for i, r := range rows {
		out[i] = fromVolatilityRow(r)
	}
	return out, nil
}

// Currencies lists the currency directories present in the catalog. Hidden and
// underscore-prefixed directories hold bookkeeping and are skipped.
func (s *Store) Currencies() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list catalog %s: %w", s.root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && !strings.HasPrefix(e.Name(), "_") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// footerRows reads the row count from the file metadata without decoding pages.
func footerRows(path string) (rows int64, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	pf, err := parquet.OpenFile(f, info.Size(), parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return 0, 0, err
	}
	return pf.NumRows(), info.Size(), nil
}
