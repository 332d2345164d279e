package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// Severity ranks a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Issue categories.
const (
	CategoryMissingData     = "missing_data"
	CategoryFileError       = "file_error"
	CategoryEmptyFile       = "empty_file"
	CategoryIVOutlier       = "iv_outlier"
	CategoryPriceOutlier    = "price_outlier"
	CategoryDuplicates      = "duplicates"
	CategoryCrossDuplicates = "cross_duplicates"
	CategoryUnsorted        = "unsorted"
	CategoryDataGap         = "data_gap"
	CategoryCompleteness    = "completeness"
)

// Issue is one finding.
type Issue struct {
	Severity Severity
	Category string
	Message  string
	File     string // empty for catalog-wide findings
}

// Gap is a run of missing day partitions.
type Gap struct {
	After string // last day present before the gap
	Days  int    // distance in days between the two present partitions
}

// Stats summarizes what was scanned.
type Stats struct {
	TotalFiles      int
	TotalRows       int64
	FirstDay        string
	LastDay         string
	IVOutliers      int
	PriceOutliers   int
	Duplicates      int
	Gaps            []Gap
	CompletenessPct float64
}

// Result is the outcome of validating one currency.
type Result struct {
	Currency string
	Passed   bool // no critical issues
	Issues   []Issue
	Stats    Stats
}

// Count returns the number of issues with severity s.
func (r Result) Count(s Severity) int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == s {
			n++
		}
	}
	return n
}

// TradeFileReader gives access to stored day partitions.
type TradeFileReader interface {
	TradeFiles(currency string) ([]string, error)
	LoadTradeFile(path string) ([]domain.OptionTrade, error)
	Inspect(path string) (int64, *domain.TimestampRange, error)
}

// Config holds the thresholds of the validator.
type Config struct {
	Reader                TradeFileReader
	Logger                ports.Logger
	IVMin                 float64
	IVMax                 float64
	DuplicateThresholdPct float64
	GapCriticalDays       int
	GapHighDays           int
	GapMediumDays         int
	CriticalCompleteness  float64
	WarningCompleteness   float64
}

// Validator checks stored trades for data-quality problems.
type Validator struct {
	cfg    Config
	reader TradeFileReader
	logger ports.Logger
}

// New creates a validator.
func New(cfg Config) (*Validator, error) {
	if cfg.Reader == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("reader and logger are required for validator")
	}
	if cfg.IVMax <= cfg.IVMin {
		return nil, fmt.Errorf("%w: IV max %.4f must exceed IV min %.4f", ports.ErrConfigurationError, cfg.IVMax, cfg.IVMin)
	}
	if cfg.GapMediumDays < 1 || cfg.GapHighDays < cfg.GapMediumDays || cfg.GapCriticalDays < cfg.GapHighDays {
		return nil, fmt.Errorf("%w: gap thresholds must satisfy 1 <= medium <= high <= critical", ports.ErrConfigurationError)
	}
	return &Validator{cfg: cfg, reader: cfg.Reader, logger: cfg.Logger}, nil
}

// ValidateTrades scans every day partition of currency.
func (v *Validator) ValidateTrades(ctx context.Context, currency string) (Result, error) {
	currency = strings.ToUpper(currency)
	res := Result{Currency: currency}

	files, err := v.reader.TradeFiles(currency)
	if err != nil {
		return res, fmt.Errorf("validate %s: %w", currency, err)
	}
	if len(files) == 0 {
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityCritical,
			Category: CategoryMissingData,
			Message:  fmt.Sprintf("no trade partitions stored for %s", currency),
		})
		return res, nil
	}
	res.Stats.TotalFiles = len(files)

	seenIDs := make(map[string]bool)
	var prevDay time.Time
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("validate %s: %w: %w", currency, ports.ErrContextCanceled, err)
		}
		name := filepath.Base(path)
		day, err := time.Parse(domain.DayLayout, strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			continue
		}

		trades, err := v.reader.LoadTradeFile(path)
		if err != nil {
			res.Issues = append(res.Issues, Issue{
				Severity: SeverityHigh,
				Category: CategoryFileError,
				Message:  fmt.Sprintf("error reading %s: %v", name, err),
				File:     path,
			})
		} else {
			res.Stats.TotalRows += int64(len(trades))
			res.Issues = append(res.Issues, v.validateFile(path, trades, seenIDs, &res.Stats)...)
		}

		if !prevDay.IsZero() {
			gap := int(day.Sub(prevDay).Hours() / 24)
			if gap > 1 {
				res.Issues = append(res.Issues, Issue{
					Severity: v.gapSeverity(gap),
					Category: CategoryDataGap,
					Message:  fmt.Sprintf("%d day gap between %s and %s", gap, prevDay.Format(domain.DayLayout), day.Format(domain.DayLayout)),
					File:     path,
				})
				res.Stats.Gaps = append(res.Stats.Gaps, Gap{After: prevDay.Format(domain.DayLayout), Days: gap})
			}
		}
		prevDay = day
	}

	first, _ := time.Parse(domain.DayLayout, dayName(files[0]))
	last, _ := time.Parse(domain.DayLayout, dayName(files[len(files)-1]))
	res.Stats.FirstDay = first.Format(domain.DayLayout)
	res.Stats.LastDay = last.Format(domain.DayLayout)

	expected := int(last.Sub(first).Hours()/24) + 1
	if expected > 0 {
		res.Stats.CompletenessPct = float64(len(files)) / float64(expected) * 100
	}
	switch {
	case res.Stats.CompletenessPct < v.cfg.CriticalCompleteness:
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityCritical,
			Category: CategoryCompleteness,
			Message:  fmt.Sprintf("data completeness %.1f%% < %.1f%%", res.Stats.CompletenessPct, v.cfg.CriticalCompleteness),
		})
	case res.Stats.CompletenessPct < v.cfg.WarningCompleteness:
		res.Issues = append(res.Issues, Issue{
			Severity: SeverityMedium,
			Category: CategoryCompleteness,
			Message:  fmt.Sprintf("data completeness %.1f%% < %.1f%%", res.Stats.CompletenessPct, v.cfg.WarningCompleteness),
		})
	}

	res.Passed = res.Count(SeverityCritical) == 0
	v.logger.Info(ctx, "Validation finished", map[string]interface{}{
		"currency": currency,
		"files":    res.Stats.TotalFiles,
		"rows":     res.Stats.TotalRows,
		"issues":   len(res.Issues),
		"passed":   res.Passed,
	})
	return res, nil
}

func (v *Validator) validateFile(path string, trades []domain.OptionTrade, seenIDs map[string]bool, stats *Stats) []Issue {
	var issues []Issue
	name := filepath.Base(path)

	if len(trades) == 0 {
		return append(issues, Issue{
			Severity: SeverityMedium,
			Category: CategoryEmptyFile,
			Message:  fmt.Sprintf("empty file: %s", name),
			File:     path,
		})
	}

	lowIV, highIV, badPrice, unsorted := 0, 0, 0, 0
	fileIDs := make(map[string]bool, len(trades))
	dups, cross := 0, 0
	for i, t := range trades {
		if t.IV != nil {
			if *t.IV < v.cfg.IVMin {
				lowIV++
			}
			if *t.IV > v.cfg.IVMax {
				highIV++
			}
		}
		if t.Price < 0 {
			badPrice++
		}
		if i > 0 && t.Timestamp.Before(trades[i-1].Timestamp) {
			unsorted++
		}
		if fileIDs[t.TradeID] {
			dups++
			continue
		}
		fileIDs[t.TradeID] = true
		if seenIDs[t.TradeID] {
			cross++
		}
	}
	for id := range fileIDs {
		seenIDs[id] = true
	}

	stats.IVOutliers += lowIV + highIV
	stats.PriceOutliers += badPrice
	stats.Duplicates += dups + cross

	if lowIV > 0 {
		issues = append(issues, Issue{SeverityMedium, CategoryIVOutlier, fmt.Sprintf("%d trades with IV < %g", lowIV, v.cfg.IVMin), path})
	}
	if highIV > 0 {
		issues = append(issues, Issue{SeverityMedium, CategoryIVOutlier, fmt.Sprintf("%d trades with IV > %g", highIV, v.cfg.IVMax), path})
	}
	if badPrice > 0 {
		issues = append(issues, Issue{SeverityHigh, CategoryPriceOutlier, fmt.Sprintf("%d trades with negative price", badPrice), path})
	}
	if dups > 0 {
		pct := float64(dups) / float64(len(trades)) * 100
		if pct > v.cfg.DuplicateThresholdPct {
			issues = append(issues, Issue{SeverityHigh, CategoryDuplicates, fmt.Sprintf("%.1f%% duplicates in %s", pct, name), path})
		}
	}
	if cross > 0 {
		issues = append(issues, Issue{SeverityHigh, CategoryCrossDuplicates, fmt.Sprintf("%d duplicate trade IDs across files", cross), path})
	}
	if unsorted > 0 {
		issues = append(issues, Issue{SeverityMedium, CategoryUnsorted, fmt.Sprintf("%d out-of-order timestamps", unsorted), path})
	}
	return issues
}

func (v *Validator) gapSeverity(days int) Severity {
	switch {
	case days >= v.cfg.GapCriticalDays:
		return SeverityCritical
	case days >= v.cfg.GapHighDays:
		return SeverityHigh
	case days >= v.cfg.GapMediumDays:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// QuickCheck reports whether currency has partitions and its first and last ones are readable.
func (v *Validator) QuickCheck(currency string) bool {
	files, err := v.reader.TradeFiles(currency)
	if err != nil || len(files) == 0 {
		return false
	}
	if _, _, err := v.reader.Inspect(files[0]); err != nil {
		return false
	}
	_, _, err = v.reader.Inspect(files[len(files)-1])
	return err == nil
}

func dayName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
