package reconcile

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// DefaultTolerancePct is the relative count difference still accepted as a match.
const DefaultTolerancePct = 1.0

// completeThresholdPct is the overall completeness a report needs to count as complete.
const completeThresholdPct = 99.0

// LocalCounter reports stored row counts per day.
type LocalCounter interface {
	DayRowCount(ctx context.Context, currency, day string) (int64, error)
	TradeFiles(currency string) ([]string, error)
}

// Status classifies one reconciled day.
type Status string

const (
	StatusMatched    Status = "matched"
	StatusIncomplete Status = "incomplete"
	StatusMissing    Status = "missing"
	StatusError      Status = "error"
)

// DayResult compares one UTC day.
type DayResult struct {
	Day           string // YYYY-MM-DD
	LocalCount    int64
	APICount      int64
	Difference    int64   // APICount - LocalCount
	DifferencePct float64 // |Difference| / APICount * 100, zero when APICount is zero
	Matched       bool
	Status        Status
	Err           string
}

// Report aggregates the results of a range.
type Report struct {
	Currency         string
	Start            time.Time
	End              time.Time
	TotalDays        int
	MatchedDays      int
	IncompleteDays   int
	MissingDays      int
	TotalLocalTrades int64
	TotalAPITrades   int64
	Sampled          bool
	Results          []DayResult
	Errors           []string
}

// CompletenessPct is the share of remote trades present locally.
func (r Report) CompletenessPct() float64 {
	if r.TotalAPITrades == 0 {
		if r.TotalLocalTrades == 0 {
			return 100
		}
		return 0
	}
	return float64(r.TotalLocalTrades) / float64(r.TotalAPITrades) * 100
}

// Complete reports whether at least 99% of remote trades are stored and no day is missing.
func (r Report) Complete() bool {
	return r.CompletenessPct() >= completeThresholdPct && r.MissingDays == 0
}

// Unmatched returns the days that did not match, errors included.
func (r Report) Unmatched() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status != StatusMatched {
			out = append(out, res.Day)
		}
	}
	return out
}

// Reconciler compares local day partitions with remote trade counts.
type Reconciler struct {
	local        LocalCounter
	remote       ports.TradeCounter
	logger       ports.Logger
	tolerancePct float64
	rng          *rand.Rand
	now          func() time.Time
}

// Config holds configuration for the reconciler.
type Config struct {
	Local        LocalCounter
	Remote       ports.TradeCounter
	Logger       ports.Logger
	TolerancePct float64 // Zero requires exact counts
	Seed         uint64  // Sampling seed; zero seeds from the clock
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Logger == nil || cfg.Local == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("logger, local and remote counters are required for reconciler")
	}
	if cfg.TolerancePct < 0 {
		return nil, fmt.Errorf("%w: tolerance %.2f%% is negative", ports.ErrConfigurationError, cfg.TolerancePct)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Reconciler{
		local:        cfg.Local,
		remote:       cfg.Remote,
		logger:       cfg.Logger,
		tolerancePct: cfg.TolerancePct,
		rng:          rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:          time.Now,
	}, nil
}

// ReconcileDay compares the stored and remote trade counts of one UTC day.
func (r *Reconciler) ReconcileDay(ctx context.Context, currency string, day time.Time) DayResult {
	currency = strings.ToUpper(currency)
	start := truncateDay(day)
	res := DayResult{Day: start.Format(domain.DayLayout)}

	local, err := r.local.DayRowCount(ctx, currency, res.Day)
	if err != nil {
		r.logger.Warn(ctx, "Local partition unreadable", map[string]interface{}{"currency": currency, "day": res.Day, "error": err.Error()})
		res.Status = StatusError
		res.Err = fmt.Sprintf("local count: %v", err)
		return res
	}
	res.LocalCount = local

	api, err := r.remote.CountTrades(ctx, currency, start, start.Add(24*time.Hour-time.Millisecond))
	if err != nil {
		r.logger.Warn(ctx, "Remote count failed", map[string]interface{}{"currency": currency, "day": res.Day, "error": err.Error()})
		res.Status = StatusError
		res.Err = err.Error()
		return res
	}
	res.APICount = api
	res.Difference = api - local
	if api > 0 {
		res.DifferencePct = math.Abs(float64(res.Difference)) / float64(api) * 100
	}
	res.Matched = res.DifferencePct <= r.tolerancePct

	switch {
	case local == 0 && api > 0:
		res.Status = StatusMissing
	case res.Matched:
		res.Status = StatusMatched
	default:
		res.Status = StatusIncomplete
	}
	return res
}

// ReconcileRange reconciles every day in [start, end]. A positive sampleDays
// smaller than the range checks that many randomly chosen days instead.
// On cancellation the partial report is returned with the context error.
func (r *Reconciler) ReconcileRange(ctx context.Context, currency string, start, end time.Time, sampleDays int) (Report, error) {
	currency = strings.ToUpper(currency)
	report := Report{Currency: currency, Start: start.UTC(), End: end.UTC()}

	var days []time.Time
	for d := truncateDay(start); !d.After(end.UTC()); d = d.Add(24 * time.Hour) {
		days = append(days, d)
	}
	if sampleDays > 0 && sampleDays < len(days) {
		days = r.sample(days, sampleDays)
		report.Sampled = true
	}
	report.TotalDays = len(days)

	for _, d := range days {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reconcile %s: %w: %w", currency, ports.ErrContextCanceled, err)
		}
		res := r.ReconcileDay(ctx, currency, d)
		report.Results = append(report.Results, res)
		report.TotalLocalTrades += res.LocalCount
		report.TotalAPITrades += res.APICount

		switch res.Status {
		case StatusError:
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", res.Day, res.Err))
		case StatusMissing:
			report.MissingDays++
		case StatusMatched:
			report.MatchedDays++
		default:
			report.IncompleteDays++
		}
	}

	r.logger.Info(ctx, "Reconciliation finished", map[string]interface{}{
		"currency":     currency,
		"days":         report.TotalDays,
		"matched":      report.MatchedDays,
		"incomplete":   report.IncompleteDays,
		"missing":      report.MissingDays,
		"errors":       len(report.Errors),
		"completeness": fmt.Sprintf("%.2f%%", report.CompletenessPct()),
	})
	return report, nil
}

// QuickReconcile samples days between the first and last stored partition.
func (r *Reconciler) QuickReconcile(ctx context.Context, currency string, sampleDays int) (Report, error) {
	currency = strings.ToUpper(currency)
	files, err := r.local.TradeFiles(currency)
	if err != nil {
		return Report{}, fmt.Errorf("quick reconcile %s: %w", currency, err)
	}
	if len(files) == 0 {
		now := r.now().UTC()
		return Report{Currency: currency, Start: now, End: now, Errors: []string{"no local data found"}}, nil
	}
	first, err := dayFromPath(files[0])
	if err != nil {
		return Report{}, fmt.Errorf("quick reconcile %s: %w", currency, err)
	}
	last, err := dayFromPath(files[len(files)-1])
	if err != nil {
		return Report{}, fmt.Errorf("quick reconcile %s: %w", currency, err)
	}
	return r.ReconcileRange(ctx, currency, first, last, sampleDays)
}

// sample picks n days at random and returns them in ascending order.
func (r *Reconciler) sample(days []time.Time, n int) []time.Time {
	idx := r.rng.Perm(len(days))[:n]
	sort.Ints(idx)
	out := make([]time.Time, n)
	for i, j := range idx {
		out[i] = days[j]
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayFromPath(path string) (time.Time, error) {
	return time.Parse(domain.DayLayout, strings.TrimSuffix(filepath.Base(path), ".parquet"))
}
