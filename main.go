package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"deribitArchiver/config"
	"deribitArchiver/internal/adapters/checkpoint"
	"deribitArchiver/internal/adapters/deribit"
	"deribitArchiver/internal/adapters/logger"
	"deribitArchiver/internal/adapters/manifest"
	"deribitArchiver/internal/adapters/parquetstore"
	"deribitArchiver/internal/adapters/sqlite"
	"deribitArchiver/internal/app"
	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
	"deribitArchiver/internal/reconcile"
	"deribitArchiver/internal/utils"
	"deribitArchiver/internal/validation"
)

const usage = `usage: deribitArchiver [-config file.yaml] <command> [flags]

commands:
  backfill   ingest a historical range (resumable)
  sync       fetch trades newer than the last stored one
  dvol       download the DVOL volatility index
  verify     check stored files against the manifest
  validate   run data-quality checks on stored trades
  reconcile  compare stored daily counts with the exchange
  info       summarize the catalog
  export     write one day of trades to CSV
  dlq        list records that failed to parse
`

// components holds the wired adapters shared by every command.
type components struct {
	cfg         *config.Config
	logger      *logger.StdLogger
	repo        *sqlite.Repository // nil when dead letters are disabled
	client      *deribit.Client
	store       *parquetstore.Store
	checkpoints *checkpoint.Store
	manifest    *manifest.Manifest
	service     *app.IngestionService
}

type command func(ctx context.Context, c *components, args []string) error

var commands = map[string]command{
	"backfill":  runBackfill,
	"sync":      runSync,
	"dvol":      runDVOL,
	"verify":    runVerify,
	"validate":  runValidate,
	"reconcile": runReconcile,
	"info":      runInfo,
	"export":    runExport,
	"dlq":       runDLQ,
}

func main() {
	global := flag.NewFlagSet("deribitArchiver", flag.ExitOnError)
	configPath := global.String("config", "", "YAML configuration file (environment variables still override)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		global.Usage()
		os.Exit(2)
	}

	// 1. Load Configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	appLogger.Debug(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Wire adapters and the ingestion service
	c, err := wire(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize components")
		log.Fatalf("FATAL: Failed to initialize components: %v", err)
	}
	defer c.close()

	// 4. Run the command until it finishes or a signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, c, args[1:]); err != nil {
		appLogger.Error(ctx, err, "Command failed", map[string]interface{}{"command": args[0]})
		c.close()
		os.Exit(1)
	}
}

func wire(cfg *config.Config, appLogger *logger.StdLogger) (*components, error) {
	c := &components{cfg: cfg, logger: appLogger}

	var deadLetters ports.DeadLetterSink
	var audit ports.AuditLog
	if cfg.DeadLetterDB != "" {
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DeadLetterDB, Logger: appLogger})
		if err != nil {
			return nil, err
		}
		c.repo = repo
		deadLetters = repo
		audit = repo
	}

	client, err := deribit.New(deribit.Config{
		BaseURL:         cfg.BaseURL,
		VolatilityURL:   cfg.VolatilityURL,
		Timeout:         cfg.HTTPTimeout,
		MaxRetries:      cfg.MaxRetries,
		RateLimitDelay:  cfg.RateLimitDelay,
		BackoffBase:     cfg.BackoffBase,
		MaxBackoff:      cfg.MaxBackoff,
		PageSize:        cfg.PageSize,
		MaxPages:        cfg.MaxPages,
		FlushEveryPages: cfg.FlushEveryPages,
		Logger:          appLogger,
		DeadLetters:     deadLetters,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	c.client = client

	store, err := parquetstore.New(parquetstore.Config{
		Root:             cfg.CatalogPath,
		Compression:      cfg.Compression,
		CompressionLevel: cfg.CompressionLevel,
		Logger:           appLogger,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	c.store = store

	c.checkpoints, err = checkpoint.New(checkpoint.Config{Dir: cfg.CheckpointDir, Logger: appLogger})
	if err != nil {
		c.close()
		return nil, err
	}
	c.manifest, err = manifest.New(manifest.Config{Root: cfg.CatalogPath, Inspector: store, Logger: appLogger})
	if err != nil {
		c.close()
		return nil, err
	}

	c.service, err = app.NewIngestionService(cfg, appLogger, client, client, store, c.checkpoints, c.manifest, audit)
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *components) close() {
	if c.repo == nil {
		return
	}
	if err := c.repo.Close(); err != nil {
		c.logger.Error(context.Background(), err, "Error closing dead-letter database")
	}
	c.repo = nil
}

func (c *components) record(ctx context.Context, eventType domain.AuditEventType, currency string, details map[string]interface{}) {
	if c.repo == nil {
		return
	}
	if err := c.repo.Record(ctx, domain.AuditEvent{Type: eventType, Currency: currency, Details: details}); err != nil {
		c.logger.Warn(ctx, "Audit event not recorded", map[string]interface{}{"event": string(eventType), "error": err.Error()})
	}
}

// --- flag helpers ---

func currencyList(flagValue string, defaults []string) ([]string, error) {
	if flagValue == "" {
		return defaults, nil
	}
	var out []string
	for _, part := range strings.Split(flagValue, ",") {
		cur := strings.ToUpper(strings.TrimSpace(part))
		if cur == "" {
			continue
		}
		if !domain.SupportedUnderlyings[cur] {
			return nil, fmt.Errorf("%w: unsupported currency %q", ports.ErrInvalidRequest, cur)
		}
		out = append(out, cur)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no currency given", ports.ErrInvalidRequest)
	}
	return out, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty value yields fallback.
func parseDate(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	if t, err := time.Parse(domain.DayLayout, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, want YYYY-MM-DD or RFC 3339", ports.ErrInvalidRequest, v)
	}
	return t.UTC(), nil
}

// forEachCurrency runs fn for every currency concurrently and joins the failures.
func forEachCurrency(ctx context.Context, currencies []string, fn func(ctx context.Context, currency string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, cur := range currencies {
		g.Go(func() error {
			if err := fn(ctx, cur); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cur, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func printRun(res app.RunResult) {
	fmt.Printf("%-5s run=%s trades=%d batches=%d dropped=%d files=%d resumed=%v in %s\n",
		res.Currency, res.RunID, res.Trades, res.Batches, res.Dropped, len(res.Files), res.Resumed, res.Duration.Round(time.Millisecond))
}

// --- commands ---

func runBackfill(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	currency := fs.String("currency", "", "comma-separated currencies (default from config)")
	startFlag := fs.String("start", "", "range start (default DERIBIT_HISTORICAL_START)")
	endFlag := fs.String("end", "", "range end (default now)")
	resume := fs.Bool("resume", false, "continue from the saved checkpoint")
	_ = fs.Parse(args)

	currencies, err := currencyList(*currency, c.cfg.Currencies)
	if err != nil {
		return err
	}
	start, err := parseDate(*startFlag, c.cfg.HistoricalStart)
	if err != nil {
		return err
	}
	end, err := parseDate(*endFlag, time.Now().UTC())
	if err != nil {
		return err
	}

	return forEachCurrency(ctx, currencies, func(ctx context.Context, cur string) error {
		res, err := c.service.Backfill(ctx, cur, start, end, *resume)
		printRun(res)
		return err
	})
}

func runSync(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	currency := fs.String("currency", "", "comma-separated currencies (default from config)")
	_ = fs.Parse(args)

	currencies, err := currencyList(*currency, c.cfg.Currencies)
	if err != nil {
		return err
	}
	return forEachCurrency(ctx, currencies, func(ctx context.Context, cur string) error {
		res, err := c.service.Sync(ctx, cur)
		printRun(res)
		return err
	})
}

func runDVOL(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("dvol", flag.ExitOnError)
	currency := fs.String("currency", "", "comma-separated currencies (default from config)")
	startFlag := fs.String("start", "", "range start (default DERIBIT_HISTORICAL_START)")
	endFlag := fs.String("end", "", "range end (default now)")
	_ = fs.Parse(args)

	currencies, err := currencyList(*currency, c.cfg.Currencies)
	if err != nil {
		return err
	}
	start, err := parseDate(*startFlag, c.cfg.HistoricalStart)
	if err != nil {
		return err
	}
	end, err := parseDate(*endFlag, time.Now().UTC())
	if err != nil {
		return err
	}
	return forEachCurrency(ctx, currencies, func(ctx context.Context, cur string) error {
		n, path, err := c.service.DownloadVolatility(ctx, cur, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("%-5s candles=%d file=%s\n", cur, n, path)
		return nil
	})
}

func runVerify(ctx context.Context, c *components, args []string) error {
	report := c.service.Verify(ctx)
	fmt.Printf("verified=%d failed=%d\n", report.Passed, report.Failed)
	paths := make([]string, 0, len(report.FailedFiles))
	for p := range report.FailedFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Printf("  FAIL %s: %s\n", p, report.FailedFiles[p])
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d files failed verification", report.Failed)
	}
	return nil
}

func runValidate(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	currency := fs.String("currency", "", "comma-separated currencies (default from config)")
	quick := fs.Bool("quick", false, "only check that the first and last partitions are readable")
	_ = fs.Parse(args)

	currencies, err := currencyList(*currency, c.cfg.Currencies)
	if err != nil {
		return err
	}
	vc := c.cfg.Validation
	v, err := validation.New(validation.Config{
		Reader:                c.store,
		Logger:                c.logger,
		IVMin:                 vc.IVMin,
		IVMax:                 vc.IVMax,
		DuplicateThresholdPct: vc.DuplicateThresholdPct,
		GapCriticalDays:       vc.GapCriticalDays,
		GapHighDays:           vc.GapHighDays,
		GapMediumDays:         vc.GapMediumDays,
		CriticalCompleteness:  vc.CriticalCompleteness,
		WarningCompleteness:   vc.WarningCompleteness,
	})
	if err != nil {
		return err
	}

	var failed []string
	for _, cur := range currencies {
		if *quick {
			ok := v.QuickCheck(cur)
			fmt.Printf("%-5s quick check passed=%v\n", cur, ok)
			if !ok {
				failed = append(failed, cur)
			}
			continue
		}
		res, err := v.ValidateTrades(ctx, cur)
		if err != nil {
			return err
		}
		s := res.Stats
		fmt.Printf("%-5s passed=%v files=%d rows=%d days=%s..%s completeness=%.1f%% issues=%d (critical=%d high=%d)\n",
			cur, res.Passed, s.TotalFiles, s.TotalRows, s.FirstDay, s.LastDay, s.CompletenessPct,
			len(res.Issues), res.Count(validation.SeverityCritical), res.Count(validation.SeverityHigh))
		for _, issue := range res.Issues {
			fmt.Printf("  [%s] %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Category, issue.Message)
		}
		c.record(ctx, domain.AuditValidationRun, cur, map[string]interface{}{
			"passed":     res.Passed,
			"files":      s.TotalFiles,
			"rows":       s.TotalRows,
			"issues":     len(res.Issues),
			"critical":   res.Count(validation.SeverityCritical),
			"completion": s.CompletenessPct,
		})
		if !res.Passed {
			failed = append(failed, cur)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("validation failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func runReconcile(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	currency := fs.String("currency", "", "comma-separated currencies (default from config)")
	startFlag := fs.String("start", "", "range start (default: first stored day)")
	endFlag := fs.String("end", "", "range end (default: last stored day)")
	sample := fs.Int("sample", c.cfg.ReconcileSampleDays, "check this many random days; 0 checks every day")
	_ = fs.Parse(args)

	currencies, err := currencyList(*currency, c.cfg.Currencies)
	if err != nil {
		return err
	}
	r, err := reconcile.New(reconcile.Config{
		Local:        c.store,
		Remote:       c.client,
		Logger:       c.logger,
		TolerancePct: c.cfg.ReconcileTolerancePct,
	})
	if err != nil {
		return err
	}

	var incomplete []string
	for _, cur := range currencies {
		var report reconcile.Report
		if *startFlag == "" && *endFlag == "" {
			report, err = r.QuickReconcile(ctx, cur, *sample)
		} else {
			var start, end time.Time
			if start, err = parseDate(*startFlag, c.cfg.HistoricalStart); err != nil {
				return err
			}
			if end, err = parseDate(*endFlag, time.Now().UTC()); err != nil {
				return err
			}
			report, err = r.ReconcileRange(ctx, cur, start, end, *sample)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%-5s days=%d matched=%d incomplete=%d missing=%d local=%d remote=%d completeness=%.2f%% sampled=%v\n",
			cur, report.TotalDays, report.MatchedDays, report.IncompleteDays, report.MissingDays,
			report.TotalLocalTrades, report.TotalAPITrades, report.CompletenessPct(), report.Sampled)
		for _, res := range report.Results {
			if res.Status != reconcile.StatusMatched {
				fmt.Printf("  %s %-10s local=%d remote=%d diff=%.2f%% %s\n", res.Day, res.Status, res.LocalCount, res.APICount, res.DifferencePct, res.Err)
			}
		}
		c.record(ctx, domain.AuditReconcileRun, cur, map[string]interface{}{
			"days":         report.TotalDays,
			"matched":      report.MatchedDays,
			"missing":      report.MissingDays,
			"completeness": report.CompletenessPct(),
			"complete":     report.Complete(),
		})
		if !report.Complete() {
			incomplete = append(incomplete, cur)
		}
	}
	if len(incomplete) > 0 {
		return fmt.Errorf("reconciliation incomplete for %s", strings.Join(incomplete, ", "))
	}
	return nil
}

func runInfo(ctx context.Context, c *components, args []string) error {
	currencies, err := c.store.Currencies()
	if err != nil {
		return err
	}
	fmt.Printf("catalog: %s\n", c.store.Root())
	for _, cur := range currencies {
		stats, err := c.store.Stats(ctx, cur)
		if err != nil {
			return err
		}
		fmt.Printf("  %-5s files=%d rows=%d bytes=%d days=%s..%s\n",
			cur, stats.FileCount, stats.TotalRows, stats.TotalBytes, stats.FirstDay, stats.LastDay)
	}

	files, rows, bytes := c.manifest.Totals()
	fmt.Printf("manifest: %s files=%d rows=%d bytes=%d\n", c.manifest.Path(), files, rows, bytes)

	states, err := c.checkpoints.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		fmt.Printf("checkpoint: %-5s cursor=%s trades=%d pages=%d flushed=%s\n",
			s.Currency, time.UnixMilli(s.LastTimestampMs).UTC().Format(time.RFC3339), s.TradesFetched, s.LastPage, s.LastFlushAt.Format(time.RFC3339))
	}

	if c.repo == nil {
		return nil
	}
	dead, err := c.repo.CountDeadLetters(ctx, "")
	if err != nil {
		return err
	}
	fmt.Printf("dead letters: %d\n", dead)
	summary, err := c.repo.EventSummary(ctx)
	if err != nil {
		return err
	}
	types := make([]string, 0, len(summary))
	for t := range summary {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("audit: %-18s %d\n", t, summary[domain.AuditEventType(t)])
	}
	return nil
}

func runExport(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	currency := fs.String("currency", "BTC", "currency to export")
	day := fs.String("day", "", "UTC day to export (YYYY-MM-DD)")
	dvol := fs.Bool("dvol", false, "export the DVOL series instead of trades")
	out := fs.String("out", "", "output CSV file (default <currency>_<day>.csv)")
	_ = fs.Parse(args)

	cur := strings.ToUpper(*currency)
	if *dvol {
		candles, err := c.store.LoadVolatility(ctx, cur)
		if err != nil {
			return err
		}
		path := *out
		if path == "" {
			path = fmt.Sprintf("%s_dvol.csv", cur)
		}
		if err := utils.WriteVolatilityToCSV(candles, path); err != nil {
			return err
		}
		c.logger.Info(ctx, "Saved to", map[string]interface{}{"filename": path, "candles": len(candles)})
		return nil
	}

	if _, err := time.Parse(domain.DayLayout, *day); err != nil {
		return fmt.Errorf("%w: -day must be YYYY-MM-DD", ports.ErrInvalidRequest)
	}
	trades, err := c.store.LoadTrades(ctx, cur, *day)
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = fmt.Sprintf("%s_%s.csv", cur, *day)
	}
	if err := utils.WriteTradesToCSV(trades, path); err != nil {
		return err
	}
	c.logger.Info(ctx, "Saved to", map[string]interface{}{"filename": path, "trades": len(trades)})
	return nil
}

func runDLQ(ctx context.Context, c *components, args []string) error {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	currency := fs.String("currency", "", "filter by currency (default all)")
	limit := fs.Int("limit", 20, "records to show, newest first")
	_ = fs.Parse(args)

	if c.repo == nil {
		return fmt.Errorf("%w: dead letters are disabled (DERIBIT_DEAD_LETTER_DB is empty)", ports.ErrConfigurationError)
	}
	total, err := c.repo.CountDeadLetters(ctx, *currency)
	if err != nil {
		return err
	}
	records, err := c.repo.ListDeadLetters(ctx, *currency, *limit)
	if err != nil {
		return err
	}
	fmt.Printf("dead letters: %d\n", total)
	for _, r := range records {
		fmt.Printf("  %s %-5s %-26s %s\n", r.Timestamp.UTC().Format(time.RFC3339), r.Currency, r.Instrument, r.Error)
	}
	return nil
}
