package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deribitArchiver/internal/adapters/logger" // Import the logger package for LogLevel
	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/reconcile"
)

// ValidationConfig holds the data-quality thresholds used by the validator.
type ValidationConfig struct {
	IVMin                 float64 // Implied volatility below this is an outlier
	IVMax                 float64 // Implied volatility above this is an outlier
	DuplicateThresholdPct float64 // Max duplicate % allowed within one file
	GapCriticalDays       int
	GapHighDays           int
	GapMediumDays         int
	CriticalCompleteness  float64 // %
	WarningCompleteness   float64 // %
}

// Config holds all application configuration.
type Config struct {
	// Deribit API
	BaseURL        string
	VolatilityURL  string
	HTTPTimeout    time.Duration
	MaxRetries     int
	RateLimitDelay time.Duration
	BackoffBase    float64
	MaxBackoff     time.Duration
	PageSize       int // Trades per page
	MaxPages       int // Safety limit on pages per stream

	// Backfill
	HistoricalStart time.Time
	FlushEveryPages int
	CheckpointDir   string
	Currencies      []string

	// Storage
	CatalogPath      string
	Compression      string
	CompressionLevel int
	DeadLetterDB     string // SQLite file for dead letters and the audit trail; empty disables both

	// Volatility index
	DVOLResolution time.Duration

	// Quality
	Validation            ValidationConfig
	ReconcileTolerancePct float64
	ReconcileSampleDays   int

	// Scheduling
	SyncSchedule string // cron expression used by the daily sync daemon

	// Logging
	LogLevel  logger.LogLevel
	LogFormat logger.Format
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		BaseURL:          "https://history.deribit.com/api/v2/public",
		VolatilityURL:    "https://www.deribit.com/api/v2/public/get_volatility_index_data",
		HTTPTimeout:      30 * time.Second,
		MaxRetries:       3,
		RateLimitDelay:   100 * time.Millisecond,
		BackoffBase:      2.0,
		MaxBackoff:       5 * time.Minute,
		PageSize:         10000,
		MaxPages:         20000,
		HistoricalStart:  time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
		FlushEveryPages:  100,
		CheckpointDir:    ".checkpoints",
		Currencies:       []string{"BTC", "ETH"},
		CatalogPath:      "./data/deribit_options",
		Compression:      "zstd",
		CompressionLevel: 3,
		DeadLetterDB:     "./data/deribit_options/_dead_letters/failed_records.db",
		DVOLResolution:   time.Hour,
		Validation: ValidationConfig{
			IVMin:                 0.01,
			IVMax:                 domain.MaxImpliedVolatility,
			DuplicateThresholdPct: 5.0,
			GapCriticalDays:       7,
			GapHighDays:           3,
			GapMediumDays:         1,
			CriticalCompleteness:  50.0,
			WarningCompleteness:   80.0,
		},
		ReconcileTolerancePct: reconcile.DefaultTolerancePct,
		ReconcileSampleDays:   10,
		SyncSchedule:          "0 5 0 * * *",
		LogLevel:              logger.LevelInfo,
		LogFormat:             logger.FormatText,
	}
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := Default()
	var errs []string
	applyEnv(cfg, &errs)
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// LoadFile loads configuration from a YAML file. ${VAR} references are expanded
// before parsing; environment variables then override file values.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	fc := toFile(cfg)
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}

	var errs []string
	fc.apply(cfg, &errs)
	applyEnv(cfg, &errs)
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// applyEnv overrides cfg with DERIBIT_* variables that are set.
func applyEnv(cfg *Config, errs *[]string) {
	var err error

	// Deribit API
	cfg.BaseURL = getEnv("DERIBIT_BASE_URL", cfg.BaseURL)
	cfg.VolatilityURL = getEnv("DERIBIT_VOLATILITY_URL", cfg.VolatilityURL)

	if cfg.HTTPTimeout, err = getEnvAsSecondsRequired("DERIBIT_HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_HTTP_TIMEOUT: %v", err))
	}
	if cfg.MaxRetries, err = getEnvAsIntRequired("DERIBIT_MAX_RETRIES", cfg.MaxRetries); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_MAX_RETRIES: %v", err))
	}
	if cfg.RateLimitDelay, err = getEnvAsSecondsRequired("DERIBIT_RATE_LIMIT_DELAY", cfg.RateLimitDelay); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_RATE_LIMIT_DELAY: %v", err))
	}
	if cfg.BackoffBase, err = getEnvAsFloatRequired("DERIBIT_BACKOFF_BASE", cfg.BackoffBase); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_BACKOFF_BASE: %v", err))
	}
	if cfg.MaxBackoff, err = getEnvAsSecondsRequired("DERIBIT_MAX_BACKOFF", cfg.MaxBackoff); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_MAX_BACKOFF: %v", err))
	}
	if cfg.PageSize, err = getEnvAsIntRequired("DERIBIT_BATCH_SIZE", cfg.PageSize); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_BATCH_SIZE: %v", err))
	}
	if cfg.MaxPages, err = getEnvAsIntRequired("DERIBIT_MAX_PAGES", cfg.MaxPages); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_MAX_PAGES: %v", err))
	}

	// Backfill
	if v := os.Getenv("DERIBIT_HISTORICAL_START"); v != "" {
		t, perr := time.Parse(domain.DayLayout, v)
		if perr != nil {
			*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_HISTORICAL_START: %v", perr))
		} else {
			cfg.HistoricalStart = t.UTC()
		}
	}
	if cfg.FlushEveryPages, err = getEnvAsIntRequired("DERIBIT_FLUSH_EVERY_PAGES", cfg.FlushEveryPages); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_FLUSH_EVERY_PAGES: %v", err))
	}
	cfg.CheckpointDir = getEnv("DERIBIT_CHECKPOINT_DIR", cfg.CheckpointDir)
	if v := os.Getenv("DERIBIT_CURRENCIES"); v != "" {
		cfg.Currencies = splitList(v)
	}

	// Storage
	cfg.CatalogPath = getEnv("DERIBIT_CATALOG_PATH", cfg.CatalogPath)
	cfg.Compression = getEnv("DERIBIT_COMPRESSION", cfg.Compression)
	if cfg.CompressionLevel, err = getEnvAsIntRequired("DERIBIT_COMPRESSION_LEVEL", cfg.CompressionLevel); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid DERIBIT_COMPRESSION_LEVEL: %v", err))
	}
	if v, ok := os.LookupEnv("DERIBIT_DEAD_LETTER_DB"); ok {
		cfg.DeadLetterDB = v
	}

	cfg.DVOLResolution = time.Duration(getEnvAsInt("DERIBIT_DVOL_RESOLUTION", int(cfg.DVOLResolution/time.Second))) * time.Second

	// Quality
	cfg.ReconcileTolerancePct = getEnvAsFloat("DERIBIT_RECONCILE_TOLERANCE_PCT", cfg.ReconcileTolerancePct)
	cfg.ReconcileSampleDays = getEnvAsInt("DERIBIT_RECONCILE_SAMPLE_DAYS", cfg.ReconcileSampleDays)
	cfg.Validation.IVMin = getEnvAsFloat("DERIBIT_IV_MIN", cfg.Validation.IVMin)
	cfg.Validation.IVMax = getEnvAsFloat("DERIBIT_IV_MAX", cfg.Validation.IVMax)
	cfg.Validation.DuplicateThresholdPct = getEnvAsFloat("DERIBIT_DUPLICATE_THRESHOLD_PCT", cfg.Validation.DuplicateThresholdPct)

	cfg.SyncSchedule = getEnv("DERIBIT_SYNC_SCHEDULE", cfg.SyncSchedule)

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = logger.ParseLevel(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = logger.Format(strings.ToLower(v))
	}
}

// validate returns one message per out-of-range setting.
func (cfg *Config) validate() []string {
	var errs []string

	if cfg.BaseURL == "" {
		errs = append(errs, "DERIBIT_BASE_URL must be set")
	}
	if cfg.HTTPTimeout < 5*time.Second || cfg.HTTPTimeout > 120*time.Second {
		errs = append(errs, "DERIBIT_HTTP_TIMEOUT must be between 5 and 120 seconds")
	}
	if cfg.MaxRetries < 1 || cfg.MaxRetries > 10 {
		errs = append(errs, "DERIBIT_MAX_RETRIES must be between 1 and 10")
	}
	if cfg.RateLimitDelay < 0 || cfg.RateLimitDelay > 5*time.Second {
		errs = append(errs, "DERIBIT_RATE_LIMIT_DELAY must be between 0 and 5 seconds")
	}
	if cfg.BackoffBase < 1 || cfg.BackoffBase > 5 {
		errs = append(errs, "DERIBIT_BACKOFF_BASE must be between 1 and 5")
	}
	if cfg.MaxBackoff <= 0 {
		errs = append(errs, "DERIBIT_MAX_BACKOFF must be positive")
	}
	if cfg.PageSize < 100 || cfg.PageSize > 100000 {
		errs = append(errs, "DERIBIT_BATCH_SIZE must be between 100 and 100000")
	}
	if cfg.MaxPages < 100 {
		errs = append(errs, "DERIBIT_MAX_PAGES must be at least 100")
	}
	if cfg.FlushEveryPages < 10 || cfg.FlushEveryPages > 1000 {
		errs = append(errs, "DERIBIT_FLUSH_EVERY_PAGES must be between 10 and 1000")
	}
	if cfg.CheckpointDir == "" {
		errs = append(errs, "DERIBIT_CHECKPOINT_DIR must be set")
	}
	if len(cfg.Currencies) == 0 {
		errs = append(errs, "DERIBIT_CURRENCIES must list at least one currency")
	}
	for i, c := range cfg.Currencies {
		cfg.Currencies[i] = strings.ToUpper(c)
		if !domain.SupportedUnderlyings[cfg.Currencies[i]] {
			errs = append(errs, fmt.Sprintf("unsupported currency %q", c))
		}
	}

	if cfg.CatalogPath == "" {
		errs = append(errs, "DERIBIT_CATALOG_PATH must be set")
	}
	switch cfg.Compression {
	case "zstd", "snappy", "gzip", "none":
	default:
		errs = append(errs, fmt.Sprintf("DERIBIT_COMPRESSION must be one of zstd, snappy, gzip, none (got %q)", cfg.Compression))
	}
	if cfg.CompressionLevel < 1 || cfg.CompressionLevel > 22 {
		errs = append(errs, "DERIBIT_COMPRESSION_LEVEL must be between 1 and 22")
	}
	if cfg.DVOLResolution <= 0 {
		errs = append(errs, "DERIBIT_DVOL_RESOLUTION must be positive")
	}

	v := cfg.Validation
	if v.IVMax <= 0 || v.IVMax > 10 {
		errs = append(errs, "validation IV max must be in (0, 10]")
	}
	if v.IVMin < 0 || v.IVMin >= v.IVMax {
		errs = append(errs, "validation IV min must be non-negative and below IV max")
	}
	if v.DuplicateThresholdPct < 0 || v.DuplicateThresholdPct > 100 {
		errs = append(errs, "validation duplicate threshold must be between 0 and 100")
	}
	if v.GapMediumDays < 1 || v.GapHighDays < v.GapMediumDays || v.GapCriticalDays < v.GapHighDays {
		errs = append(errs, "gap thresholds must satisfy 1 <= medium <= high <= critical")
	}
	if v.CriticalCompleteness < 0 || v.WarningCompleteness > 100 || v.CriticalCompleteness > v.WarningCompleteness {
		errs = append(errs, "completeness thresholds must satisfy 0 <= critical <= warning <= 100")
	}
	if cfg.ReconcileTolerancePct < 0 {
		errs = append(errs, "DERIBIT_RECONCILE_TOLERANCE_PCT cannot be negative")
	}
	if cfg.ReconcileSampleDays < 0 {
		errs = append(errs, "DERIBIT_RECONCILE_SAMPLE_DAYS cannot be negative")
	}

	if cfg.LogFormat != logger.FormatText && cfg.LogFormat != logger.FormatJSON {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be text or json (got %q)", cfg.LogFormat))
	}
	return errs
}

// --- YAML file layout ---

type fileValidation struct {
	IVMin                float64 `yaml:"iv_min"`
	IVMax                float64 `yaml:"iv_max"`
	DuplicateThreshold   float64 `yaml:"duplicate_threshold"`
	GapCriticalDays      int     `yaml:"gap_critical_days"`
	GapHighDays          int     `yaml:"gap_high_days"`
	GapMediumDays        int     `yaml:"gap_medium_days"`
	CriticalCompleteness float64 `yaml:"critical_completeness"`
	WarningCompleteness  float64 `yaml:"warning_completeness"`
}

type fileReconcile struct {
	TolerancePct float64 `yaml:"tolerance_pct"`
	SampleDays   int     `yaml:"sample_days"`
}

// fileConfig mirrors Config with durations in (fractional) seconds and dates as YYYY-MM-DD.
type fileConfig struct {
	BaseURL             string         `yaml:"base_url"`
	VolatilityURL       string         `yaml:"volatility_url"`
	HTTPTimeout         float64        `yaml:"http_timeout"`
	MaxRetries          int            `yaml:"max_retries"`
	RateLimitDelay      float64        `yaml:"rate_limit_delay"`
	BackoffBase         float64        `yaml:"backoff_base"`
	MaxBackoff          float64        `yaml:"max_backoff"`
	BatchSize           int            `yaml:"batch_size"`
	MaxPages            int            `yaml:"max_pages"`
	HistoricalStartDate string         `yaml:"historical_start_date"`
	FlushEveryPages     int            `yaml:"flush_every_pages"`
	CheckpointDir       string         `yaml:"checkpoint_dir"`
	Currencies          []string       `yaml:"currencies"`
	CatalogPath         string         `yaml:"catalog_path"`
	Compression         string         `yaml:"compression"`
	CompressionLevel    int            `yaml:"compression_level"`
	DeadLetterDB        string         `yaml:"dead_letter_db"`
	DVOLResolution      int            `yaml:"dvol_resolution"`
	SyncSchedule        string         `yaml:"sync_schedule"`
	LogLevel            string         `yaml:"log_level"`
	LogFormat           string         `yaml:"log_format"`
	Validation          fileValidation `yaml:"validation"`
	Reconcile           fileReconcile  `yaml:"reconcile"`
}

func toFile(cfg *Config) fileConfig {
	return fileConfig{
		BaseURL:             cfg.BaseURL,
		VolatilityURL:       cfg.VolatilityURL,
		HTTPTimeout:         cfg.HTTPTimeout.Seconds(),
		MaxRetries:          cfg.MaxRetries,
		RateLimitDelay:      cfg.RateLimitDelay.Seconds(),
		BackoffBase:         cfg.BackoffBase,
		MaxBackoff:          cfg.MaxBackoff.Seconds(),
		BatchSize:           cfg.PageSize,
		MaxPages:            cfg.MaxPages,
		HistoricalStartDate: cfg.HistoricalStart.Format(domain.DayLayout),
		FlushEveryPages:     cfg.FlushEveryPages,
		CheckpointDir:       cfg.CheckpointDir,
		Currencies:          append([]string(nil), cfg.Currencies...),
		CatalogPath:         cfg.CatalogPath,
		Compression:         cfg.Compression,
		CompressionLevel:    cfg.CompressionLevel,
		DeadLetterDB:        cfg.DeadLetterDB,
		DVOLResolution:      int(cfg.DVOLResolution / time.Second),
		SyncSchedule:        cfg.SyncSchedule,
		LogLevel:            cfg.LogLevel.String(),
		LogFormat:           string(cfg.LogFormat),
		Validation: fileValidation{
			IVMin:                cfg.Validation.IVMin,
			IVMax:                cfg.Validation.IVMax,
			DuplicateThreshold:   cfg.Validation.DuplicateThresholdPct,
			GapCriticalDays:      cfg.Validation.GapCriticalDays,
			GapHighDays:          cfg.Validation.GapHighDays,
			GapMediumDays:        cfg.Validation.GapMediumDays,
			CriticalCompleteness: cfg.Validation.CriticalCompleteness,
			WarningCompleteness:  cfg.Validation.WarningCompleteness,
		},
		Reconcile: fileReconcile{
			TolerancePct: cfg.ReconcileTolerancePct,
			SampleDays:   cfg.ReconcileSampleDays,
		},
	}
}

func (fc fileConfig) apply(cfg *Config, errs *[]string) {
	cfg.BaseURL = fc.BaseURL
	cfg.VolatilityURL = fc.VolatilityURL
	cfg.HTTPTimeout = seconds(fc.HTTPTimeout)
	cfg.MaxRetries = fc.MaxRetries
	cfg.RateLimitDelay = seconds(fc.RateLimitDelay)
	cfg.BackoffBase = fc.BackoffBase
	cfg.MaxBackoff = seconds(fc.MaxBackoff)
	cfg.PageSize = fc.BatchSize
	cfg.MaxPages = fc.MaxPages
	if t, err := time.Parse(domain.DayLayout, fc.HistoricalStartDate); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid historical_start_date: %v", err))
	} else {
		cfg.HistoricalStart = t.UTC()
	}
	cfg.FlushEveryPages = fc.FlushEveryPages
	cfg.CheckpointDir = fc.CheckpointDir
	cfg.Currencies = fc.Currencies
	cfg.CatalogPath = fc.CatalogPath
	cfg.Compression = fc.Compression
	cfg.CompressionLevel = fc.CompressionLevel
	cfg.DeadLetterDB = fc.DeadLetterDB
	cfg.DVOLResolution = time.Duration(fc.DVOLResolution) * time.Second
	cfg.SyncSchedule = fc.SyncSchedule
	cfg.LogLevel = logger.ParseLevel(fc.LogLevel)
	cfg.LogFormat = logger.Format(strings.ToLower(fc.LogFormat))
	cfg.Validation = ValidationConfig{
		IVMin:                 fc.Validation.IVMin,
		IVMax:                 fc.Validation.IVMax,
		DuplicateThresholdPct: fc.Validation.DuplicateThreshold,
		GapCriticalDays:       fc.Validation.GapCriticalDays,
		GapHighDays:           fc.Validation.GapHighDays,
		GapMediumDays:         fc.Validation.GapMediumDays,
		CriticalCompleteness:  fc.Validation.CriticalCompleteness,
		WarningCompleteness:   fc.Validation.WarningCompleteness,
	}
	cfg.ReconcileTolerancePct = fc.Reconcile.TolerancePct
	cfg.ReconcileSampleDays = fc.Reconcile.SampleDays
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return defaultValue, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsSecondsRequired reads a (fractional) number of seconds.
func getEnvAsSecondsRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	secs, err := getEnvAsFloatRequired(key, defaultValue.Seconds())
	if err != nil {
		return defaultValue, err
	}
	return seconds(secs), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
