package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribitArchiver/internal/adapters/logger"
)

// chdirTemp isolates the test from any .env file in the package directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://history.deribit.com/api/v2/public", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RateLimitDelay)
	assert.Equal(t, 10000, cfg.PageSize)
	assert.Equal(t, 20000, cfg.MaxPages)
	assert.Equal(t, 100, cfg.FlushEveryPages)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Currencies)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 3, cfg.CompressionLevel)
	assert.Equal(t, 1.0, cfg.ReconcileTolerancePct)
	assert.True(t, cfg.HistoricalStart.Equal(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DERIBIT_BASE_URL", "http://localhost:9000")
	t.Setenv("DERIBIT_HTTP_TIMEOUT", "10")
	t.Setenv("DERIBIT_RATE_LIMIT_DELAY", "0.5")
	t.Setenv("DERIBIT_BATCH_SIZE", "500")
	t.Setenv("DERIBIT_CURRENCIES", "btc, sol")
	t.Setenv("DERIBIT_COMPRESSION", "snappy")
	t.Setenv("DERIBIT_HISTORICAL_START", "2023-06-01")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimitDelay)
	assert.Equal(t, 500, cfg.PageSize)
	assert.Equal(t, []string{"BTC", "SOL"}, cfg.Currencies)
	assert.Equal(t, "snappy", cfg.Compression)
	assert.True(t, cfg.HistoricalStart.Equal(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
	assert.Equal(t, logger.FormatJSON, cfg.LogFormat)
}

func TestLoadConfig_ZeroReconcileTolerance(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DERIBIT_RECONCILE_TOLERANCE_PCT", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Zero(t, cfg.ReconcileTolerancePct)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{name: "non-numeric retries", env: map[string]string{"DERIBIT_MAX_RETRIES": "many"}, wantMsg: "invalid DERIBIT_MAX_RETRIES"},
		{name: "retries out of range", env: map[string]string{"DERIBIT_MAX_RETRIES": "11"}, wantMsg: "DERIBIT_MAX_RETRIES must be between 1 and 10"},
		{name: "page size too small", env: map[string]string{"DERIBIT_BATCH_SIZE": "10"}, wantMsg: "DERIBIT_BATCH_SIZE"},
		{name: "unknown compression", env: map[string]string{"DERIBIT_COMPRESSION": "lz4"}, wantMsg: "DERIBIT_COMPRESSION"},
		{name: "unsupported currency", env: map[string]string{"DERIBIT_CURRENCIES": "BTC,DOGE"}, wantMsg: "unsupported currency"},
		{name: "bad start date", env: map[string]string{"DERIBIT_HISTORICAL_START": "01/01/2020"}, wantMsg: "DERIBIT_HISTORICAL_START"},
		{name: "timeout too short", env: map[string]string{"DERIBIT_HTTP_TIMEOUT": "1"}, wantMsg: "DERIBIT_HTTP_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadConfig_ReadsDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DERIBIT_CATALOG_PATH=/srv/deribit\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DERIBIT_CATALOG_PATH") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/srv/deribit", cfg.CatalogPath)
}

func TestLoadFile(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("ARCHIVE_ROOT", "/mnt/archive")

	path := filepath.Join(dir, "config.yaml")
	content := `
catalog_path: ${ARCHIVE_ROOT}/options
batch_size: 5000
rate_limit_delay: 0.25
currencies: [eth]
historical_start_date: "2020-03-01"
validation:
  gap_critical_days: 10
reconcile:
  tolerance_pct: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/archive/options", cfg.CatalogPath)
	assert.Equal(t, 5000, cfg.PageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimitDelay)
	assert.Equal(t, []string{"ETH"}, cfg.Currencies)
	assert.True(t, cfg.HistoricalStart.Equal(time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10, cfg.Validation.GapCriticalDays)
	assert.Equal(t, 3, cfg.Validation.GapHighDays, "unset keys keep defaults")
	assert.Equal(t, 2.5, cfg.ReconcileTolerancePct)

	// Environment wins over the file.
	t.Setenv("DERIBIT_BATCH_SIZE", "2000")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.PageSize)
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batchsize: 10\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFile_Missing(t *testing.T) {
	chdirTemp(t)
	_, err := LoadFile("does-not-exist.yaml")
	assert.Error(t, err)
}
