package checkpoint

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribitArchiver/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func setupStore(t *testing.T) (*Store, *mockLogger) {
	t.Helper()
	log := &mockLogger{}
	s, err := New(Config{Dir: t.TempDir(), Logger: log})
	require.NoError(t, err)
	return s, log
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	state, err := s.CreateInitial(ctx, "BTC", 1000)
	require.NoError(t, err)
	assert.True(t, s.Exists("BTC"))
	assert.Equal(t, filepath.Join(s.dir, "btc_checkpoint.json"), s.Path("BTC"))

	next := state.Advance(5000, 2, 20, []string{"BTC/trades/2024-01-01.parquet"}, time.Now())
	require.NoError(t, s.Save(ctx, next))

	// A new store instance reads what the first one wrote.
	s2, err := New(Config{Dir: s.dir, Logger: &mockLogger{}})
	require.NoError(t, err)
	loaded, ok, err := s2.Load(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5000), loaded.LastTimestampMs)
	assert.Equal(t, int64(20), loaded.TradesFetched)
	assert.Equal(t, 2, loaded.LastPage)
	assert.Equal(t, []string{"BTC/trades/2024-01-01.parquet"}, loaded.FilesWritten)
}

func TestStore_DocumentUsesCamelCaseKeys(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.CreateInitial(context.Background(), "ETH", 42)
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path("ETH"))
	require.NoError(t, err)
	for _, key := range []string{"currency", "lastTimestampMs", "lastPage", "tradesFetched", "startedAt", "lastFlushAt", "filesWritten"} {
		assert.Contains(t, string(data), `"`+key+`"`)
	}
}

func TestStore_LoadMissingOrCorrupt(t *testing.T) {
	s, log := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, log.warnMsgs, "missing file is silent")

	require.NoError(t, os.WriteFile(s.Path("BTC"), []byte("{not json"), 0o644))
	_, ok, err = s.Load(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, log.warnMsgs)
}

func TestStore_RemovesOrphanTempFiles(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "btc_checkpoint.json.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	_, err := New(Config{Dir: dir, Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.NoFileExists(t, orphan)
}

func TestStore_RejectsRegression(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	state, err := s.CreateInitial(ctx, "BTC", 1000)
	require.NoError(t, err)
	advanced := state.Advance(2000, 1, 10, nil, time.Now())
	require.NoError(t, s.Save(ctx, advanced))

	backwards := advanced
	backwards.LastTimestampMs = 1500
	assert.ErrorIs(t, s.Save(ctx, backwards), ports.ErrCheckpointRegression)

	fewer := advanced
	fewer.TradesFetched = 5
	assert.ErrorIs(t, s.Save(ctx, fewer), ports.ErrCheckpointRegression)

	// Regression is also detected against a checkpoint written by another instance.
	s2, err := New(Config{Dir: s.dir, Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.ErrorIs(t, s2.Save(ctx, backwards), ports.ErrCheckpointRegression)

	loaded, ok, err := s.Load(ctx, "BTC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), loaded.LastTimestampMs)
}

func TestStore_MonotonicUnderRandomSaves(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	state, err := s.CreateInitial(ctx, "BTC", 0)
	require.NoError(t, err)

	var maxTs, maxTrades int64
	for i := 0; i < 200; i++ {
		candidate := state
		candidate.LastTimestampMs = state.LastTimestampMs + rng.Int63n(200) - 100
		candidate.TradesFetched = state.TradesFetched + rng.Int63n(20) - 5
		if err := s.Save(ctx, candidate); err == nil {
			state = candidate
		} else {
			require.ErrorIs(t, err, ports.ErrCheckpointRegression)
		}

		loaded, ok, err := s.Load(ctx, "BTC")
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, loaded.LastTimestampMs, maxTs)
		assert.GreaterOrEqual(t, loaded.TradesFetched, maxTrades)
		maxTs, maxTrades = loaded.LastTimestampMs, loaded.TradesFetched
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.CreateInitial(ctx, "BTC", 1)
	require.NoError(t, err)
	_, err = s.CreateInitial(ctx, "ETH", 1)
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, "BTC"))
	assert.False(t, s.Exists("BTC"))
	require.NoError(t, s.Delete(ctx, "BTC"), "deleting twice is fine")

	// After delete a fresh run may start earlier than the old checkpoint.
	_, err = s.CreateInitial(ctx, "BTC", 0)
	require.NoError(t, err)

	list, err = s.List(ctx)
	require.NoError(t, err)
	var currencies []string
	for _, st := range list {
		currencies = append(currencies, st.Currency)
	}
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, currencies)
}
