package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribitArchiver/internal/app"
	"deribitArchiver/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockSyncer struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newMockSyncer() *mockSyncer {
	return &mockSyncer{calls: map[string]int{}, fail: map[string]error{}}
}

func (m *mockSyncer) Sync(ctx context.Context, currency string) (app.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[currency]++
	if err := m.fail[currency]; err != nil {
		return app.RunResult{}, err
	}
	return app.RunResult{Currency: currency, Trades: 10}, nil
}

func (m *mockSyncer) count(currency string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[currency]
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Logger: &mockLogger{}, Currencies: []string{"BTC"}})
	assert.Error(t, err)

	_, err = New(Config{Syncer: newMockSyncer(), Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	s, err := New(Config{Syncer: newMockSyncer(), Logger: &mockLogger{}, Currencies: []string{"BTC"}})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Register("not a schedule"), ports.ErrConfigurationError)
	// Five-field schedules lack the seconds field.
	assert.Error(t, s.Register("5 0 * * *"))
	assert.NoError(t, s.Register("0 5 0 * * *"))
}

func TestRunNow_ContinuesPastFailures(t *testing.T) {
	syncer := newMockSyncer()
	syncer.fail["ETH"] = ports.ErrAPIUnavailable
	s, err := New(Config{Syncer: syncer, Logger: &mockLogger{}, Currencies: []string{"BTC", "ETH"}})
	require.NoError(t, err)

	err = s.RunNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrAPIUnavailable))
	assert.Contains(t, err.Error(), "ETH")
	assert.Equal(t, 1, syncer.count("BTC"))
	assert.Equal(t, 1, syncer.count("ETH"))
}

func TestStart_FiresRegisteredJob(t *testing.T) {
	syncer := newMockSyncer()
	s, err := New(Config{Syncer: syncer, Logger: &mockLogger{}, Currencies: []string{"BTC"}})
	require.NoError(t, err)
	require.NoError(t, s.Register("* * * * * *"))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return syncer.count("BTC") > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool { return s.LastError() == nil }, time.Second, 10*time.Millisecond)
}
