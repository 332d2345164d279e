package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckpointState_Advance(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s0 := NewCheckpointState("BTC", 1000, now)

	s1 := s0.Advance(2000, 3, 30, []string{"BTC/trades/2024-01-01.parquet"}, now.Add(time.Minute))
	assert.Equal(t, int64(2000), s1.LastTimestampMs)
	assert.Equal(t, 3, s1.LastPage)
	assert.Equal(t, int64(30), s1.TradesFetched)
	assert.Len(t, s1.FilesWritten, 1)

	// The receiver is never mutated.
	assert.Equal(t, int64(1000), s0.LastTimestampMs)
	assert.Empty(t, s0.FilesWritten)

	s2 := s1.Advance(1500, 1, 5, []string{"BTC/trades/2024-01-01.parquet", "BTC/trades/2024-01-02.parquet"}, now.Add(2*time.Minute))
	assert.Equal(t, int64(2000), s2.LastTimestampMs, "cursor must not move backwards")
	assert.Equal(t, int64(35), s2.TradesFetched)
	assert.Equal(t, []string{"BTC/trades/2024-01-01.parquet", "BTC/trades/2024-01-02.parquet"}, s2.FilesWritten)
	assert.Len(t, s1.FilesWritten, 1)
}

func TestCheckpointState_Regresses(t *testing.T) {
	base := CheckpointState{LastTimestampMs: 100, TradesFetched: 10}

	assert.False(t, base.Regresses(CheckpointState{LastTimestampMs: 100, TradesFetched: 10}))
	assert.False(t, base.Regresses(CheckpointState{LastTimestampMs: 200, TradesFetched: 20}))
	assert.True(t, base.Regresses(CheckpointState{LastTimestampMs: 99, TradesFetched: 20}))
	assert.True(t, base.Regresses(CheckpointState{LastTimestampMs: 200, TradesFetched: 9}))
}
