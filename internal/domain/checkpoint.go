package domain

import "time"

// CheckpointState records how far ingestion of one currency has progressed.
// It is a value: Advance returns a new state and leaves the receiver untouched.
type CheckpointState struct {
	Currency        string    `json:"currency"`
	LastTimestampMs int64     `json:"lastTimestampMs"`
	LastPage        int       `json:"lastPage"`
	TradesFetched   int64     `json:"tradesFetched"`
	StartedAt       time.Time `json:"startedAt"`
	LastFlushAt     time.Time `json:"lastFlushAt"`
	FilesWritten    []string  `json:"filesWritten"`
}

// NewCheckpointState returns the state at the beginning of an ingestion run.
func NewCheckpointState(currency string, startMs int64, now time.Time) CheckpointState {
	return CheckpointState{
		Currency:        currency,
		LastTimestampMs: startMs,
		StartedAt:       now.UTC(),
		LastFlushAt:     now.UTC(),
		FilesWritten:    []string{},
	}
}

// Advance returns the state after a flushed batch. The cursor never moves
// backwards; files are appended without duplicates.
func (s CheckpointState) Advance(cursorMs int64, pages int, trades int64, files []string, now time.Time) CheckpointState {
	next := s
	if cursorMs > next.LastTimestampMs {
		next.LastTimestampMs = cursorMs
	}
	if pages > 0 {
		next.LastPage = s.LastPage + pages
	}
	if trades > 0 {
		next.TradesFetched = s.TradesFetched + trades
	}
	next.LastFlushAt = now.UTC()

	seen := make(map[string]bool, len(s.FilesWritten)+len(files))
	next.FilesWritten = make([]string, 0, len(s.FilesWritten)+len(files))
	for _, f := range s.FilesWritten {
		if !seen[f] {
			seen[f] = true
			next.FilesWritten = append(next.FilesWritten, f)
		}
	}
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			next.FilesWritten = append(next.FilesWritten, f)
		}
	}
	return next
}

// Regresses reports whether next would move the checkpoint backwards relative to s.
func (s CheckpointState) Regresses(next CheckpointState) bool {
	return next.LastTimestampMs < s.LastTimestampMs || next.TradesFetched < s.TradesFetched
}
