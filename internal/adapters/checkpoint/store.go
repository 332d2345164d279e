package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
	"deribitArchiver/internal/utils"
)

const fileSuffix = "_checkpoint.json"

// Store implements ports.CheckpointStore with one JSON file per currency.
type Store struct {
	dir    string
	logger ports.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]domain.CheckpointState // last state saved or loaded, per currency
}

// Config holds configuration for the checkpoint store.
type Config struct {
	Dir    string
	Logger ports.Logger
}

// New creates the checkpoint directory and removes temp files left by a crash.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for checkpoint store")
	}
	dir := cfg.Dir
	if dir == "" {
		dir = ".checkpoints"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory '%s': %w", dir, err)
	}

	removed, err := utils.RemoveOrphanTemps(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to clean checkpoint directory '%s': %w", dir, err)
	}
	for _, p := range removed {
		cfg.Logger.Warn(context.Background(), "Removed orphaned checkpoint temp file", map[string]interface{}{"path": p})
	}

	return &Store{
		dir:    dir,
		logger: cfg.Logger,
		now:    time.Now,
		last:   make(map[string]domain.CheckpointState),
	}, nil
}

// Path returns the checkpoint file for currency.
func (s *Store) Path(currency string) string {
	return filepath.Join(s.dir, strings.ToLower(currency)+fileSuffix)
}

// Save atomically replaces the checkpoint for state.Currency.
func (s *Store) Save(ctx context.Context, state domain.CheckpointState) error {
	if state.Currency == "" {
		return fmt.Errorf("checkpoint save: %w: currency is empty", ports.ErrInvalidRequest)
	}
	key := strings.ToUpper(state.Currency)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[key]
	if !ok {
		prev, ok = s.readLocked(ctx, state.Currency)
	}
	if ok && prev.Regresses(state) {
		return fmt.Errorf("checkpoint save for %s: %w (timestamp %d -> %d, trades %d -> %d)",
			state.Currency, ports.ErrCheckpointRegression,
			prev.LastTimestampMs, state.LastTimestampMs, prev.TradesFetched, state.TradesFetched)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint encode for %s: %w", state.Currency, err)
	}
	if err := utils.WriteBytesAtomic(s.Path(state.Currency), data); err != nil {
		return fmt.Errorf("checkpoint save for %s: %w: %w", state.Currency, ports.ErrWriteFailed, err)
	}
	s.last[key] = state

	s.logger.Debug(ctx, "Checkpoint saved", map[string]interface{}{
		"currency":        state.Currency,
		"lastTimestampMs": state.LastTimestampMs,
		"tradesFetched":   state.TradesFetched,
	})
	return nil
}

// Load returns the saved checkpoint. A missing or unreadable file is reported as absent.
func (s *Store) Load(ctx context.Context, currency string) (domain.CheckpointState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.readLocked(ctx, currency)
	if ok {
		s.last[strings.ToUpper(currency)] = state
	}
	return state, ok, nil
}

func (s *Store) readLocked(ctx context.Context, currency string) (domain.CheckpointState, bool) {
	path := s.Path(currency)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "Checkpoint unreadable, treating as absent", map[string]interface{}{"path": path, "error": err.Error()})
		}
		return domain.CheckpointState{}, false
	}
	var state domain.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil || state.Currency == "" {
		reason := "missing currency"
		if err != nil {
			reason = err.Error()
		}
		s.logger.Warn(ctx, "Checkpoint corrupt, treating as absent", map[string]interface{}{"path": path, "error": reason})
		return domain.CheckpointState{}, false
	}
	if state.FilesWritten == nil {
		state.FilesWritten = []string{}
	}
	return state, true
}

// CreateInitial saves and returns a fresh checkpoint starting at startMs.
func (s *Store) CreateInitial(ctx context.Context, currency string, startMs int64) (domain.CheckpointState, error) {
	state := domain.NewCheckpointState(currency, startMs, s.now())
	if err := s.Save(ctx, state); err != nil {
		return domain.CheckpointState{}, err
	}
	return state, nil
}

// Exists reports whether a checkpoint file is present for currency.
func (s *Store) Exists(currency string) bool {
	_, err := os.Stat(s.Path(currency))
	return err == nil
}

// Delete removes the checkpoint. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(ctx context.Context, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.last, strings.ToUpper(currency))
	if err := os.Remove(s.Path(currency)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint delete for %s: %w", currency, err)
	}
	s.logger.Info(ctx, "Checkpoint deleted", map[string]interface{}{"currency": currency})
	return nil
}

// List returns the checkpoints currently on disk, skipping unreadable ones.
func (s *Store) List(ctx context.Context) ([]domain.CheckpointState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CheckpointState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		if state, ok := s.readLocked(ctx, strings.TrimSuffix(name, fileSuffix)); ok {
			out = append(out, state)
		}
	}
	return out, nil
}
