package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deribitArchiver/config"
	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// IngestionService drives fetch → store → manifest → checkpoint for one currency at a time.
type IngestionService struct {
	cfg         *config.Config
	logger      ports.Logger
	trades      ports.TradeSource
	volatility  ports.VolatilitySource
	store       ports.PartitionStore
	checkpoints ports.CheckpointStore
	manifest    ports.Manifest
	audit       ports.AuditLog // Optional

	now      func() time.Time
	newRunID func() string
}

// RunResult summarizes one backfill or sync run.
type RunResult struct {
	RunID    string
	Currency string
	Resumed  bool
	Batches  int
	Trades   int64 // Cumulative, including trades counted by a resumed checkpoint
	Dropped  int
	Files    []string
	Duration time.Duration
}

// NewIngestionService creates a new application service instance.
func NewIngestionService(
	cfg *config.Config,
	logger ports.Logger,
	trades ports.TradeSource,
	volatility ports.VolatilitySource,
	store ports.PartitionStore,
	checkpoints ports.CheckpointStore,
	manifest ports.Manifest,
	audit ports.AuditLog,
) (*IngestionService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || trades == nil || volatility == nil || store == nil || checkpoints == nil || manifest == nil {
		return nil, fmt.Errorf("missing required dependencies for IngestionService")
	}
	if cfg.DVOLResolution <= 0 {
		return nil, fmt.Errorf("configuration DVOLResolution must be positive")
	}

	return &IngestionService{
		cfg:         cfg,
		logger:      logger,
		trades:      trades,
		volatility:  volatility,
		store:       store,
		checkpoints: checkpoints,
		manifest:    manifest,
		audit:       audit,
		now:         time.Now,
		newRunID:    func() string { return uuid.NewString() },
	}, nil
}

// Backfill ingests [start, end] for currency. With resume set, an existing
// checkpoint is continued; without it, a stale checkpoint is discarded. The
// checkpoint is deleted only after the whole range completed without error.
func (s *IngestionService) Backfill(ctx context.Context, currency string, start, end time.Time, resume bool) (RunResult, error) {
	const op = "Backfill"
	currency = strings.ToUpper(currency)
	res := RunResult{RunID: s.newRunID(), Currency: currency}
	began := s.now()

	if !end.After(start) {
		return res, fmt.Errorf("%s failed: %w: end %s is not after start %s", op, ports.ErrInvalidRequest, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var state domain.CheckpointState
	var resumeFrom int64
	loaded := false
	if resume {
		st, ok, err := s.checkpoints.Load(ctx, currency)
		if err != nil {
			return res, fmt.Errorf("%s failed: %w", op, err)
		}
		if ok {
			state, loaded = st, true
			resumeFrom = st.LastTimestampMs
			res.Resumed = true
			s.logger.Info(ctx, op+": Resuming from checkpoint", map[string]interface{}{
				"currency":        currency,
				"lastTimestampMs": st.LastTimestampMs,
				"lastPage":        st.LastPage,
				"tradesFetched":   st.TradesFetched,
			})
			s.record(ctx, domain.AuditBackfillResume, currency, res.RunID, map[string]interface{}{
				"lastTimestampMs": st.LastTimestampMs,
				"tradesFetched":   st.TradesFetched,
			})
		}
	} else if s.checkpoints.Exists(currency) {
		s.logger.Warn(ctx, op+": Discarding existing checkpoint, use resume to continue it", map[string]interface{}{"currency": currency})
		if err := s.checkpoints.Delete(ctx, currency); err != nil {
			return res, fmt.Errorf("%s failed: %w", op, err)
		}
	}
	if !loaded {
		st, err := s.checkpoints.CreateInitial(ctx, currency, start.UnixMilli())
		if err != nil {
			return res, fmt.Errorf("%s failed: %w", op, err)
		}
		state = st
	}

	s.logger.Info(ctx, op+": Starting", map[string]interface{}{
		"currency": currency,
		"runID":    res.RunID,
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"resume":   resume,
	})
	s.record(ctx, domain.AuditBackfillStart, currency, res.RunID, map[string]interface{}{
		"start":  start.UTC().Format(time.RFC3339),
		"end":    end.UTC().Format(time.RFC3339),
		"resume": resume,
	})

	stream := s.trades.StreamTrades(ctx, ports.TradeQuery{
		Currency:     currency,
		Start:        start,
		End:          end,
		ResumeFromMs: resumeFrom,
	})

	err := s.consume(ctx, op, currency, res.RunID, stream, &res, func(paths []string, trades int) error {
		state = state.Advance(stream.Cursor(), stream.Pages(), int64(trades), paths, s.now())
		if err := s.checkpoints.Save(ctx, state); err != nil {
			return err
		}
		s.record(ctx, domain.AuditCheckpointSave, currency, res.RunID, map[string]interface{}{
			"lastTimestampMs": state.LastTimestampMs,
			"tradesFetched":   state.TradesFetched,
		})
		return nil
	})
	res.Trades = state.TradesFetched
	res.Files = state.FilesWritten
	res.Duration = s.now().Sub(began)
	if err != nil {
		s.logger.Error(ctx, err, op+": Failed, checkpoint kept for resume", map[string]interface{}{
			"currency":        currency,
			"lastTimestampMs": state.LastTimestampMs,
		})
		s.record(ctx, domain.AuditBackfillError, currency, res.RunID, map[string]interface{}{"error": err.Error()})
		return res, fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}

	if err := s.checkpoints.Delete(ctx, currency); err != nil {
		return res, fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}

	s.logger.Info(ctx, op+": Complete", map[string]interface{}{
		"currency": currency,
		"trades":   res.Trades,
		"files":    len(res.Files),
		"dropped":  res.Dropped,
		"duration": res.Duration.String(),
	})
	s.record(ctx, domain.AuditBackfillComplete, currency, res.RunID, map[string]interface{}{
		"tradesCount":     res.Trades,
		"filesCount":      len(res.Files),
		"durationSeconds": res.Duration.Seconds(),
		"dlqFailures":     res.Dropped,
	})
	return res, nil
}

// Sync fetches trades newer than the last stored one up to now. An empty store
// falls back to a backfill from the configured historical start.
func (s *IngestionService) Sync(ctx context.Context, currency string) (RunResult, error) {
	const op = "Sync"
	currency = strings.ToUpper(currency)

	last, err := s.store.LastTradeTimestamp(ctx, currency)
	if err != nil {
		if errors.Is(err, ports.ErrNoData) {
			s.logger.Warn(ctx, op+": No stored trades, running backfill instead", map[string]interface{}{
				"currency": currency,
				"start":    s.cfg.HistoricalStart.Format(domain.DayLayout),
			})
			return s.Backfill(ctx, currency, s.cfg.HistoricalStart, s.now().UTC(), false)
		}
		return RunResult{Currency: currency}, fmt.Errorf("%s failed: %w", op, err)
	}

	res := RunResult{RunID: s.newRunID(), Currency: currency}
	began := s.now()
	start := last.Add(time.Millisecond)
	end := s.now().UTC()

	s.logger.Info(ctx, op+": Starting", map[string]interface{}{
		"currency": currency,
		"runID":    res.RunID,
		"from":     start.Format(time.RFC3339Nano),
	})
	s.record(ctx, domain.AuditSyncStart, currency, res.RunID, map[string]interface{}{"from": start.Format(time.RFC3339Nano)})

	seen := make(map[string]bool)
	stream := s.trades.StreamTrades(ctx, ports.TradeQuery{Currency: currency, Start: start, End: end})
	err = s.consume(ctx, op, currency, res.RunID, stream, &res, func(paths []string, trades int) error {
		res.Trades += int64(trades)
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				res.Files = append(res.Files, p)
			}
		}
		return nil
	})
	res.Duration = s.now().Sub(began)
	if err != nil {
		s.logger.Error(ctx, err, op+": Failed", map[string]interface{}{"currency": currency})
		s.record(ctx, domain.AuditSyncError, currency, res.RunID, map[string]interface{}{"error": err.Error()})
		return res, fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}

	s.logger.Info(ctx, op+": Complete", map[string]interface{}{
		"currency": currency,
		"trades":   res.Trades,
		"files":    len(res.Files),
		"dropped":  res.Dropped,
	})
	s.record(ctx, domain.AuditSyncComplete, currency, res.RunID, map[string]interface{}{
		"tradesCount":     res.Trades,
		"filesCount":      len(res.Files),
		"durationSeconds": res.Duration.Seconds(),
		"dlqFailures":     res.Dropped,
	})
	return res, nil
}

// consume stores every batch of stream, registers the touched files in the
// manifest and saves its snapshot, then calls afterBatch. Files reach the
// manifest before afterBatch records progress.
func (s *IngestionService) consume(ctx context.Context, op, currency, runID string, stream ports.TradeStream, res *RunResult, afterBatch func(paths []string, trades int) error) error {
	for stream.Next(ctx) {
		batch := stream.Batch()
		res.Batches++
		if dropped := stream.Dropped(); dropped > res.Dropped {
			s.record(ctx, domain.AuditDLQFailure, currency, runID, map[string]interface{}{"count": dropped - res.Dropped})
			res.Dropped = dropped
		}

		var paths []string
		if len(batch) > 0 {
			var err error
			paths, err = s.store.SaveTrades(ctx, currency, batch)
			if err != nil {
				return err
			}
		}
		for _, p := range paths {
			entry, err := s.manifest.UpdateFile(ctx, p)
			if err != nil {
				return err
			}
			s.record(ctx, domain.AuditFileWritten, currency, runID, map[string]interface{}{
				"path":      p,
				"rowCount":  entry.RowCount,
				"sizeBytes": entry.SizeBytes,
			})
		}
		if len(paths) > 0 {
			if err := s.manifest.Save(ctx); err != nil {
				return err
			}
		}
		if err := afterBatch(paths, len(batch)); err != nil {
			return err
		}

		s.logger.Debug(ctx, op+": Batch flushed", map[string]interface{}{
			"currency": currency,
			"trades":   len(batch),
			"pages":    stream.Pages(),
			"files":    len(paths),
			"cursorMs": stream.Cursor(),
		})
	}
	res.Dropped = stream.Dropped()
	if err := stream.Err(); err != nil {
		return err
	}
	if res.Dropped > 0 {
		s.logger.Warn(ctx, op+": Some trades failed to parse", map[string]interface{}{"currency": currency, "dropped": res.Dropped})
	}
	return nil
}

// DownloadVolatility fetches volatility index candles for [start, end] and
// merges them into the currency's volatility file. It returns the number of
// candles fetched and the file path, which is empty when nothing was fetched.
func (s *IngestionService) DownloadVolatility(ctx context.Context, currency string, start, end time.Time) (int, string, error) {
	const op = "DownloadVolatility"
	currency = strings.ToUpper(currency)

	candles, err := s.volatility.FetchVolatility(ctx, currency, start, end, s.cfg.DVOLResolution)
	if err != nil {
		return 0, "", fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}
	if len(candles) == 0 {
		s.logger.Warn(ctx, op+": No volatility data returned", map[string]interface{}{"currency": currency})
		return 0, "", nil
	}

	path, err := s.store.SaveVolatility(ctx, currency, candles)
	if err != nil {
		return 0, "", fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}
	if _, err := s.manifest.UpdateFile(ctx, path); err != nil {
		return 0, "", fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}
	if err := s.manifest.Save(ctx); err != nil {
		return 0, "", fmt.Errorf("%s failed for %s: %w", op, currency, err)
	}

	s.logger.Info(ctx, op+": Saved candles", map[string]interface{}{"currency": currency, "candles": len(candles), "path": path})
	s.record(ctx, domain.AuditDVOLDownload, currency, "", map[string]interface{}{
		"candles": len(candles),
		"path":    path,
	})
	return len(candles), path, nil
}

// Verify rechecks every manifest entry against the files on disk.
func (s *IngestionService) Verify(ctx context.Context) ports.VerifyReport {
	report := s.manifest.VerifyAll(ctx)
	s.logger.Info(ctx, "Verify: Checksums checked", map[string]interface{}{"passed": report.Passed, "failed": report.Failed})
	s.record(ctx, domain.AuditValidationRun, "", "", map[string]interface{}{
		"kind":   "checksums",
		"passed": report.Passed,
		"failed": report.Failed,
	})
	return report
}

// record writes an audit event. Audit failures are logged and never fail the caller.
func (s *IngestionService) record(ctx context.Context, eventType domain.AuditEventType, currency, runID string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	ev := domain.AuditEvent{
		Type:      eventType,
		Currency:  currency,
		RunID:     runID,
		Timestamp: s.now().UTC(),
		Details:   details,
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn(ctx, "Failed to record audit event", map[string]interface{}{"type": string(eventType), "error": err.Error()})
	}
}
