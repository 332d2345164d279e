package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"deribitArchiver/internal/app"
	"deribitArchiver/internal/ports"
)

// Syncer runs one incremental sync for a currency.
type Syncer interface {
	Sync(ctx context.Context, currency string) (app.RunResult, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	Syncer     Syncer
	Currencies []string
	Logger     ports.Logger
}

// Scheduler triggers daily syncs on a cron schedule. Schedules use the
// six-field format with a leading seconds field.
type Scheduler struct {
	cron       *cron.Cron
	syncer     Syncer
	currencies []string
	logger     ports.Logger

	mu      sync.Mutex
	ctx     context.Context
	lastErr error
}

// New creates a scheduler. Start must be called before jobs fire.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Syncer == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("syncer and logger are required for scheduler")
	}
	if len(cfg.Currencies) == 0 {
		return nil, fmt.Errorf("%w: no currencies to sync", ports.ErrConfigurationError)
	}
	cl := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		syncer:     cfg.Syncer,
		currencies: cfg.Currencies,
		logger:     cfg.Logger,
		ctx:        context.Background(),
	}, nil
}

// Register adds the sync job on schedule.
func (s *Scheduler) Register(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.runJob); err != nil {
		return fmt.Errorf("register sync job %q: %w: %w", schedule, ports.ErrConfigurationError, err)
	}
	return nil
}

// Start runs the cron loop in the background. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info(ctx, "Scheduler started", map[string]interface{}{"jobs": len(s.cron.Entries())})
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info(context.Background(), "Scheduler stopped")
}

// LastError returns the outcome of the most recent scheduled run.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) runJob() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := s.RunNow(ctx)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// RunNow syncs every configured currency concurrently. A failing currency
// does not stop the others; all failures are joined into the returned error.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.logger.Info(ctx, "Running daily sync", map[string]interface{}{"currencies": s.currencies})

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, currency := range s.currencies {
		g.Go(func() error {
			res, err := s.syncer.Sync(ctx, currency)
			if err != nil {
				s.logger.Error(ctx, err, "Daily sync failed", map[string]interface{}{"currency": currency})
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", currency, err))
				mu.Unlock()
				return nil
			}
			s.logger.Info(ctx, "Daily sync finished", map[string]interface{}{
				"currency": currency,
				"trades":   res.Trades,
				"files":    len(res.Files),
				"duration": res.Duration.String(),
			})
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// cronLogger adapts ports.Logger to cron.Logger.
type cronLogger struct {
	logger ports.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), "cron: "+msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(context.Background(), err, "cron: "+msg, kvFields(keysAndValues))
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
