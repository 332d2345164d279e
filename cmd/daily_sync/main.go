package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"deribitArchiver/config"
	"deribitArchiver/internal/adapters/checkpoint"
	"deribitArchiver/internal/adapters/deribit"
	"deribitArchiver/internal/adapters/logger"
	"deribitArchiver/internal/adapters/manifest"
	"deribitArchiver/internal/adapters/parquetstore"
	"deribitArchiver/internal/adapters/sqlite"
	"deribitArchiver/internal/app"
	"deribitArchiver/internal/ports"
	"deribitArchiver/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (environment variables still override)")
	runOnStart := flag.Bool("run-on-start", false, "run one sync immediately before waiting for the schedule")
	flag.Parse()

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
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize dead-letter and audit database
	var deadLetters ports.DeadLetterSink
	var audit ports.AuditLog
	if cfg.DeadLetterDB != "" {
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DeadLetterDB, Logger: appLogger})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize dead-letter database")
			log.Fatalf("FATAL: Failed to initialize dead-letter database: %v", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				appLogger.Error(context.Background(), err, "Error closing dead-letter database")
			}
		}()
		deadLetters = repo
		audit = repo
	}

	// 4. Initialize Deribit client
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
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Deribit client")
		log.Fatalf("FATAL: Failed to initialize Deribit client: %v", err)
	}

	// 5. Initialize storage
	store, err := parquetstore.New(parquetstore.Config{
		Root:             cfg.CatalogPath,
		Compression:      cfg.Compression,
		CompressionLevel: cfg.CompressionLevel,
		Logger:           appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize partition store")
		log.Fatalf("FATAL: Failed to initialize partition store: %v", err)
	}
	checkpoints, err := checkpoint.New(checkpoint.Config{Dir: cfg.CheckpointDir, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize checkpoint store")
		log.Fatalf("FATAL: Failed to initialize checkpoint store: %v", err)
	}
	mf, err := manifest.New(manifest.Config{Root: cfg.CatalogPath, Inspector: store, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize manifest")
		log.Fatalf("FATAL: Failed to initialize manifest: %v", err)
	}

	// 6. Initialize Application Service
	svc, err := app.NewIngestionService(cfg, appLogger, client, client, store, checkpoints, mf, audit)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize ingestion service")
		log.Fatalf("FATAL: Failed to initialize ingestion service: %v", err)
	}

	// 7. Schedule the daily sync
	sched, err := scheduler.New(scheduler.Config{Syncer: svc, Currencies: cfg.Currencies, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize scheduler")
		log.Fatalf("FATAL: Failed to initialize scheduler: %v", err)
	}
	if err := sched.Register(cfg.SyncSchedule); err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to register sync schedule")
		log.Fatalf("FATAL: Failed to register sync schedule: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runOnStart {
		if err := sched.RunNow(ctx); err != nil {
			appLogger.Error(ctx, err, "Initial sync failed")
		}
	}

	sched.Start(ctx)
	appLogger.Info(ctx, "Daily sync daemon running", map[string]interface{}{"schedule": cfg.SyncSchedule, "currencies": cfg.Currencies})
	<-ctx.Done()
	sched.Stop()
	appLogger.Info(context.Background(), "Daily sync daemon stopped")
}
