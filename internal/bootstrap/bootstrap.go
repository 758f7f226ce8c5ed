// Package bootstrap provides dependency initialization for the engine.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/config"
	"github.com/beatsync/engine/internal/fetch"
	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/media"
	"github.com/beatsync/engine/internal/pipeline"
	"github.com/beatsync/engine/internal/preview"
	"github.com/beatsync/engine/internal/scheduler"
	"github.com/beatsync/engine/internal/server"
	"github.com/beatsync/engine/internal/storage"
	"github.com/beatsync/engine/internal/synth"
)

// Dependencies holds all initialized dependencies for the application.
type Dependencies struct {
	Handler   *server.Handlers
	Scheduler *scheduler.Scheduler
	Pool      *pgxpool.Pool // nil when running on the in-memory store
}

// Close releases pooled resources.
func (d *Dependencies) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, pool, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	objects, err := initObjects(cfg, logger)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	synthClient, err := synth.NewClient(
		cfg.SynthEndpoint,
		cfg.SynthModelID,
		synth.WithAPIKey(cfg.SynthAPIKey),
		synth.WithBaseURL(cfg.SynthAPIBase),
	)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("create synthesis client: %w", err)
	}

	runner := media.NewFFmpegRunner("", "")
	downloader := fetch.NewDownloader()

	analyzer := analysis.New(store, runner, downloader, logger, cfg.TempDir)
	previewer := preview.New(analyzer, runner, downloader, objects, logger, cfg.TempDir)

	producer := pipeline.New(store, runner, downloader, synthClient, objects, logger, pipeline.Config{
		TempDir:      cfg.TempDir,
		WebhookURL:   cfg.WebhookURL(),
		WatermarkURL: cfg.WatermarkURL,
	})

	sched := scheduler.New(store, producer, objects, logger, scheduler.Config{
		Tick:              cfg.WorkerTick,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})

	handlers := server.NewHandlers(analyzer, previewer, store, logger,
		server.WithSharedSecret(cfg.WebhookSharedSecret),
	)

	return &Dependencies{
		Handler:   handlers,
		Scheduler: sched,
		Pool:      pool,
	}, nil
}

// initStore creates the job store backend based on configuration.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Store, *pgxpool.Pool, error) {
	if cfg.PostgresEnabled() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info("postgres store configured")
		return job.NewPGStore(pool, logger), pool, nil
	}

	logger.Info("in-memory store configured")
	return job.NewMemoryStore(), nil, nil
}

// initObjects creates the object storage backend based on configuration.
func initObjects(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Store(storage.S3Config{
			Bucket:          cfg.StorageBucket,
			Region:          cfg.StorageRegion,
			Endpoint:        cfg.StorageEndpoint,
			AccessKeyID:     cfg.StorageAccessKeyID,
			SecretAccessKey: cfg.StorageSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.StorageBucket),
			slog.String("region", cfg.StorageRegion),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStore(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("root", localStore.Root()),
	)
	return localStore, nil
}
