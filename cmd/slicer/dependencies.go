package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/batch"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/statement-slicer/internal/domain/import/service"
	"github.com/FACorreiaa/statement-slicer/pkg/config"
	"github.com/FACorreiaa/statement-slicer/pkg/cron"
	"github.com/FACorreiaa/statement-slicer/pkg/db"
	"github.com/FACorreiaa/statement-slicer/pkg/metrics"
	"github.com/FACorreiaa/statement-slicer/pkg/storage"
)

const sweepJobName = "sweep-idle-sessions"

// DependencyOptions selects optional wiring.
type DependencyOptions struct {
	// DryRun keeps records in memory and never connects to PostgreSQL.
	DryRun bool
}

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Registry *prometheus.Registry
	Metrics  *metrics.ImportMetrics

	// Repositories
	RecordStore repository.RecordStore
	RecordCache *repository.CachedReader

	// Services
	Detector      *dedup.Detector
	Importer      *batch.Importer
	ImportService *importservice.ImportService
	FileStorage   storage.Storage
	Scheduler     *cron.Scheduler
	MetricsServer *http.Server
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger, opts DependencyOptions) (*Dependencies, error) {
	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	deps.Metrics = metrics.NewImportMetrics(deps.Registry)

	if !opts.DryRun {
		if err := deps.initDatabase(); err != nil {
			return nil, fmt.Errorf("failed to init database: %w", err)
		}
	}

	if err := deps.initRepositories(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initJobs(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init jobs: %w", err)
	}

	logger.Info("all dependencies initialized successfully", slog.Bool("dry_run", opts.DryRun))

	return deps, nil
}

// initDatabase opens the pool and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        int32(d.Config.Database.MaxConns),
		MinConns:        int32(d.Config.Database.MinConns),
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories picks the record store
func (d *Dependencies) initRepositories() error {
	if d.DB != nil {
		d.RecordStore = repository.NewPostgresStore(d.DB.Pool, d.Logger)
	} else {
		d.RecordStore = repository.NewMemoryStore()
	}
	d.RecordCache = repository.NewCachedReader(d.RecordStore, d.Logger)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices wires the duplicate detector, importer and session registry
func (d *Dependencies) initServices() error {
	imp := d.Config.Import

	var writer repository.RecordWriter = d.RecordStore
	if d.Config.Store.RateLimitPerSecond > 0 {
		writer = repository.NewRateLimitedWriter(writer, d.Config.Store.RateLimitPerSecond, d.Config.Store.RateLimitBurst)
	}

	d.Detector = dedup.NewDetector(d.RecordCache, d.Logger).
		WithFallback(imp.FallbackThreshold, imp.FallbackFields).
		WithMetrics(d.Metrics).
		WithTracer(otel.Tracer(d.Config.Observability.ServiceName + "/dedup"))

	d.Importer = batch.NewImporter(writer, d.Logger).
		WithBatchSize(imp.BatchSize).
		WithInterBatchDelay(imp.InterBatchDelay).
		WithMetrics(d.Metrics).
		WithTracer(otel.Tracer(d.Config.Observability.ServiceName + "/batch"))

	fileStorage, err := storage.New(storage.Config{
		Type:      storage.StorageType(d.Config.Storage.Type),
		LocalPath: d.Config.Storage.LocalPath,
	})
	if err != nil {
		return fmt.Errorf("failed to init file storage: %w", err)
	}
	d.FileStorage = fileStorage

	d.ImportService = importservice.NewImportService(d.Detector, d.Importer, d.Logger).
		WithInvalidator(d.RecordCache).
		WithStorage(d.FileStorage).
		WithIdleTTL(imp.SessionIdleTTL).
		WithDelimiter(imp.Delimiter)

	d.Logger.Info("services initialized")
	return nil
}

// initJobs schedules the idle session sweep
func (d *Dependencies) initJobs() error {
	d.Scheduler = cron.NewScheduler(d.Logger)
	return d.Scheduler.AddJob(cron.Job{
		Name:     sweepJobName,
		Schedule: d.Config.Import.SweepSchedule,
		Run: func(ctx context.Context) {
			d.ImportService.SweepIdle(ctx)
		},
	})
}

// Start runs the scheduler and, when enabled, the metrics endpoint.
func (d *Dependencies) Start() {
	d.Scheduler.Start()

	if !d.Config.Observability.MetricsEnabled {
		return
	}
	d.MetricsServer = metrics.NewServer(d.Config.Observability.MetricsPort, d.Registry, d.Logger)
	go func() {
		if err := d.MetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.Logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Scheduler != nil {
		<-d.Scheduler.Stop().Done()
	}
	if d.MetricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.MetricsServer.Shutdown(ctx); err != nil {
			d.Logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancel()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
