// Package main provides the entry point for the crawler-extractor HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/crawler-extractor/internal/app"
	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/database"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/repository"
	httpserver "github.com/helixir/crawler-extractor/internal/server/http"
	"github.com/helixir/crawler-extractor/internal/storage"
)

const serviceName = "crawler-extractor"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		Service:    serviceName,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("crawler-extractor server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	if cfg.Database.MigrationAutoRun {
		if err := app.MigrateUp(db, cfg.Database.MigrationPath, logger); err != nil {
			return err
		}
	}

	store, err := storage.NewS3Gateway(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("create storage gateway: %w", err)
	}

	var metrics *observability.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(app.MetricsNamespace)
		metricsHandler = promhttp.Handler()
	}

	repo := repository.NewPgPaperRepository(db)
	p, err := app.NewPipeline(cfg, repo, store, metrics, logger)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	publisher := app.NewPublisher(cfg.Kafka, serviceName, metrics, logger)
	if publisher != nil {
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close outcome publisher")
			}
		}()
	}
	jobs := p.Jobs(ctx, cfg, repo, db, publisher, logger)

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    10 * time.Minute, // harness runs stream over SSE
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
	}
	httpSrv := httpserver.NewServer(httpCfg, httpserver.Deps{
		Repo:        repo,
		Storage:     store,
		Processor:   p.Processor,
		Harness:     p.Harness,
		Runs:        jobs,
		Backfiller:  p.Backfiller,
		Health:      db,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", httpCfg.Address).Msg("HTTP server starting")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Waits for API-triggered runs as well as open requests.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("crawler-extractor server shutdown complete")
	return nil
}
