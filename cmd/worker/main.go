// Package main provides the entry point for the crawler-extractor worker. The
// worker runs scheduled pipeline cycles and consumes run triggers from Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/crawler-extractor/internal/app"
	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/database"
	"github.com/helixir/crawler-extractor/internal/events"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/scheduler"
	"github.com/helixir/crawler-extractor/internal/storage"
)

const serviceName = "crawler-extractor-worker"

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
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("crawler-extractor worker starting")

	if !cfg.Scheduler.Enabled && !cfg.Kafka.Enabled {
		return errors.New("nothing to do: enable the scheduler or kafka triggers")
	}

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
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(app.MetricsNamespace)
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

	errCh := make(chan error, 2)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler, jobs, logger)
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		sched.Start(ctx)
		logger.Info().Int("entries", sched.Entries()).Msg("scheduler started")
	}

	if cfg.Kafka.Enabled && cfg.Kafka.TriggerTopic != "" {
		listener := events.NewListener(events.ListenerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TriggerTopic,
			GroupID: cfg.Kafka.GroupID,
		}, jobs, logger)
		defer func() {
			if err := listener.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close trigger listener")
			}
		}()

		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("trigger listener error: %w", err)
			}
		}()

		logger.Info().
			Str("topic", cfg.Kafka.TriggerTopic).
			Str("group_id", cfg.Kafka.GroupID).
			Msg("trigger listener started")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("worker error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Running jobs observe the cancelled context and finish their in-flight
	// records before Stop returns.
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("scheduler did not stop before the shutdown deadline")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("crawler-extractor worker shutdown complete")
	return runErr
}
