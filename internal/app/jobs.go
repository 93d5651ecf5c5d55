package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/events"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pipeline"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/scheduler"
)

// NewPublisher returns an outcome publisher, or nil when Kafka is disabled.
func NewPublisher(cfg config.KafkaConfig, service string, metrics *observability.Metrics, logger zerolog.Logger) *events.Publisher {
	if !cfg.Enabled || cfg.OutcomeTopic == "" {
		return nil
	}
	return events.NewPublisher(events.PublisherConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.OutcomeTopic,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Source:       service,
	}, metrics, logger)
}

// Jobs builds the job set the scheduler, the trigger listener and the HTTP
// API share. locker and publisher may be nil.
func (p *Pipeline) Jobs(ctx context.Context, cfg *config.Config, repo repository.PaperRepository, locker scheduler.Locker, publisher *events.Publisher, logger zerolog.Logger) *scheduler.Jobs {
	var opts []scheduler.JobsOption
	if locker != nil {
		opts = append(opts, scheduler.WithLocker(locker))
	}
	if publisher != nil {
		opts = append(opts, scheduler.WithCallbacks(pipeline.Callbacks{
			OnComplete: publisher.CompletionFunc(ctx),
		}))
	}
	return scheduler.NewJobs(p.Orchestrator, p.Runner, repo, scheduler.Defaults{
		BatchSize: cfg.Pipeline.BatchSize,
		Workers:   cfg.Pipeline.Workers,
	}, logger, opts...)
}
