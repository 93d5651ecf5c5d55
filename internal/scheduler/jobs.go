// Package scheduler runs pipeline jobs on cron schedules and on demand.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/events"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pipeline"
	"github.com/helixir/crawler-extractor/internal/repository"
)

// Advisory lock keys. Only one process in a deployment runs each job at a
// time.
const (
	lockKeyCycle int64 = 0x637261776c01
	lockKeyPgx   int64 = 0x637261776c02
	lockKeySweep int64 = 0x637261776c03
)

// Trigger sources recorded in run logs.
const (
	TriggerCron  = "cron"
	TriggerKafka = "kafka"
	TriggerAPI   = "api"
)

// Locker serializes jobs across processes.
type Locker interface {
	WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) (bool, error)
}

// Defaults are used when a trigger leaves batch size or workers unset.
type Defaults struct {
	BatchSize int
	Workers   int
}

// Jobs runs cycles, PGX batches and sweeps.
type Jobs struct {
	orch      *pipeline.Orchestrator
	runner    *pipeline.Runner
	repo      repository.PaperRepository
	locker    Locker
	defaults  Defaults
	callbacks pipeline.Callbacks
	logger    zerolog.Logger
}

// JobsOption configures Jobs.
type JobsOption func(*Jobs)

// WithLocker serializes jobs through locker. Without one, jobs run
// unguarded.
func WithLocker(locker Locker) JobsOption {
	return func(j *Jobs) {
		j.locker = locker
	}
}

// WithCallbacks attaches callbacks to every batch a job runs.
func WithCallbacks(cb pipeline.Callbacks) JobsOption {
	return func(j *Jobs) {
		j.callbacks = cb
	}
}

// NewJobs creates the job set.
func NewJobs(orch *pipeline.Orchestrator, runner *pipeline.Runner, repo repository.PaperRepository, defaults Defaults, logger zerolog.Logger, opts ...JobsOption) *Jobs {
	j := &Jobs{
		orch:     orch,
		runner:   runner,
		repo:     repo,
		defaults: defaults,
		logger:   logger.With().Str("component", "jobs").Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

var _ events.TriggerHandler = (*Jobs)(nil)

// HandleTrigger starts the run described by a Kafka trigger.
func (j *Jobs) HandleTrigger(ctx context.Context, t events.Trigger) error {
	return j.Handle(ctx, TriggerKafka, t)
}

// Handle starts the run described by t. source is recorded in the run logs.
func (j *Jobs) Handle(ctx context.Context, source string, t events.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case events.TriggerCycle:
		return j.RunCycle(ctx, source, t)
	case events.TriggerStage:
		return j.RunStage(ctx, source, t)
	case events.TriggerPgx:
		return j.RunPgx(ctx, source, t)
	default:
		return j.Sweep(ctx, source)
	}
}

// RunCycle runs one orchestrator cycle. t.Kind is ignored.
func (j *Jobs) RunCycle(ctx context.Context, source string, t events.Trigger) error {
	return j.locked(ctx, lockKeyCycle, "cycle", source, func(ctx context.Context) error {
		_, err := j.orch.RunCycle(ctx, pipeline.CycleParams{
			BatchSize:  j.batchSize(t),
			Workers:    j.workers(t),
			Level:      t.Level,
			SeedNumber: t.SeedNumber,
			Callbacks:  j.callbacks,
		})
		return err
	})
}

// RunStage runs one batch of t.Stage. Without a level the lowest active
// level is used.
func (j *Jobs) RunStage(ctx context.Context, source string, t events.Trigger) error {
	return j.locked(ctx, lockKeyCycle, "stage", source, func(ctx context.Context) error {
		level, err := j.level(ctx, t.Level)
		if err != nil {
			return err
		}
		mode := pipeline.ModeSnapshot
		if t.Requery {
			mode = pipeline.ModeRequery
		}
		_, err = j.runner.RunStage(ctx, pipeline.StageBatchParams{
			Stage:      t.Stage,
			BatchSize:  j.batchSize(t),
			Level:      level,
			SeedNumber: t.SeedNumber,
			Workers:    j.workers(t),
			Mode:       mode,
			Callbacks:  j.callbacks,
		})
		return err
	})
}

// RunPgx runs one PGX batch.
func (j *Jobs) RunPgx(ctx context.Context, source string, t events.Trigger) error {
	return j.locked(ctx, lockKeyPgx, "pgx", source, func(ctx context.Context) error {
		_, err := j.runner.RunPgxBatch(ctx, pipeline.PgxBatchParams{
			BatchSize: j.batchSize(t),
			Workers:   j.workers(t),
			Callbacks: j.callbacks,
		})
		return err
	})
}

// Sweep fails records that exhausted their attempts.
func (j *Jobs) Sweep(ctx context.Context, source string) error {
	return j.locked(ctx, lockKeySweep, "sweep", source, func(ctx context.Context) error {
		moved, err := pipeline.SweepExhausted(ctx, j.repo)
		if err != nil {
			return err
		}
		logger := observability.LoggerFromContext(ctx, j.logger)
		logger.Info().Int64("records", moved).Msg("sweep finished")
		return nil
	})
}

// locked runs fn under the advisory lock key with a fresh run ID. A lock held
// elsewhere skips the run.
func (j *Jobs) locked(ctx context.Context, key int64, job, source string, fn func(ctx context.Context) error) error {
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	logger := observability.WithRunContext(j.logger, runID, source).With().Str("job", job).Logger()

	start := time.Now()
	run := func(ctx context.Context) error {
		logger.Info().Msg("job started")
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s job: %w", job, err)
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("job finished")
		return nil
	}

	if j.locker == nil {
		return run(ctx)
	}
	acquired, err := j.locker.WithAdvisoryLock(ctx, key, run)
	if !acquired && err == nil {
		logger.Info().Msg("job skipped, another instance holds the lock")
	}
	return err
}

func (j *Jobs) level(ctx context.Context, explicit *int) (int, error) {
	if explicit != nil {
		return *explicit, nil
	}
	level, err := j.repo.LowestActiveLevel(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolving active level: %w", err)
	}
	return max(level, 1), nil
}

func (j *Jobs) batchSize(t events.Trigger) int {
	if t.BatchSize > 0 {
		return t.BatchSize
	}
	return j.defaults.BatchSize
}

func (j *Jobs) workers(t events.Trigger) int {
	if t.Workers > 0 {
		return t.Workers
	}
	return j.defaults.Workers
}
