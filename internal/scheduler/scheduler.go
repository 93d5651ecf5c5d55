package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/events"
)

// Scheduler runs Jobs on cron schedules. Overlapping runs of the same entry
// are skipped.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger zerolog.Logger
	ctx    context.Context
}

// New registers a cron entry for every non-empty spec in cfg.
func New(cfg config.SchedulerConfig, jobs *Jobs, logger zerolog.Logger) (*Scheduler, error) {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   jobs,
		logger: logger,
		ctx:    context.Background(),
	}

	entries := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"cycle", cfg.CycleSpec, func(ctx context.Context) error { return jobs.RunCycle(ctx, TriggerCron, events.Trigger{}) }},
		{"pgx", cfg.PgxSpec, func(ctx context.Context) error { return jobs.RunPgx(ctx, TriggerCron, events.Trigger{}) }},
		{"sweep", cfg.SweepSpec, func(ctx context.Context) error { return jobs.Sweep(ctx, TriggerCron) }},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, s.wrap(e.name, e.run)); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", e.name, e.spec, err)
		}
		logger.Info().Str("job", e.name).Str("spec", e.spec).Msg("scheduled job")
	}
	return s, nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		if err := run(s.ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	}
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx, whichever comes
// first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
