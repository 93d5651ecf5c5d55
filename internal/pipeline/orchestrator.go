package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/repository"
)

// Names under which a cycle reports its stages.
const (
	CycleStageText           = "text"
	CycleStageScoring        = "scoring"
	CycleStageCitations      = "citations"
	CycleStagePdfAcquisition = "pdf_acquisition"
)

var cycleOrder = []struct {
	name  string
	stage domain.StageName
}{
	{CycleStageText, domain.StageTextExtraction},
	{CycleStageScoring, domain.StageScoring},
	{CycleStageCitations, domain.StageCitations},
	{CycleStagePdfAcquisition, domain.StagePdfAcquisition},
}

// CycleParams configures one orchestrator cycle.
type CycleParams struct {
	BatchSize int
	Workers   int
	// Level pins the cycle to a level. When nil the cached level is used, or
	// the lowest level with active records.
	Level      *int
	SeedNumber *int
	Callbacks
	// OnStage is called once per stage, in cycle order, after all stages ran.
	OnStage func(name string, outcomes []domain.StageOutcome)
}

// CycleResult holds the outcomes of one cycle keyed by stage name.
type CycleResult struct {
	Level    int
	Stages   map[string][]domain.StageOutcome
	Swept    int64
	Duration time.Duration
}

// Processed returns the number of records the cycle ran a stage for.
func (c *CycleResult) Processed() int {
	n := 0
	for _, outcomes := range c.Stages {
		n += len(outcomes)
	}
	return n
}

// Orchestrator runs the level-scoped stages as one cycle: text extraction,
// scoring, citations, then PDF acquisition.
type Orchestrator struct {
	runner  *Runner
	repo    repository.PaperRepository
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	level *int
}

// NewOrchestrator creates an orchestrator. metrics may be nil.
func NewOrchestrator(runner *Runner, metrics *observability.Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		runner:  runner,
		repo:    runner.repo,
		metrics: metrics,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// CurrentLevel returns the cached level, if any.
func (o *Orchestrator) CurrentLevel() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.level == nil {
		return 0, false
	}
	return *o.level, true
}

// ResetLevel clears the cached level.
func (o *Orchestrator) ResetLevel() {
	o.mu.Lock()
	o.level = nil
	o.mu.Unlock()
}

// RunCycle runs every stage once at the target level and then fails records
// that exhausted their attempts.
func (o *Orchestrator) RunCycle(ctx context.Context, p CycleParams) (*CycleResult, error) {
	start := time.Now()
	level, err := o.targetLevel(ctx, p.Level)
	if err != nil {
		return nil, err
	}

	logger := observability.LoggerFromContext(ctx, o.logger).With().Int("level", level).Logger()
	logger.Debug().Int("batch_size", p.BatchSize).Int("workers", p.Workers).Msg("cycle started")

	result := &CycleResult{Level: level, Stages: make(map[string][]domain.StageOutcome, len(cycleOrder))}
	for _, s := range cycleOrder {
		outcomes, err := o.runner.RunStage(ctx, StageBatchParams{
			Stage:      s.stage,
			BatchSize:  p.BatchSize,
			Level:      level,
			SeedNumber: p.SeedNumber,
			Workers:    p.Workers,
			Mode:       ModeSnapshot,
			Callbacks:  p.Callbacks,
		})
		result.Stages[s.name] = outcomes
		if err != nil {
			return result, fmt.Errorf("%s stage: %w", s.name, err)
		}
	}

	if p.OnStage != nil {
		for _, s := range cycleOrder {
			p.OnStage(s.name, result.Stages[s.name])
		}
	}

	swept, err := SweepExhausted(ctx, o.repo)
	if err != nil {
		logger.Warn().Err(err).Msg("exhausted sweep failed")
	} else if swept > 0 {
		result.Swept = swept
		if o.metrics != nil {
			o.metrics.RecordExhausted(swept)
		}
		logger.Info().Int64("records", swept).Msg("failed exhausted records")
	}

	// An idle cycle lets the next one pick up whatever level has work.
	if result.Processed() == 0 && p.Level == nil {
		o.ResetLevel()
	}

	result.Duration = time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordCycle(result.Duration.Seconds())
	}
	logger.Info().
		Int("processed", result.Processed()).
		Dur("duration", result.Duration).
		Msg("cycle finished")
	return result, nil
}

func (o *Orchestrator) targetLevel(ctx context.Context, explicit *int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if explicit != nil {
		level := *explicit
		o.level = &level
		return level, nil
	}
	if o.level != nil {
		return *o.level, nil
	}
	level, err := o.repo.LowestActiveLevel(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolving active level: %w", err)
	}
	if level < 1 {
		if level, err = o.lowestPendingLevel(ctx); err != nil {
			return 0, err
		}
	}
	o.level = &level
	return level, nil
}

// lowestPendingLevel is the smallest level with a record in any active state,
// so levels holding only PdfNotAvailable children are still reached. It
// returns 1 for an idle database.
func (o *Orchestrator) lowestPendingLevel(ctx context.Context) (int, error) {
	counts, err := o.repo.LevelStatusCounts(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("resolving pending level: %w", err)
	}
	level := 0
	for _, c := range counts {
		if c.Count == 0 || c.State.IsTerminal() || c.State.IsPgx() {
			continue
		}
		if level == 0 || c.Level < level {
			level = c.Level
		}
	}
	return max(level, 1), nil
}
