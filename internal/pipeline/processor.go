package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/repository"
)

const unexpectedErrorMessage = "unexpected error"

var stageForState = map[domain.PaperState]domain.StageName{
	domain.PaperStatePdfNotAvailable: domain.StagePdfAcquisition,
	domain.PaperStatePdfAvailable:    domain.StageTextExtraction,
	domain.PaperStateTextAvailable:   domain.StageScoring,
	domain.PaperStateScored:          domain.StageCitations,
	domain.PaperStateP1:              domain.StagePgxExtraction,
}

// StageForState returns the stage that acts on state, or "" when none does.
func StageForState(state domain.PaperState) domain.StageName {
	return stageForState[state]
}

// StateForStage returns the state a stage picks its candidates from.
func StateForStage(stage domain.StageName) (domain.PaperState, bool) {
	for state, s := range stageForState {
		if s == stage {
			return state, true
		}
	}
	return "", false
}

// Processor runs one stage for one record. It charges the attempt, times the
// stage and turns errors and panics into failure outcomes, so callers always
// get an outcome back.
type Processor struct {
	steps   *Steps
	repo    repository.PaperRepository
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewProcessor creates a processor. metrics may be nil.
func NewProcessor(svc Services, opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		steps:   NewSteps(svc, opts, metrics, logger),
		repo:    svc.Repo,
		metrics: metrics,
		logger:  logger.With().Str("component", "paper_processor").Logger(),
	}
}

// Steps returns the stage functions used by the processor.
func (p *Processor) Steps() *Steps {
	return p.steps
}

// Run executes stage for paper. An empty stage selects the stage for the
// paper's current state.
func (p *Processor) Run(ctx context.Context, paper *domain.PaperRecord, stage domain.StageName) domain.StageOutcome {
	return p.run(ctx, paper, stage, nil)
}

func (p *Processor) run(ctx context.Context, paper *domain.PaperRecord, stage domain.StageName, payload *pdfPayload) domain.StageOutcome {
	if stage == "" {
		stage = StageForState(paper.State)
	}
	if stage == "" {
		return domain.Failed(paper.ID, domain.StageNoop, fmt.Sprintf("No actionable stage for %s", paper.State), nil)
	}

	logger := observability.LoggerFromContext(ctx, p.logger)
	logger = observability.WithStageContext(
		observability.WithPaperContext(logger, paper.ID, paper.Level, string(paper.State)),
		string(stage))
	ctx = observability.WithStage(observability.WithPaperID(ctx, paper.ID), string(stage))

	if stage == domain.StageCitations {
		if reason := p.steps.citationBlock(paper); reason != "" {
			outcome := blockedOutcome(paper.ID, stage, reason)
			outcome.Metadata["duration_ms"] = 0
			logger.Debug().Str("message", reason).Msg("stage_blocked")
			p.record(stage, outcome, 0)
			return outcome
		}
	}

	start := time.Now()
	charged, err := MarkProcessingAttempt(ctx, p.repo, paper)
	if err != nil {
		outcome := domain.Failed(paper.ID, stage, unexpectedErrorMessage, map[string]interface{}{
			"error": err.Error(),
		})
		return p.finish(logger, stage, outcome, time.Since(start))
	}
	if p.metrics != nil {
		p.metrics.RecordAttempt(string(stage))
	}

	logger.Info().Int("attempts", charged.Attempts).Msg("stage_start")
	outcome := p.execute(ctx, charged, stage, payload)
	return p.finish(logger, stage, outcome, time.Since(start))
}

// execute dispatches to the stage function. It is the only place panics are
// recovered.
func (p *Processor) execute(ctx context.Context, paper *domain.PaperRecord, stage domain.StageName, payload *pdfPayload) (outcome domain.StageOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Failed(paper.ID, stage, unexpectedErrorMessage, map[string]interface{}{
				"error": fmt.Sprint(r),
				"panic": true,
			})
		}
	}()

	if err := p.steps.requireCollaborator(stage); err != nil {
		return domain.Failed(paper.ID, stage, unexpectedErrorMessage, map[string]interface{}{"error": err.Error()})
	}

	var err error
	switch stage {
	case domain.StagePdfAcquisition:
		outcome, err = p.steps.FetchPDF(ctx, paper)
	case domain.StageTextExtraction:
		outcome, err = p.steps.ExtractText(ctx, paper)
	case domain.StageScoring:
		outcome, err = p.steps.ScoreText(ctx, paper)
	case domain.StageCitations:
		outcome, err = p.steps.ExtractCitations(ctx, paper)
	case domain.StagePgxExtraction:
		outcome, err = p.steps.processPgx(ctx, paper, payload)
	default:
		err = fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, stage)
	}
	if err != nil {
		return domain.Failed(paper.ID, stage, unexpectedErrorMessage, map[string]interface{}{"error": err.Error()})
	}
	if outcome.Metadata == nil {
		outcome.Metadata = make(map[string]interface{})
	}
	return outcome
}

func (p *Processor) finish(logger zerolog.Logger, stage domain.StageName, outcome domain.StageOutcome, elapsed time.Duration) domain.StageOutcome {
	if outcome.Metadata == nil {
		outcome.Metadata = make(map[string]interface{})
	}
	if _, ok := outcome.Metadata["duration_ms"]; !ok {
		outcome.Metadata["duration_ms"] = elapsed.Milliseconds()
	}

	event := logger.Info()
	if outcome.Message == unexpectedErrorMessage {
		event = logger.Error().Interface("error", outcome.Metadata["error"])
	}
	event.
		Bool("success", outcome.Success).
		Str("message", outcome.Message).
		Interface("duration_ms", outcome.Metadata["duration_ms"]).
		Msg("stage_complete")

	p.record(stage, outcome, elapsed)
	return outcome
}

func (p *Processor) record(stage domain.StageName, outcome domain.StageOutcome, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordStage(string(stage), resultLabel(outcome), elapsed.Seconds())
}

func resultLabel(outcome domain.StageOutcome) string {
	switch {
	case outcome.Success:
		return observability.ResultSuccess
	case outcome.Blocked():
		return observability.ResultBlocked
	case outcome.Message == unexpectedErrorMessage:
		return observability.ResultUnexpected
	default:
		return observability.ResultFailure
	}
}

// requireCollaborator reports a missing collaborator for stage.
func (s *Steps) requireCollaborator(stage domain.StageName) error {
	missing := ""
	switch {
	case s.svc.Repo == nil:
		missing = "repository"
	case s.svc.Storage == nil && stage != domain.StageTextExtraction:
		missing = "storage"
	case stage == domain.StagePdfAcquisition && s.svc.Fetcher == nil:
		missing = "pdf fetcher"
	case stage == domain.StageTextExtraction && s.svc.Text == nil:
		missing = "text extractor"
	case stage == domain.StageScoring && s.svc.Scorer == nil:
		missing = "scorer"
	case stage == domain.StageCitations && s.svc.Citations == nil:
		missing = "citation extractor"
	case stage == domain.StagePgxExtraction && s.svc.Pgx == nil:
		missing = "pgx extractor"
	}
	if missing != "" {
		return fmt.Errorf("no %s configured for stage %s", missing, stage)
	}
	return nil
}
