package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// HarnessParams configures a targeted run.
type HarnessParams struct {
	Stage    domain.StageName
	Level    int
	MaxSteps int
	Workers  int
	Callbacks
}

// Harness runs a single stage over at most MaxSteps records of one level. It
// is used for targeted processing from the API and the CLI.
type Harness struct {
	runner *Runner
}

// NewHarness creates a harness on top of runner.
func NewHarness(runner *Runner) *Harness {
	return &Harness{runner: runner}
}

// Run processes up to p.MaxSteps records in the stage's input state at
// p.Level. Outcomes are returned in candidate order.
func (h *Harness) Run(ctx context.Context, p HarnessParams) ([]domain.StageOutcome, error) {
	if p.MaxSteps <= 0 {
		return nil, nil
	}
	state, ok := StateForStage(p.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, p.Stage)
	}

	candidates, err := h.runner.repo.FetchByStateAtLevel(ctx, state, p.Level, p.MaxSteps, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s candidates: %w", p.Stage, err)
	}
	papers := FilterProcessable(candidates)
	if len(papers) > p.MaxSteps {
		papers = papers[:p.MaxSteps]
	}
	if len(papers) == 0 {
		return nil, nil
	}

	outcomes, _, err := h.runner.runSnapshot(ctx, p.Stage, papers, p.Workers, p.Callbacks)
	return outcomes, err
}
