package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// RunPdfAcquisition runs one pdf_acquisition batch.
func (r *Runner) RunPdfAcquisition(ctx context.Context, p StageBatchParams) ([]domain.StageOutcome, error) {
	p.Stage = domain.StagePdfAcquisition
	return r.RunStage(ctx, p)
}

// RunTextExtraction runs one text_extraction batch.
func (r *Runner) RunTextExtraction(ctx context.Context, p StageBatchParams) ([]domain.StageOutcome, error) {
	p.Stage = domain.StageTextExtraction
	return r.RunStage(ctx, p)
}

// RunScoring runs one scoring batch.
func (r *Runner) RunScoring(ctx context.Context, p StageBatchParams) ([]domain.StageOutcome, error) {
	p.Stage = domain.StageScoring
	return r.RunStage(ctx, p)
}

// RunCitations runs one citations batch. Only records scoring at or above the
// threshold are considered.
func (r *Runner) RunCitations(ctx context.Context, p StageBatchParams) ([]domain.StageOutcome, error) {
	p.Stage = domain.StageCitations
	return r.RunStage(ctx, p)
}

func (r *Runner) candidates(ctx context.Context, stage domain.StageName, level, limit int, seed *int) ([]*domain.PaperRecord, error) {
	state, ok := StateForStage(stage)
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, stage)
	}
	papers, err := r.repo.FetchByStateAtLevel(ctx, state, level, limit, seed)
	if err != nil {
		return nil, fmt.Errorf("fetching %s candidates: %w", stage, err)
	}
	if stage == domain.StageCitations {
		papers = r.aboveThreshold(papers)
	}
	return papers, nil
}

func (r *Runner) aboveThreshold(papers []*domain.PaperRecord) []*domain.PaperRecord {
	out := papers[:0:0]
	for _, p := range papers {
		if p.Score != nil && *p.Score >= r.threshold {
			out = append(out, p)
		}
	}
	return out
}
