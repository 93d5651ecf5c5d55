package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/repository"
)

// FilterProcessable returns the records whose attempt budget is not spent,
// preserving order.
func FilterProcessable(records []*domain.PaperRecord) []*domain.PaperRecord {
	out := make([]*domain.PaperRecord, 0, len(records))
	for _, r := range records {
		if r.Attempts <= domain.MaxProcessingAttempts {
			out = append(out, r)
		}
	}
	return out
}

// Exhausted reports whether the record has used more attempts than allowed.
func Exhausted(record *domain.PaperRecord) bool {
	return record.Attempts > domain.MaxProcessingAttempts
}

// MarkProcessingAttempt persists attempts+1 for record and returns the
// updated record.
func MarkProcessingAttempt(ctx context.Context, repo repository.PaperRepository, record *domain.PaperRecord) (*domain.PaperRecord, error) {
	updated, err := repo.IncrementAttempts(ctx, record.ID, record.Attempts)
	if err != nil {
		return nil, fmt.Errorf("charging attempt for paper %s: %w", record.ID, err)
	}
	return updated, nil
}

// ExhaustedReason is the failure reason persisted when stage's budget is
// spent.
func ExhaustedReason(stage domain.StageName) string {
	return fmt.Sprintf("exceeded %s attempts", stage.Label())
}

// SweepStates are the states whose over-budget records are failed by
// SweepExhausted.
var SweepStates = append(append([]domain.PaperState(nil), domain.ActiveStates...), domain.PaperStateP1)

// SweepExhausted fails every non-terminal record that is over budget and
// therefore outside every candidate pool.
func SweepExhausted(ctx context.Context, repo repository.PaperRepository) (int64, error) {
	moved, err := repo.FailExhausted(ctx, SweepStates, domain.MaxProcessingAttempts)
	if err != nil {
		return 0, fmt.Errorf("sweeping exhausted records: %w", err)
	}
	return moved, nil
}
