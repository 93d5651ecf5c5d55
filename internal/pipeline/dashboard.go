package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/repository"
)

// DashboardStates is the order in which recent papers are listed.
var DashboardStates = []domain.PaperState{
	domain.PaperStatePdfNotAvailable,
	domain.PaperStatePdfAvailable,
	domain.PaperStateTextAvailable,
	domain.PaperStateScored,
	domain.PaperStateProcessed,
	domain.PaperStateProcessedLowScore,
	domain.PaperStateFailed,
}

// RecentPapers lists up to perStateLimit papers for each of DashboardStates,
// in that order.
func RecentPapers(ctx context.Context, repo repository.PaperRepository, perStateLimit int) ([]*domain.PaperRecord, error) {
	if perStateLimit <= 0 {
		return nil, nil
	}
	var out []*domain.PaperRecord
	for _, state := range DashboardStates {
		papers, err := repo.FetchByState(ctx, state, perStateLimit)
		if err != nil {
			return nil, fmt.Errorf("fetching %s papers: %w", state, err)
		}
		out = append(out, papers...)
	}
	return out, nil
}
