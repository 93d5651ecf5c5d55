package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/storage"
)

// BackfillParams configures a hash backfill.
type BackfillParams struct {
	Limit      int
	SeedNumber *int
	// MissingOnly selects records without a hash. Otherwise existing hashes
	// are recomputed and rewritten when they differ.
	MissingOnly bool
	Workers     int
}

// BackfillReport counts what a backfill did.
type BackfillReport struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Backfiller recomputes PDF hashes from stored blobs.
type Backfiller struct {
	repo    repository.PaperRepository
	store   storage.Gateway
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewBackfiller creates a backfiller. metrics may be nil.
func NewBackfiller(repo repository.PaperRepository, store storage.Gateway, metrics *observability.Metrics, logger zerolog.Logger) *Backfiller {
	return &Backfiller{
		repo:    repo,
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "hash_backfill").Logger(),
	}
}

// BackfillPDFHashes hashes the stored PDF of each candidate and persists the
// digest. Per-record failures are counted, not returned.
func (b *Backfiller) BackfillPDFHashes(ctx context.Context, p BackfillParams) (*BackfillReport, error) {
	candidates, err := b.repo.FetchPdfHashCandidates(ctx, p.Limit, p.SeedNumber, p.MissingOnly)
	if err != nil {
		return nil, fmt.Errorf("fetching hash candidates: %w", err)
	}

	var updated, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(p.Workers, 1))
	for _, paper := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch b.backfillOne(ctx, paper) {
			case backfillUpdated:
				updated.Add(1)
			case backfillSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &BackfillReport{
		Updated: int(updated.Load()),
		Skipped: int(skipped.Load()),
		Errors:  int(failed.Load()),
	}
	b.logger.Info().
		Int("candidates", len(candidates)).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Int("errors", report.Errors).
		Msg("pdf hash backfill finished")
	return report, ctx.Err()
}

type backfillResult int

const (
	backfillUpdated backfillResult = iota
	backfillSkipped
	backfillFailed
)

func (b *Backfiller) backfillOne(ctx context.Context, paper *domain.PaperRecord) backfillResult {
	if paper.PdfRef == nil {
		return backfillSkipped
	}
	data, err := b.store.FetchBlob(ctx, *paper.PdfRef)
	if err != nil {
		b.logger.Warn().Err(err).Str("paper_id", paper.ID).Msg("fetching pdf for hash")
		return backfillFailed
	}
	digest := pdf.MD5Hex(data)
	if paper.PdfMD5 == digest {
		return backfillSkipped
	}
	if err := b.repo.UpdatePdfMD5(ctx, paper.ID, digest); err != nil {
		b.logger.Warn().Err(err).Str("paper_id", paper.ID).Msg("storing pdf hash")
		return backfillFailed
	}
	if b.metrics != nil {
		b.metrics.RecordHashBackfilled()
	}
	return backfillUpdated
}
