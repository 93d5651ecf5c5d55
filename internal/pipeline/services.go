// Package pipeline moves paper records through their lifecycle.
//
// Records flow PdfNotAvailable -> PdfAvailable -> TextAvailable -> Scored ->
// Processed, with ProcessedLowScore and Failed as the other terminal states.
// A separate PGX sub-workflow moves P1 records through P1WIP to P1Success or
// P1Failure. Each transition is performed by one stage function; the
// Processor wraps every stage with attempt accounting, timing, and panic
// recovery, and the Runner, Orchestrator and Harness drive the Processor over
// batches with bounded worker pools.
package pipeline

import (
	"context"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/storage"
)

// PdfFetcher locates and downloads a PDF for a paper. A nil candidate with a
// nil error means nothing was found.
type PdfFetcher interface {
	Fetch(ctx context.Context, paper *domain.PaperRecord) (*domain.PdfCandidate, error)
}

// TextExtractor converts a paper's stored PDF to text and stores the text.
// Unreadable documents are reported with a domain.ErrExtraction error.
type TextExtractor interface {
	Extract(ctx context.Context, paper *domain.PaperRecord) (*domain.TextExtractionResult, error)
}

// Scorer rates the relevance of a paper's text.
type Scorer interface {
	Score(ctx context.Context, text string, seed *int) (*domain.ScoreResult, error)
}

// CitationExtractor finds the references of a paper.
type CitationExtractor interface {
	Extract(ctx context.Context, text string) ([]domain.CitationRecord, error)
}

// PgxExtractor pulls sample-level PGX observations out of a PDF.
type PgxExtractor interface {
	ExtractPDF(ctx context.Context, pdf []byte) ([]domain.PgxExtractionRow, error)
	PageCount(pdf []byte) (int, bool)
}

// Services bundles the collaborators the stages call. Collaborators that a
// deployment does not use may be nil; a stage whose collaborator is missing
// reports an unexpected error.
type Services struct {
	Repo      repository.PaperRepository
	Storage   storage.Gateway
	Fetcher   PdfFetcher
	Text      TextExtractor
	Scorer    Scorer
	Citations CitationExtractor
	Pgx       PgxExtractor
}

// Options holds the stage settings.
type Options struct {
	// ScoreThreshold is the minimum score for citation expansion.
	ScoreThreshold float64
	// StoreLinks creates placeholders for hyperlinks found in PDFs.
	StoreLinks bool
	// BlockedHosts are never fetched from. Records pointing at them fail.
	// Nil means pdf.DefaultBlockedHosts.
	BlockedHosts pdf.HostDenylist
	// PgxTable receives PGX extraction rows.
	PgxTable string
}

// DefaultPgxTable is used when Options.PgxTable is empty.
const DefaultPgxTable = "pgx_extractions"

// OptionsFromConfig maps pipeline configuration to Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		ScoreThreshold: cfg.ScoreThreshold,
		StoreLinks:     cfg.StoreLinks,
		BlockedHosts:   pdf.NewHostDenylist(cfg.BlockedHosts),
		PgxTable:       cfg.PgxTable,
	}
}

func (o Options) pgxTable() string {
	if o.PgxTable == "" {
		return DefaultPgxTable
	}
	return o.PgxTable
}
