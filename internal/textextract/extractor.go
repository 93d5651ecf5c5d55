package textextract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/storage"
)

// Extractor reads a paper's stored PDF, stores its plain text and reports the
// links found in it.
type Extractor struct {
	storage storage.Gateway
	logger  zerolog.Logger
}

// NewExtractor creates an extractor backed by gateway.
func NewExtractor(gateway storage.Gateway, logger zerolog.Logger) *Extractor {
	return &Extractor{
		storage: gateway,
		logger:  logger.With().Str("component", "text_extractor").Logger(),
	}
}

// Extract returns a domain.ExtractionError when the paper has no PDF, the PDF
// cannot be parsed or it contains no text. Storage failures are returned as is.
func (e *Extractor) Extract(ctx context.Context, paper *domain.PaperRecord) (*domain.TextExtractionResult, error) {
	if paper.PdfRef == nil || paper.PdfRef.IsZero() {
		return nil, domain.NewExtractionError("Paper is missing PDF reference", nil)
	}

	data, err := e.storage.FetchBlob(ctx, *paper.PdfRef)
	if err != nil {
		return nil, fmt.Errorf("fetching pdf: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	text := doc.Text()
	if text == "" {
		return nil, domain.NewExtractionError("PDF parsing produced no text", nil)
	}

	ref, err := e.storage.StoreText(ctx, paper.ID, text)
	if err != nil {
		return nil, fmt.Errorf("storing text: %w", err)
	}

	e.logger.Debug().
		Str("paper_id", paper.ID).
		Int("pages", doc.PageCount()).
		Int("characters", len(text)).
		Int("links", len(doc.Links)).
		Msg("text extracted")

	return &domain.TextExtractionResult{TextRef: ref, Text: text, Links: doc.Links}, nil
}
