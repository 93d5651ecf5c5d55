// Package pgxextract pulls sample-level pharmacogenomic observations out of
// PDFs with an LLM, a few pages at a time.
package pgxextract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/llm"
	"github.com/helixir/crawler-extractor/internal/textextract"
)

// Defaults for Options.
const (
	DefaultPagesPerChunk = 3
	DefaultMaxChunkChars = 12_000
)

// PageReader returns the text of every page of a PDF.
type PageReader func(pdf []byte) ([]string, error)

// Options tunes chunking. Zero values select the defaults.
type Options struct {
	PagesPerChunk int
	MaxChunkChars int
	// Pages overrides the PDF text reader.
	Pages PageReader
}

// Extractor sends page chunks to an LLM and collects the rows it returns.
type Extractor struct {
	client        llm.Client
	prompt        string
	pagesPerChunk int
	maxChunkChars int
	pages         PageReader
	logger        zerolog.Logger
}

// NewExtractor creates an extractor that uses prompt as system message.
func NewExtractor(client llm.Client, prompt string, opts Options, logger zerolog.Logger) (*Extractor, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("PGX prompt text is required")
	}
	if opts.PagesPerChunk <= 0 {
		opts.PagesPerChunk = DefaultPagesPerChunk
	}
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = DefaultMaxChunkChars
	}
	if opts.Pages == nil {
		opts.Pages = readPages
	}
	return &Extractor{
		client:        client,
		prompt:        prompt,
		pagesPerChunk: opts.PagesPerChunk,
		maxChunkChars: opts.MaxChunkChars,
		pages:         opts.Pages,
		logger:        logger.With().Str("component", "pgx_extractor").Logger(),
	}, nil
}

// ExtractPDF returns deduplicated rows for pdf. When the first pass finds
// nothing, a second pass retries with chunks twice as large.
func (e *Extractor) ExtractPDF(ctx context.Context, pdf []byte) ([]domain.PgxExtractionRow, error) {
	pages, err := e.pages(pdf)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, domain.NewExtractionError("PDF contains no readable pages", nil)
	}

	rows, err := e.pass(ctx, pages, e.pagesPerChunk, e.maxChunkChars)
	if err != nil || len(rows) > 0 {
		return rows, err
	}
	if e.pagesPerChunk >= len(pages) && e.maxChunkChars >= totalChars(pages) {
		return rows, nil
	}

	e.logger.Debug().Int("pages", len(pages)).Msg("no samples found, retrying with larger chunks")
	return e.pass(ctx, pages, e.pagesPerChunk*2, e.maxChunkChars*2)
}

// PageCount returns the number of pages in pdf.
func (e *Extractor) PageCount(pdf []byte) (int, bool) {
	return textextract.PageCount(pdf)
}

func (e *Extractor) pass(ctx context.Context, pages []string, perChunk, maxChars int) ([]domain.PgxExtractionRow, error) {
	var rows []domain.PgxExtractionRow
	seen := make(map[[4]string]struct{})
	for start := 0; start < len(pages); start += perChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+perChunk, len(pages))
		text := chunkText(pages[start:end], maxChars)
		if text == "" {
			continue
		}

		chunkRows, err := e.extractChunk(ctx, text, start+1)
		if err != nil {
			return nil, err
		}
		for _, row := range chunkRows {
			key := row.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

type sampleResponse struct {
	Samples []struct {
		SampleID           string `json:"sample_id"`
		Gene               string `json:"gene"`
		Allele             string `json:"allele"`
		RsID               string `json:"rs_id"`
		Medication         string `json:"medication"`
		Outcome            string `json:"outcome"`
		Actionability      string `json:"actionability"`
		CPICRecommendation string `json:"cpic_recommendation"`
		SourceContext      string `json:"source_context"`
	} `json:"samples"`
}

func (e *Extractor) extractChunk(ctx context.Context, text string, startPage int) ([]domain.PgxExtractionRow, error) {
	prompt := fmt.Sprintf(
		"Extract PGX sample-level observations from these PDF pages only. "+
			"The first page of this chunk is page %d. "+
			"Use tables, figures and text. One row per sample-medication observation.\n\n"+
			"Page text:\n%s", startPage, text)

	resp, err := e.client.Complete(ctx, llm.Request{
		System:    e.prompt,
		Prompt:    prompt,
		JSON:      true,
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("pgx extraction via %s failed: %w", e.client.Provider(), err)
	}

	var parsed sampleResponse
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, err
	}

	rows := make([]domain.PgxExtractionRow, 0, len(parsed.Samples))
	for _, s := range parsed.Samples {
		rows = append(rows, domain.PgxExtractionRow{
			SampleID:           strings.TrimSpace(s.SampleID),
			Gene:               strings.TrimSpace(s.Gene),
			Allele:             strings.TrimSpace(s.Allele),
			RsID:               strings.TrimSpace(s.RsID),
			Medication:         strings.TrimSpace(s.Medication),
			Outcome:            strings.TrimSpace(s.Outcome),
			Actionability:      NormalizeActionability(s.Actionability),
			CPICRecommendation: strings.TrimSpace(s.CPICRecommendation),
			SourceContext:      strings.TrimSpace(s.SourceContext),
		})
	}
	return rows, nil
}

// chunkText labels each non-empty page and caps the result at maxChars runes.
func chunkText(pages []string, maxChars int) string {
	parts := make([]string, 0, len(pages))
	for i, p := range pages {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, fmt.Sprintf("[Chunk page %d]\n%s", i+1, trimmed))
		}
	}
	merged := strings.Join(parts, "\n\n")
	if r := []rune(merged); len(r) > maxChars {
		return string(r[:maxChars])
	}
	return merged
}

func totalChars(pages []string) int {
	n := 0
	for _, p := range pages {
		n += len([]rune(p))
	}
	return n
}

// NormalizeActionability maps yes/y/true/1 to "Yes" and everything else to "No".
func NormalizeActionability(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "true", "1":
		return "Yes"
	default:
		return "No"
	}
}

func readPages(pdf []byte) ([]string, error) {
	doc, err := textextract.Parse(pdf)
	if err != nil {
		return nil, err
	}
	return doc.Pages, nil
}
