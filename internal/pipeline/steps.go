package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/repository"
)

const (
	pgxNoRowsHint = "No structured rows were returned from page-chunk extraction. " +
		"Verify the PDF contains readable tables, figures or text."

	defaultCitationTitle = "Citation"

	originLink     = "link"
	originCitation = "citation"
)

// Steps holds the stage functions. Each returns an outcome for every
// expected failure and an error only when a collaborator failed in a way the
// stage does not handle.
type Steps struct {
	svc     Services
	opts    Options
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewSteps creates the stage functions. metrics may be nil.
//
// A nil opts.BlockedHosts falls back to pdf.DefaultBlockedHosts; an empty
// non-nil denylist blocks nothing.
func NewSteps(svc Services, opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Steps {
	if opts.BlockedHosts == nil {
		opts.BlockedHosts = pdf.NewHostDenylist(pdf.DefaultBlockedHosts)
	}
	return &Steps{
		svc:     svc,
		opts:    opts,
		metrics: metrics,
		logger:  logger.With().Str("component", "pipeline_steps").Logger(),
	}
}

// pdfPayload carries PDF bytes fetched ahead of a stage.
type pdfPayload struct {
	data      []byte
	pageCount *int
}

// FetchPDF acquires a PDF for a PdfNotAvailable record. Misses and fetch
// errors leave the state unchanged so the record is retried.
func (s *Steps) FetchPDF(ctx context.Context, paper *domain.PaperRecord) (domain.StageOutcome, error) {
	const stage = domain.StagePdfAcquisition

	if blocked := s.opts.BlockedHosts.FirstBlocked(paper.SourceURLs()); blocked != "" {
		if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateFailed,
			domain.WithReason("blocked source host: "+blocked)); err != nil {
			return domain.StageOutcome{}, err
		}
		return domain.Failed(paper.ID, stage, "blocked source host", map[string]interface{}{
			"source_url": blocked,
		}), nil
	}

	if Exhausted(paper) {
		return s.failExhausted(ctx, paper, stage, "exceeded attempt limit")
	}

	candidate, err := s.svc.Fetcher.Fetch(ctx, paper)
	if err != nil {
		if ctx.Err() != nil {
			return domain.StageOutcome{}, err
		}
		s.recordDownload("error")
		return domain.Failed(paper.ID, stage, "fetch error", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}
	if candidate == nil {
		s.recordDownload("not_found")
		return domain.Failed(paper.ID, stage, "pdf not found", map[string]interface{}{
			"reason": "No PDF found",
		}), nil
	}
	s.recordDownload("success")

	md5 := pdf.MD5Hex(candidate.Content)
	ref, err := s.svc.Storage.StorePDF(ctx, paper.ID, candidate.Filename, candidate.Content)
	if err != nil {
		return domain.Failed(paper.ID, stage, "storage error", map[string]interface{}{
			"error": err.Error(),
		}), nil
	}

	if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStatePdfAvailable, &domain.PaperUpdate{
		PdfRef: &ref,
		PdfMD5: &md5,
		Metadata: map[string]interface{}{
			"acquisition": map[string]interface{}{"source_url": candidate.SourceURL},
		},
	}); err != nil {
		return domain.StageOutcome{}, err
	}
	return domain.Succeeded(paper.ID, stage, "pdf stored", map[string]interface{}{
		"source_url": candidate.SourceURL,
		"pdf_md5":    md5,
	}), nil
}

// ExtractText converts the stored PDF to text and queues a child record for
// every hyperlink found in it.
func (s *Steps) ExtractText(ctx context.Context, paper *domain.PaperRecord) (domain.StageOutcome, error) {
	const stage = domain.StageTextExtraction

	if Exhausted(paper) {
		return s.failExhausted(ctx, paper, stage, "exceeded attempt limit")
	}

	result, err := s.svc.Text.Extract(ctx, paper)
	if err != nil {
		if !errors.Is(err, domain.ErrExtraction) {
			return domain.StageOutcome{}, err
		}
		if _, uerr := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateFailed, domain.WithReason(err.Error())); uerr != nil {
			return domain.StageOutcome{}, uerr
		}
		return domain.Failed(paper.ID, stage, err.Error(), nil), nil
	}

	if _, err := s.svc.Repo.SaveTextReference(ctx, paper.ID, result.TextRef); err != nil {
		return domain.StageOutcome{}, err
	}

	links := 0
	if s.opts.StoreLinks {
		links, err = s.insertLinkPlaceholders(ctx, paper, result.Links)
		if err != nil {
			return domain.StageOutcome{}, err
		}
	}
	return domain.Succeeded(paper.ID, stage, "extracted", map[string]interface{}{
		"characters": utf8.RuneCountInString(result.Text),
		"links":      links,
	}), nil
}

// ScoreText rates the stored text and moves the record to Scored or
// ProcessedLowScore depending on the threshold.
func (s *Steps) ScoreText(ctx context.Context, paper *domain.PaperRecord) (domain.StageOutcome, error) {
	const stage = domain.StageScoring

	if Exhausted(paper) {
		return s.failExhausted(ctx, paper, stage, "exceeded attempt limit")
	}
	if paper.TextRef == nil {
		if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateFailed,
			domain.WithReason("Paper missing text reference")); err != nil {
			return domain.StageOutcome{}, err
		}
		return domain.Failed(paper.ID, stage, "paper missing text", nil), nil
	}

	text, err := s.svc.Storage.FetchBlob(ctx, *paper.TextRef)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("fetching text: %w", err)
	}
	result, err := s.svc.Scorer.Score(ctx, string(text), paper.SeedNumber)
	if err != nil {
		return domain.StageOutcome{}, err
	}

	eligible := result.Score >= s.opts.ScoreThreshold
	next := domain.PaperStateProcessedLowScore
	if eligible {
		next = domain.PaperStateScored
	}
	if _, err := s.svc.Repo.RegisterScore(ctx, paper.ID, *result, next); err != nil {
		return domain.StageOutcome{}, err
	}
	return domain.Succeeded(paper.ID, stage, "scored", map[string]interface{}{
		"score":                  result.Score,
		"eligible_for_citations": eligible,
	}), nil
}

// citationBlock returns the reason a Scored record cannot be expanded, or "".
// A blocked record is left untouched and is not charged an attempt.
func (s *Steps) citationBlock(paper *domain.PaperRecord) string {
	if paper.Score == nil || *paper.Score < s.opts.ScoreThreshold {
		return "paper below threshold"
	}
	if paper.TextRef == nil {
		return "paper missing text"
	}
	return ""
}

func blockedOutcome(paperID string, stage domain.StageName, message string) domain.StageOutcome {
	return domain.Failed(paperID, stage, message, map[string]interface{}{"blocked": true})
}

// ExtractCitations queues one child record per distinct citation and marks
// the record Processed.
func (s *Steps) ExtractCitations(ctx context.Context, paper *domain.PaperRecord) (domain.StageOutcome, error) {
	const stage = domain.StageCitations

	if reason := s.citationBlock(paper); reason != "" {
		return blockedOutcome(paper.ID, stage, reason), nil
	}
	if Exhausted(paper) {
		return s.failExhausted(ctx, paper, stage, "exceeded attempt limit")
	}

	text, err := s.svc.Storage.FetchBlob(ctx, *paper.TextRef)
	if err != nil {
		return domain.StageOutcome{}, fmt.Errorf("fetching text: %w", err)
	}
	citations, err := s.svc.Citations.Extract(ctx, string(text))
	if err != nil {
		return domain.StageOutcome{}, err
	}

	inserted, err := s.insertCitationPlaceholders(ctx, paper, citations)
	if err != nil {
		return domain.StageOutcome{}, err
	}
	if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateProcessed, &domain.PaperUpdate{
		Metadata: map[string]interface{}{"citation_count": inserted},
	}); err != nil {
		return domain.StageOutcome{}, err
	}
	return domain.Succeeded(paper.ID, stage, "citations created", map[string]interface{}{
		"count": inserted,
	}), nil
}

// ProcessPgxExtraction extracts PGX sample rows from the stored PDF. Every
// failure is terminal.
func (s *Steps) ProcessPgxExtraction(ctx context.Context, paper *domain.PaperRecord) (domain.StageOutcome, error) {
	return s.processPgx(ctx, paper, nil)
}

func (s *Steps) processPgx(ctx context.Context, paper *domain.PaperRecord, payload *pdfPayload) (domain.StageOutcome, error) {
	const stage = domain.StagePgxExtraction

	if Exhausted(paper) {
		return s.failExhausted(ctx, paper, stage, "exceeded attempt limit")
	}
	if paper.PdfRef == nil {
		if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateP1Failure,
			domain.WithReason("Paper missing source_uri")); err != nil {
			return domain.StageOutcome{}, err
		}
		return domain.Failed(paper.ID, stage, "paper missing source_uri", nil), nil
	}

	inserted, pageCount, err := s.extractPgx(ctx, paper, payload)
	if err != nil {
		if ctx.Err() != nil {
			return domain.StageOutcome{}, err
		}
		if _, uerr := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateP1Failure, domain.WithReason(err.Error())); uerr != nil {
			return domain.StageOutcome{}, uerr
		}
		return domain.Failed(paper.ID, stage, "pgx extraction failed", map[string]interface{}{
			"error":      err.Error(),
			"page_count": pageCountValue(pageCount),
		}), nil
	}
	if inserted == 0 {
		if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateP1Failure,
			domain.WithReason("No PGX samples extracted")); err != nil {
			return domain.StageOutcome{}, err
		}
		return domain.Failed(paper.ID, stage, "no pgx samples extracted", map[string]interface{}{
			"page_count": pageCountValue(pageCount),
			"hint":       pgxNoRowsHint,
		}), nil
	}

	if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, domain.PaperStateP1Success, &domain.PaperUpdate{
		ClearReason: true,
		Metadata:    map[string]interface{}{"pgx_extraction_count": inserted},
	}); err != nil {
		return domain.StageOutcome{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordPgxRows(inserted)
	}
	return domain.Succeeded(paper.ID, stage, "pgx extraction completed", map[string]interface{}{
		"count":      inserted,
		"page_count": pageCountValue(pageCount),
	}), nil
}

// extractPgx returns the number of rows inserted and the page count when it
// is known. Zero rows means the extractor found nothing.
func (s *Steps) extractPgx(ctx context.Context, paper *domain.PaperRecord, payload *pdfPayload) (int, *int, error) {
	var (
		data      []byte
		pageCount *int
	)
	if payload != nil {
		data, pageCount = payload.data, payload.pageCount
	}
	if data == nil {
		blob, err := s.svc.Storage.FetchBlob(ctx, *paper.PdfRef)
		if err != nil {
			return 0, pageCount, err
		}
		data = blob
	}
	if pageCount == nil {
		if n, ok := s.svc.Pgx.PageCount(data); ok {
			pageCount = &n
		}
	}

	rows, err := s.svc.Pgx.ExtractPDF(ctx, data)
	if err != nil || len(rows) == 0 {
		return 0, pageCount, err
	}
	inserted, err := s.svc.Repo.InsertPgxExtractions(ctx, paper.ID, rows, s.opts.pgxTable())
	return inserted, pageCount, err
}

func pageCountValue(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// failExhausted moves the record to the terminal state for its workflow.
func (s *Steps) failExhausted(ctx context.Context, paper *domain.PaperRecord, stage domain.StageName, message string) (domain.StageOutcome, error) {
	if _, err := s.svc.Repo.UpdateState(ctx, paper.ID, paper.State.ExhaustedState(),
		domain.WithReason(ExhaustedReason(stage))); err != nil {
		return domain.StageOutcome{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordExhausted(1)
	}
	return domain.Failed(paper.ID, stage, message, map[string]interface{}{
		"attempts": paper.Attempts,
	}), nil
}

func (s *Steps) insertLinkPlaceholders(ctx context.Context, paper *domain.PaperRecord, links []domain.LinkAnnotation) (int, error) {
	seen := make(map[string]struct{}, len(links))
	created := 0
	for _, link := range links {
		url := strings.TrimSpace(link.URL)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}

		ok, err := s.insertPlaceholder(ctx, paper, originLink, domain.TruncateTitle(domain.TitleURLPrefix+url), map[string]interface{}{
			"link": map[string]interface{}{"url": url, "text": link.Text, "page": link.Page},
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *Steps) insertCitationPlaceholders(ctx context.Context, paper *domain.PaperRecord, citations []domain.CitationRecord) (int, error) {
	seen := make(map[string]struct{}, len(citations))
	inserted := 0
	for _, c := range citations {
		title := domain.TruncateTitle(c.RawText)
		if title == "" {
			title = defaultCitationTitle
		}
		key := strings.ToLower(title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		ok, err := s.insertPlaceholder(ctx, paper, originCitation, title, map[string]interface{}{
			"citation": map[string]interface{}{"raw_text": c.RawText},
		})
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// insertPlaceholder creates a child of paper. Conflicts with existing rows and
// transient failures are skipped and reported as not created.
func (s *Steps) insertPlaceholder(ctx context.Context, paper *domain.PaperRecord, origin, title string, metadata map[string]interface{}) (bool, error) {
	_, err := s.svc.Repo.CreatePdfPlaceholder(ctx, placeholderParams(paper, title, metadata))
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.RecordPlaceholder(origin)
		}
		return true, nil
	case errors.Is(err, domain.ErrAlreadyExists):
		s.skipPlaceholder(paper, origin, "duplicate", title, err)
		return false, nil
	case errors.Is(err, domain.ErrTransient):
		s.skipPlaceholder(paper, origin, "transient", title, err)
		return false, nil
	default:
		return false, fmt.Errorf("creating %s placeholder: %w", origin, err)
	}
}

func (s *Steps) skipPlaceholder(paper *domain.PaperRecord, origin, reason, title string, err error) {
	if s.metrics != nil {
		s.metrics.RecordPlaceholderSkipped(origin, reason)
	}
	s.logger.Debug().
		Err(err).
		Str("paper_id", paper.ID).
		Str("origin", origin).
		Str("reason", reason).
		Str("title", title).
		Msg("placeholder skipped")
}

func placeholderParams(parent *domain.PaperRecord, title string, metadata map[string]interface{}) repository.PlaceholderParams {
	return repository.PlaceholderParams{
		Title:      title,
		ParentID:   parent.ID,
		Level:      parent.Level + 1,
		SeedNumber: parent.SeedNumber,
		Metadata:   metadata,
	}
}

func (s *Steps) recordDownload(result string) {
	if s.metrics != nil {
		s.metrics.RecordPdfDownload(result)
	}
}
