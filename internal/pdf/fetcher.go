package pdf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// Searcher returns candidate PDF links for a free text query.
type Searcher interface {
	SearchPDFLinks(ctx context.Context, query string) ([]string, error)
}

// Fetcher locates a PDF for a paper. Direct URLs known for the paper are
// tried first, then search results for its citation title.
type Fetcher struct {
	downloader *Downloader
	searcher   Searcher
	denylist   HostDenylist
	logger     zerolog.Logger
}

// NewFetcher creates a fetcher. searcher may be nil to disable search.
func NewFetcher(downloader *Downloader, searcher Searcher, denylist HostDenylist, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		downloader: downloader,
		searcher:   searcher,
		denylist:   denylist,
		logger:     logger.With().Str("component", "pdf_fetcher").Logger(),
	}
}

// Fetch returns the first downloadable PDF, or nil when none was found. An
// error is returned only when search failed and no direct URL succeeded.
func (f *Fetcher) Fetch(ctx context.Context, paper *domain.PaperRecord) (*domain.PdfCandidate, error) {
	logger := f.logger.With().Str("paper_id", paper.ID).Logger()

	if candidate := f.tryAll(ctx, logger, paper, paper.SourceURLs()); candidate != nil {
		return candidate, nil
	}
	if f.searcher == nil {
		return nil, nil
	}

	query := paper.CitationTitle()
	if url := paper.TitleURL(); url != "" && query == paper.Title {
		query = url
	}
	links, err := f.searcher.SearchPDFLinks(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("searching for pdf: %w", err)
	}
	return f.tryAll(ctx, logger, paper, links), nil
}

func (f *Fetcher) tryAll(ctx context.Context, logger zerolog.Logger, paper *domain.PaperRecord, urls []string) *domain.PdfCandidate {
	for _, link := range urls {
		if ctx.Err() != nil {
			return nil
		}
		if f.denylist.Blocked(link) {
			logger.Debug().Str("url", link).Msg("skipping blocked host")
			continue
		}

		result, err := f.downloader.Download(ctx, link)
		if err != nil {
			event := logger.Debug()
			if !errors.Is(err, ErrNotPDF) && !errors.Is(err, ErrDownloadFailed) {
				event = logger.Warn()
			}
			event.Err(err).Str("url", link).Msg("download rejected")
			continue
		}

		return &domain.PdfCandidate{
			Filename:  SanitizeFilename(paper.CitationTitle()) + ".pdf",
			Content:   result.Content,
			SourceURL: link,
		}
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// maxFilenameLength keeps object keys well below S3's 1024 byte limit.
const maxFilenameLength = 120

// SanitizeFilename lowercases title and replaces everything outside
// [a-z0-9_-] with dashes. An empty result becomes "paper".
func SanitizeFilename(title string) string {
	safe := unsafeFilenameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	if len(safe) > maxFilenameLength {
		safe = safe[:maxFilenameLength]
	}
	safe = strings.Trim(safe, "-")
	if safe == "" {
		return "paper"
	}
	return safe
}
