package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pdf"
)

func TestStageForState(t *testing.T) {
	tests := []struct {
		state domain.PaperState
		want  domain.StageName
	}{
		{domain.PaperStatePdfNotAvailable, domain.StagePdfAcquisition},
		{domain.PaperStatePdfAvailable, domain.StageTextExtraction},
		{domain.PaperStateTextAvailable, domain.StageScoring},
		{domain.PaperStateScored, domain.StageCitations},
		{domain.PaperStateP1, domain.StagePgxExtraction},
		{domain.PaperStateProcessed, ""},
		{domain.PaperStateP1WIP, ""},
		{domain.PaperStateFailed, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, StageForState(tt.state))
		})
	}

	state, ok := StateForStage(domain.StageScoring)
	require.True(t, ok)
	assert.Equal(t, domain.PaperStateTextAvailable, state)

	_, ok = StateForStage(domain.StageNoop)
	assert.False(t, ok)
}

func TestProcessor_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal state yields noop without a charge", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateProcessed})

		outcome := env.processor().Run(ctx, paper, "")

		assert.Equal(t, domain.StageNoop, outcome.Stage)
		assert.False(t, outcome.Success)
		assert.Equal(t, "No actionable stage for Processed", outcome.Message)
		assert.Zero(t, env.repo.CallCount("IncrementAttempts"))
	})

	t.Run("success transition resets attempts", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable, SeedNumber: domain.IntPtr(3)})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, domain.StageScoring)

		require.True(t, outcome.Success, outcome.Message)
		assert.Contains(t, outcome.Metadata, "duration_ms")
		assert.Equal(t, true, outcome.Metadata["eligible_for_citations"])

		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateScored, stored.State)
		assert.Zero(t, stored.Attempts)
		assert.Equal(t, "fixture-model", stored.ModelName)
		assert.Equal(t, 1, env.repo.CallCount("IncrementAttempts"))
	})

	t.Run("low score is a success that ends the lineage", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Scorer = fixedScorer{score: 2}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		assert.True(t, outcome.Success)
		assert.Equal(t, domain.PaperStateProcessedLowScore, env.get(t, paper.ID).State)
	})

	t.Run("soft failure keeps state and the charge", func(t *testing.T) {
		env := newTestEnv(t)
		fetcher := &mockFetcher{}
		fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, nil)
		env.svc.Fetcher = fetcher
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable})

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		assert.Equal(t, "pdf not found", outcome.Message)
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStatePdfNotAvailable, stored.State)
		assert.Equal(t, 1, stored.Attempts)
		fetcher.AssertExpectations(t)
	})

	t.Run("third attempt exhausts the record", func(t *testing.T) {
		env := newTestEnv(t)
		fetcher := &mockFetcher{}
		env.svc.Fetcher = fetcher
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable, Attempts: domain.MaxProcessingAttempts})

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		assert.Equal(t, "exceeded attempt limit", outcome.Message)
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateFailed, stored.State)
		assert.Equal(t, "exceeded PDF acquisition attempts", stored.Reason)
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	})

	t.Run("exhausted pgx record fails its own workflow", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateP1, Attempts: domain.MaxProcessingAttempts})

		env.processor().Run(ctx, paper, "")

		assert.Equal(t, domain.PaperStateP1Failure, env.get(t, paper.ID).State)
	})

	t.Run("citation block does not charge", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(3)})

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		assert.True(t, outcome.Blocked())
		assert.Equal(t, "paper below threshold", outcome.Message)
		assert.Zero(t, env.repo.CallCount("IncrementAttempts"))
		assert.Equal(t, domain.PaperStateScored, env.get(t, paper.ID).State)
	})

	t.Run("citation without text is blocked", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(9)})

		outcome := env.processor().Run(ctx, paper, "")

		assert.True(t, outcome.Blocked())
		assert.Equal(t, "paper missing text", outcome.Message)
	})

	t.Run("collaborator error becomes unexpected error", func(t *testing.T) {
		env := newTestEnv(t)
		scorer := &mockScorer{}
		scorer.On("Score", mock.Anything, "body", (*int)(nil)).Return(nil, errors.New("model offline"))
		env.svc.Scorer = scorer
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		assert.Equal(t, "unexpected error", outcome.Message)
		assert.Equal(t, "model offline", outcome.Metadata["error"])
		assert.NotContains(t, outcome.Metadata, "panic")
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateTextAvailable, stored.State)
		assert.Equal(t, 1, stored.Attempts)
		scorer.AssertExpectations(t)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Scorer = panickingScorer{}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		assert.Equal(t, "unexpected error", outcome.Message)
		assert.Equal(t, true, outcome.Metadata["panic"])
		assert.Equal(t, "scorer exploded", outcome.Metadata["error"])
		assert.Contains(t, outcome.Metadata, "duration_ms")
	})

	t.Run("missing collaborator is reported", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Citations = nil
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(9)})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		assert.Equal(t, "unexpected error", outcome.Message)
		assert.Contains(t, outcome.Metadata["error"], "citation extractor")
	})
}

func TestSteps_FetchPDF(t *testing.T) {
	ctx := context.Background()

	t.Run("stores pdf with hash", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable})

		outcome := env.processor().Run(ctx, paper, "")

		require.True(t, outcome.Success, outcome.Message)
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStatePdfAvailable, stored.State)
		require.NotNil(t, stored.PdfRef)
		assert.Equal(t, pdf.MD5Hex(pdfFixture), stored.PdfMD5)
		assert.Zero(t, stored.Attempts)
	})

	t.Run("blocked host fails without fetching", func(t *testing.T) {
		env := newTestEnv(t)
		fetcher := &mockFetcher{}
		env.svc.Fetcher = fetcher
		env.opts.BlockedHosts = pdf.NewHostDenylist([]string{"blocked.example.com"})
		paper := env.putPaper(t, domain.PaperRecord{
			Title: "url:https://blocked.example.com/paper.pdf",
			State: domain.PaperStatePdfNotAvailable,
		})

		outcome := env.processor().Run(ctx, paper, "")

		assert.Equal(t, "blocked source host", outcome.Message)
		assert.Equal(t, domain.PaperStateFailed, env.get(t, paper.ID).State)
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	})

	t.Run("default denylist blocks handle.net", func(t *testing.T) {
		env := newTestEnv(t)
		fetcher := &mockFetcher{}
		env.svc.Fetcher = fetcher
		env.opts.BlockedHosts = nil
		paper := env.putPaper(t, domain.PaperRecord{
			Title: "url:https://hdl.handle.net/x",
			State: domain.PaperStatePdfNotAvailable,
		})

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		assert.Equal(t, "blocked source host", outcome.Message)
		assert.Equal(t, domain.PaperStateFailed, env.get(t, paper.ID).State)
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	})

	t.Run("empty denylist blocks nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.opts.BlockedHosts = pdf.NewHostDenylist(nil)
		paper := env.putPaper(t, domain.PaperRecord{
			Title: "url:https://hdl.handle.net/x",
			State: domain.PaperStatePdfNotAvailable,
		})

		outcome := env.processor().Run(ctx, paper, "")

		require.True(t, outcome.Success, outcome.Message)
		assert.Equal(t, domain.PaperStatePdfAvailable, env.get(t, paper.ID).State)
	})

	t.Run("fetch error is a soft failure", func(t *testing.T) {
		env := newTestEnv(t)
		fetcher := &mockFetcher{}
		fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errors.New("search quota"))
		env.svc.Fetcher = fetcher
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable})

		outcome := env.processor().Run(ctx, paper, "")

		assert.Equal(t, "fetch error", outcome.Message)
		assert.Equal(t, domain.PaperStatePdfNotAvailable, env.get(t, paper.ID).State)
	})
}

func TestSteps_ScoreText(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		score    float64
		want     domain.PaperState
		eligible bool
	}{
		{name: "at threshold", score: 7, want: domain.PaperStateScored, eligible: true},
		{name: "just below threshold", score: 6.999, want: domain.PaperStateProcessedLowScore},
		{name: "zero", score: 0, want: domain.PaperStateProcessedLowScore},
		{name: "maximum", score: 10, want: domain.PaperStateScored, eligible: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.svc.Scorer = fixedScorer{score: tt.score}
			paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable})
			paper.TextRef = env.putStoredText(t, paper.ID, "body")
			env.repo.Put(paper)

			outcome := env.processor().Run(ctx, paper, domain.StageScoring)

			require.True(t, outcome.Success, outcome.Message)
			assert.Equal(t, tt.eligible, outcome.Metadata["eligible_for_citations"])

			stored := env.get(t, paper.ID)
			assert.Equal(t, tt.want, stored.State)
			require.NotNil(t, stored.Score)
			assert.Equal(t, tt.score, *stored.Score)
		})
	}
}

func TestSteps_ExtractText(t *testing.T) {
	ctx := context.Background()

	t.Run("creates one child per distinct link", func(t *testing.T) {
		env := newTestEnv(t)
		env.opts.StoreLinks = true
		env.svc.Text = &fakeTextExtractor{store: env.store, links: []domain.LinkAnnotation{
			{URL: "https://a.example.org/1.pdf", Page: 1},
			{URL: "https://b.example.org/2.pdf", Page: 2},
			{URL: " https://a.example.org/1.pdf ", Page: 3},
		}}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable, Level: 2, SeedNumber: domain.IntPtr(5)})

		outcome := env.processor().Run(ctx, paper, "")

		require.True(t, outcome.Success, outcome.Message)
		assert.Equal(t, 2, outcome.Metadata["links"])
		assert.Equal(t, domain.PaperStateTextAvailable, env.get(t, paper.ID).State)

		children, err := env.repo.FetchByState(ctx, domain.PaperStatePdfNotAvailable, 10)
		require.NoError(t, err)
		require.Len(t, children, 2)
		for _, child := range children {
			assert.Equal(t, 3, child.Level)
			assert.Equal(t, paper.ID, child.ParentID)
			require.NotNil(t, child.SeedNumber)
			assert.Equal(t, 5, *child.SeedNumber)
			assert.NotEmpty(t, child.LinkURL())
		}
	})

	t.Run("links ignored when disabled", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Text = &fakeTextExtractor{store: env.store, links: []domain.LinkAnnotation{{URL: "https://a.example.org/1.pdf"}}}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable})

		env.processor().Run(ctx, paper, "")

		assert.Zero(t, env.repo.CallCount("CreatePdfPlaceholder"))
	})

	t.Run("unreadable pdf fails the record", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Text = &fakeTextExtractor{store: env.store, err: domain.NewExtractionError("No text could be extracted from PDF", nil)}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable})

		outcome := env.processor().Run(ctx, paper, "")

		assert.False(t, outcome.Success)
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateFailed, stored.State)
		assert.Contains(t, stored.Reason, "No text could be extracted")
	})
}

func TestSteps_ExtractCitations(t *testing.T) {
	ctx := context.Background()

	t.Run("creates deduplicated children and completes", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Citations = fakeCitations{citations: []domain.CitationRecord{
			{RawText: "Smith 2020. Genes."},
			{RawText: "smith 2020. genes."},
			{RawText: "   "},
			{RawText: "Doe 2018. Drugs."},
		}}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(8), SeedNumber: domain.IntPtr(1)})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		require.True(t, outcome.Success, outcome.Message)
		assert.Equal(t, 3, outcome.Metadata["count"])
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateProcessed, stored.State)
		assert.Equal(t, 3, stored.Metadata["citation_count"])

		children, err := env.repo.FetchByStateAtLevel(ctx, domain.PaperStatePdfNotAvailable, 2, 10, domain.IntPtr(1))
		require.NoError(t, err)
		titles := make([]string, 0, len(children))
		for _, c := range children {
			titles = append(titles, c.Title)
		}
		assert.ElementsMatch(t, []string{"Smith 2020. Genes.", "Citation", "Doe 2018. Drugs."}, titles)
	})

	t.Run("duplicate and transient inserts are skipped", func(t *testing.T) {
		env := newTestEnv(t)
		env.putPaper(t, domain.PaperRecord{Title: "Known 2001. Old.", State: domain.PaperStateProcessed})
		env.repo.PlaceholderErr = func(title string) error {
			if title == "Flaky 2002. Net." {
				return domain.NewTransientError("insert", errors.New("connection reset"))
			}
			return nil
		}
		env.svc.Citations = fakeCitations{citations: []domain.CitationRecord{
			{RawText: "Known 2001. Old."},
			{RawText: "Flaky 2002. Net."},
			{RawText: "Fresh 2003. New."},
		}}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(8)})
		paper.TextRef = env.putStoredText(t, paper.ID, "body")
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, "")

		require.True(t, outcome.Success, outcome.Message)
		assert.Equal(t, 1, outcome.Metadata["count"])
		assert.Equal(t, domain.PaperStateProcessed, env.get(t, paper.ID).State)
	})
}

func TestSteps_ProcessPgxExtraction(t *testing.T) {
	ctx := context.Background()

	t.Run("stores rows", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateP1WIP})
		paper.PdfRef = env.putStoredPDF(t, paper.ID)
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, domain.StagePgxExtraction)

		require.True(t, outcome.Success, outcome.Message)
		assert.Equal(t, 4, outcome.Metadata["page_count"])
		assert.Equal(t, domain.PaperStateP1Success, env.get(t, paper.ID).State)
		assert.Len(t, env.repo.PgxRows(paper.ID), 1)
	})

	t.Run("no rows fails with hint", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Pgx = &fakePgx{}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateP1WIP})
		paper.PdfRef = env.putStoredPDF(t, paper.ID)
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, domain.StagePgxExtraction)

		assert.False(t, outcome.Success)
		assert.Contains(t, outcome.Metadata, "hint")
		assert.Nil(t, outcome.Metadata["page_count"])
		assert.Equal(t, domain.PaperStateP1Failure, env.get(t, paper.ID).State)
	})

	t.Run("missing pdf fails", func(t *testing.T) {
		env := newTestEnv(t)
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateP1WIP})

		outcome := env.processor().Run(ctx, paper, domain.StagePgxExtraction)

		assert.Equal(t, "paper missing source_uri", outcome.Message)
		assert.Equal(t, domain.PaperStateP1Failure, env.get(t, paper.ID).State)
	})

	t.Run("extractor error is terminal", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Pgx = &fakePgx{err: errors.New("llm refused"), pages: 2}
		paper := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateP1WIP})
		paper.PdfRef = env.putStoredPDF(t, paper.ID)
		env.repo.Put(paper)

		outcome := env.processor().Run(ctx, paper, domain.StagePgxExtraction)

		assert.Equal(t, "pgx extraction failed", outcome.Message)
		stored := env.get(t, paper.ID)
		assert.Equal(t, domain.PaperStateP1Failure, stored.State)
		assert.Equal(t, "llm refused", stored.Reason)
	})
}
