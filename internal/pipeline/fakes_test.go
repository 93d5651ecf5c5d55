package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/storage"
)

// pdfFixture is a stand-in PDF body. The fakes never parse it.
var pdfFixture = []byte("%PDF-1.4 fixture")

// mockFetcher implements PdfFetcher.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, paper *domain.PaperRecord) (*domain.PdfCandidate, error) {
	args := m.Called(ctx, paper.ID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PdfCandidate), args.Error(1)
}

// mockScorer implements Scorer.
type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) Score(ctx context.Context, text string, seed *int) (*domain.ScoreResult, error) {
	args := m.Called(ctx, text, seed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScoreResult), args.Error(1)
}

// fixedScorer always returns score.
type fixedScorer struct {
	score float64
}

func (f fixedScorer) Score(context.Context, string, *int) (*domain.ScoreResult, error) {
	return &domain.ScoreResult{Score: f.score, Reason: "fixture", ModelName: "fixture-model", DurationMS: 3}, nil
}

// panickingScorer panics on every call.
type panickingScorer struct{}

func (panickingScorer) Score(context.Context, string, *int) (*domain.ScoreResult, error) {
	panic("scorer exploded")
}

// fakeFetcher always finds the fixture PDF.
type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, paper *domain.PaperRecord) (*domain.PdfCandidate, error) {
	return &domain.PdfCandidate{
		Filename:  paper.ID + ".pdf",
		Content:   pdfFixture,
		SourceURL: "https://papers.example.org/" + paper.ID + ".pdf",
	}, nil
}

// fakeTextExtractor stores fixed text for the paper and reports links.
type fakeTextExtractor struct {
	store storage.Gateway
	text  string
	links []domain.LinkAnnotation
	err   error
}

func (f *fakeTextExtractor) Extract(ctx context.Context, paper *domain.PaperRecord) (*domain.TextExtractionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if text == "" {
		text = "Extracted body of " + paper.Title
	}
	ref, err := f.store.StoreText(ctx, paper.ID, text)
	if err != nil {
		return nil, err
	}
	return &domain.TextExtractionResult{TextRef: ref, Text: text, Links: f.links}, nil
}

// fakeCitations returns the same citations for every text.
type fakeCitations struct {
	citations []domain.CitationRecord
}

func (f fakeCitations) Extract(context.Context, string) ([]domain.CitationRecord, error) {
	return f.citations, nil
}

// fakePgx returns fixed rows and page count.
type fakePgx struct {
	rows  []domain.PgxExtractionRow
	pages int
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakePgx) ExtractPDF(context.Context, []byte) ([]domain.PgxExtractionRow, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.rows, f.err
}

func (f *fakePgx) PageCount([]byte) (int, bool) {
	if f.pages == 0 {
		return 0, false
	}
	return f.pages, true
}

type testEnv struct {
	repo  *repository.MemoryPaperRepository
	store *storage.MemoryGateway
	svc   Services
	opts  Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := repository.NewMemoryPaperRepository()
	store := storage.NewMemoryGateway("pdfs", "texts")
	return &testEnv{
		repo:  repo,
		store: store,
		svc: Services{
			Repo:      repo,
			Storage:   store,
			Fetcher:   fakeFetcher{},
			Text:      &fakeTextExtractor{store: store},
			Scorer:    fixedScorer{score: 9},
			Citations: fakeCitations{citations: []domain.CitationRecord{{RawText: "Smith et al. 2020. A study."}, {RawText: "Doe 2019. Another."}}},
			Pgx:       &fakePgx{rows: []domain.PgxExtractionRow{{SampleID: "S1", Gene: "CYP2D6", Allele: "*4"}}, pages: 4},
		},
		opts: Options{ScoreThreshold: 7},
	}
}

func (e *testEnv) processor() *Processor {
	return NewProcessor(e.svc, e.opts, nil, zerolog.Nop())
}

func (e *testEnv) runner(opts ...RunnerOption) *Runner {
	return NewRunner(e.processor(), zerolog.Nop(), opts...)
}

// putPaper stores a record at level 1 unless set otherwise.
func (e *testEnv) putPaper(t *testing.T, p domain.PaperRecord) *domain.PaperRecord {
	t.Helper()
	if p.Level == 0 {
		p.Level = 1
	}
	if p.Title == "" {
		p.Title = fmt.Sprintf("Paper %d", len(e.repo.All())+1)
	}
	return e.repo.Put(&p)
}

// putStoredPDF stores the fixture PDF and returns its reference.
func (e *testEnv) putStoredPDF(t *testing.T, paperID string) *domain.StorageRef {
	t.Helper()
	ref, err := e.store.StorePDF(context.Background(), paperID, "paper.pdf", pdfFixture)
	require.NoError(t, err)
	return &ref
}

// putStoredText stores text and returns its reference.
func (e *testEnv) putStoredText(t *testing.T, paperID, text string) *domain.StorageRef {
	t.Helper()
	ref, err := e.store.StoreText(context.Background(), paperID, text)
	require.NoError(t, err)
	return &ref
}

func (e *testEnv) get(t *testing.T, id string) *domain.PaperRecord {
	t.Helper()
	p, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}
