package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/database"
	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/events"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/pipeline"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/storage"
)

var pdfBody = []byte("%PDF-1.4 seed body")

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// stubFetcher finds a PDF for every paper.
type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, paper *domain.PaperRecord) (*domain.PdfCandidate, error) {
	return &domain.PdfCandidate{
		Filename:  paper.ID + ".pdf",
		Content:   pdfBody,
		SourceURL: "https://papers.example.org/" + paper.ID + ".pdf",
	}, nil
}

type runCall struct {
	source  string
	trigger events.Trigger
}

// fakeRuns records every run it is asked to start.
type fakeRuns struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

func (f *fakeRuns) Handle(_ context.Context, source string, trigger events.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{source: source, trigger: trigger})
	return f.err
}

type fakeHealth struct {
	status database.HealthStatus
}

func (f fakeHealth) Health(context.Context) database.HealthStatus {
	return f.status
}

type testServer struct {
	srv   *Server
	repo  *repository.MemoryPaperRepository
	store *storage.MemoryGateway
	runs  *fakeRuns
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := repository.NewMemoryPaperRepository()
	store := storage.NewMemoryGateway("pdfs", "texts")
	svc := pipeline.Services{Repo: repo, Storage: store, Fetcher: stubFetcher{}}
	proc := pipeline.NewProcessor(svc, pipeline.Options{ScoreThreshold: 7}, nil, zerolog.Nop())
	runner := pipeline.NewRunner(proc, zerolog.Nop())
	runs := &fakeRuns{}

	srv := NewServer(Config{MaxUploadBytes: 64 << 10}, Deps{
		Repo:       repo,
		Storage:    store,
		Processor:  proc,
		Harness:    pipeline.NewHarness(runner),
		Runs:       runs,
		Backfiller: pipeline.NewBackfiller(repo, store, nil, zerolog.Nop()),
		Health:     fakeHealth{status: database.HealthStatus{Status: "healthy"}},
		Metrics:    promhttp.Handler(),
	}, zerolog.Nop())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, repo: repo, store: store, runs: runs}
}

func (ts *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) postJSON(path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return ts.serve(req)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func multipartSeed(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/seeds", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ---------------------------------------------------------------------------
// Seeds
// ---------------------------------------------------------------------------

func TestUploadSeed(t *testing.T) {
	t.Run("creates a PdfAvailable record", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, map[string]string{
			"title":       "Warfarin dosing in adults",
			"level":       "2",
			"seed_number": "7",
		}, "warfarin.pdf", pdfBody))

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		var resp paperResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, "Warfarin dosing in adults", resp.Title)
		assert.Equal(t, string(domain.PaperStatePdfAvailable), resp.State)
		assert.Equal(t, 2, resp.Level)
		require.NotNil(t, resp.SeedNumber)
		assert.Equal(t, 7, *resp.SeedNumber)
		assert.Equal(t, pdf.MD5Hex(pdfBody), resp.PdfMD5)
		assert.Equal(t, 1, ts.store.Len())
	})

	t.Run("title defaults to the file name", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, nil, "clopidogrel-review.pdf", pdfBody))

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		var resp paperResponse
		decodeBody(t, rr, &resp)
		assert.Equal(t, "clopidogrel-review", resp.Title)
		assert.Equal(t, 1, resp.Level)
	})

	t.Run("missing file", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, map[string]string{"title": "No file"}, "", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "file is required")
	})

	t.Run("empty file", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, map[string]string{"title": "Empty"}, "empty.pdf", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "pdf content is empty")
	})

	t.Run("non-numeric level", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, map[string]string{"level": "two"}, "a.pdf", pdfBody))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("negative level fails validation", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(multipartSeed(t, map[string]string{"level": "-1"}, "a.pdf", pdfBody))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "level: failed min=0")
	})

	t.Run("oversized upload", func(t *testing.T) {
		ts := newTestServer(t)
		big := bytes.Repeat([]byte("x"), 128<<10)
		rr := ts.serve(multipartSeed(t, map[string]string{"title": "Big"}, "big.pdf", big))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Equal(t, 0, ts.store.Len())
	})

	t.Run("duplicate title conflicts", func(t *testing.T) {
		ts := newTestServer(t)
		ts.repo.Put(&domain.PaperRecord{ID: "existing", Title: "Same title", State: domain.PaperStateScored, Level: 1})
		rr := ts.serve(multipartSeed(t, map[string]string{"title": "Same title"}, "a.pdf", pdfBody))
		assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	})
}

// ---------------------------------------------------------------------------
// Single paper processing
// ---------------------------------------------------------------------------

func TestProcessPaper(t *testing.T) {
	t.Run("runs pending stages until one fails", func(t *testing.T) {
		ts := newTestServer(t)
		ts.repo.Put(&domain.PaperRecord{ID: "p-1", Title: "Pending", State: domain.PaperStatePdfNotAvailable, Level: 1})

		rr := ts.postJSON("/api/v1/papers/p-1/process", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var result pipeline.SingleResult
		decodeBody(t, rr, &result)
		assert.Equal(t, domain.PaperStatePdfNotAvailable, result.StartedState)
		assert.Equal(t, domain.PaperStatePdfAvailable, result.FinishedState)
		assert.Equal(t, []domain.StageName{domain.StagePdfAcquisition, domain.StageTextExtraction}, result.StagesRun)
		assert.False(t, result.Success)
	})

	t.Run("terminal paper reports a noop", func(t *testing.T) {
		ts := newTestServer(t)
		ts.repo.Put(&domain.PaperRecord{ID: "done", Title: "Done", State: domain.PaperStateProcessed, Level: 1})

		rr := ts.postJSON("/api/v1/papers/done/process", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var result pipeline.SingleResult
		decodeBody(t, rr, &result)
		assert.Empty(t, result.StagesRun)
		require.Len(t, result.Logs, 1)
		assert.Equal(t, "Paper is not in a processable state", result.Logs[0].Message)
	})

	t.Run("unknown paper", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.postJSON("/api/v1/papers/missing/process", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestStartRun(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{"cycle", map[string]interface{}{"kind": "cycle", "batch_size": 20}, http.StatusAccepted, ""},
		{"stage", map[string]interface{}{"kind": "stage", "stage": "scoring", "level": 2, "requery": true}, http.StatusAccepted, ""},
		{"missing kind", map[string]interface{}{}, http.StatusBadRequest, "kind: failed required"},
		{"unknown kind", map[string]interface{}{"kind": "reindex"}, http.StatusBadRequest, "kind: failed oneof"},
		{"stage without name", map[string]interface{}{"kind": "stage"}, http.StatusBadRequest, "unsupported stage"},
		{"pgx is not a stage", map[string]interface{}{"kind": "stage", "stage": "pgx_extraction"}, http.StatusBadRequest, "stage: failed oneof"},
		{"level below one", map[string]interface{}{"kind": "cycle", "level": 0}, http.StatusBadRequest, "level: failed min=1"},
		{"too many workers", map[string]interface{}{"kind": "pgx", "workers": 100}, http.StatusBadRequest, "workers: failed max=64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.postJSON("/api/v1/runs", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantError != "" {
				assert.Contains(t, rr.Body.String(), tt.wantError)
			}
		})
	}

	t.Run("hands the trigger to the run handler", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.postJSON("/api/v1/runs", map[string]interface{}{
			"kind": "stage", "stage": "citations", "level": 3, "seed_number": 1, "workers": 4,
		})
		require.Equal(t, http.StatusAccepted, rr.Code)
		ts.srv.runs.Wait()

		require.Len(t, ts.runs.calls, 1)
		call := ts.runs.calls[0]
		assert.Equal(t, "api", call.source)
		assert.Equal(t, events.TriggerStage, call.trigger.Kind)
		assert.Equal(t, domain.StageCitations, call.trigger.Stage)
		assert.Equal(t, 3, *call.trigger.Level)
		assert.Equal(t, 1, *call.trigger.SeedNumber)
		assert.Equal(t, 4, call.trigger.Workers)
	})

	t.Run("run failures do not affect the response", func(t *testing.T) {
		ts := newTestServer(t)
		ts.runs.err = errors.New("lock unavailable")
		rr := ts.postJSON("/api/v1/runs", map[string]interface{}{"kind": "sweep"})
		assert.Equal(t, http.StatusAccepted, rr.Code)
		ts.srv.runs.Wait()
	})

	t.Run("not configured", func(t *testing.T) {
		srv := NewServer(Config{}, Deps{Repo: repository.NewMemoryPaperRepository()}, zerolog.Nop())
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"kind":"cycle"}`)))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"kind":`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid JSON")
	})
}

// ---------------------------------------------------------------------------
// Hash backfill
// ---------------------------------------------------------------------------

func TestBackfillHashes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for i := range 3 {
		id := fmt.Sprintf("b-%d", i)
		ref, err := ts.store.StorePDF(ctx, id, id+".pdf", pdfBody)
		require.NoError(t, err)
		ts.repo.Put(&domain.PaperRecord{ID: id, Title: id, State: domain.PaperStatePdfAvailable, Level: 1, PdfRef: &ref})
	}

	rr := ts.postJSON("/api/v1/maintenance/pdf-hashes", map[string]interface{}{"limit": 10, "missing_only": true, "workers": 2})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report pipeline.BackfillReport
	decodeBody(t, rr, &report)
	assert.Equal(t, 3, report.Updated)
	assert.Zero(t, report.Errors)

	found, err := ts.repo.FetchByPdfMD5(ctx, pdf.MD5Hex(pdfBody))
	require.NoError(t, err)
	assert.Len(t, found, 3)

	t.Run("limit is required", func(t *testing.T) {
		rr := ts.postJSON("/api/v1/maintenance/pdf-hashes", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "limit: failed required")
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t)
		for _, path := range []string{"/healthz", "/readyz"} {
			rr := ts.serve(httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rr.Code, path)
		}
	})

	t.Run("database down", func(t *testing.T) {
		srv := NewServer(Config{}, Deps{
			Repo:   repository.NewMemoryPaperRepository(),
			Health: fakeHealth{status: database.HealthStatus{Status: "unhealthy", Error: "connection refused"}},
		}, zerolog.Nop())
		for _, path := range []string{"/healthz", "/readyz"} {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
			assert.Contains(t, rr.Body.String(), "connection refused")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "go_goroutines")
	})
}
