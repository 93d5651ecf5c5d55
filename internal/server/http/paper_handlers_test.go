package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pdf"
)

func TestFindPapers(t *testing.T) {
	ts := newTestServer(t)
	digest := pdf.MD5Hex(pdfBody)
	ts.repo.Put(&domain.PaperRecord{ID: "m-1", Title: "Hashed", State: domain.PaperStatePdfAvailable, Level: 1, PdfMD5: digest})
	ts.repo.Put(&domain.PaperRecord{ID: "m-2", Title: "Other", State: domain.PaperStatePdfAvailable, Level: 1, PdfMD5: strings.Repeat("0", 32)})

	t.Run("matches by digest case-insensitively", func(t *testing.T) {
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/papers?pdf_md5="+strings.ToUpper(digest), nil))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp listPapersResponse
		decodeBody(t, rr, &resp)
		require.Equal(t, 1, resp.TotalCount)
		assert.Equal(t, "m-1", resp.Papers[0].ID)
	})

	for _, bad := range []string{"", "abc", strings.Repeat("z", 32)} {
		t.Run("rejects "+bad, func(t *testing.T) {
			rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/papers?pdf_md5="+bad, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestGetPaper(t *testing.T) {
	ts := newTestServer(t)
	ref := domain.NewStorageRef("pdfs", "g-1/paper.pdf")
	ts.repo.Put(&domain.PaperRecord{ID: "g-1", Title: "Stored", State: domain.PaperStatePdfAvailable, Level: 3, PdfRef: &ref})

	rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/papers/g-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp paperResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "Stored", resp.Title)
	assert.Equal(t, 3, resp.Level)
	assert.Equal(t, ref.URI, resp.PdfURI)
	assert.Empty(t, resp.TextURI)

	rr = ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/papers/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t)
	seed := 2
	ts.repo.Put(&domain.PaperRecord{ID: "d-1", Title: "One", State: domain.PaperStatePdfNotAvailable, Level: 1, SeedNumber: &seed})
	ts.repo.Put(&domain.PaperRecord{ID: "d-2", Title: "Two", State: domain.PaperStatePdfNotAvailable, Level: 1})
	ts.repo.Put(&domain.PaperRecord{ID: "d-3", Title: "Three", State: domain.PaperStateScored, Level: 2, SeedNumber: &seed})
	ts.repo.Put(&domain.PaperRecord{ID: "d-4", Title: "Four", State: domain.PaperStateP1, Level: 1})

	t.Run("recent lists dashboard states in order", func(t *testing.T) {
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/recent?limit=1", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp listPapersResponse
		decodeBody(t, rr, &resp)
		require.Len(t, resp.Papers, 2)
		assert.Equal(t, string(domain.PaperStatePdfNotAvailable), resp.Papers[0].State)
		assert.Equal(t, "d-3", resp.Papers[1].ID)
	})

	t.Run("recent rejects a bad limit", func(t *testing.T) {
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/recent?limit=0", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("level counts filtered by seed", func(t *testing.T) {
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/levels?seed_number=2", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp levelCountsResponse
		decodeBody(t, rr, &resp)
		require.Len(t, resp.Counts, 2)
		assert.Equal(t, 1, resp.Counts[0].Level)
		assert.Equal(t, domain.PaperStatePdfNotAvailable, resp.Counts[0].State)
		assert.Equal(t, int64(1), resp.Counts[0].Count)
		assert.Equal(t, 2, resp.Counts[1].Level)
	})

	t.Run("seed counts", func(t *testing.T) {
		rr := ts.serve(httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/seeds", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp seedCountsResponse
		decodeBody(t, rr, &resp)
		var total int64
		for _, c := range resp.Counts {
			total += c.Count
		}
		assert.Equal(t, int64(4), total)
	})
}
