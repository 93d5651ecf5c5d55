package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/crawler-extractor/internal/pipeline"
)

const (
	defaultRecentLimit = 5
	maxRecentLimit     = 100
)

// findPapers handles GET /papers?pdf_md5=.
// It returns every record whose stored PDF has the given hash.
func (s *Server) findPapers(w http.ResponseWriter, r *http.Request) {
	md5 := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("pdf_md5")))
	if err := s.validate.Var(md5, "required,hexadecimal,len=32"); err != nil {
		writeError(w, http.StatusBadRequest, "pdf_md5 must be a 32 character hex digest")
		return
	}

	papers, err := s.deps.Repo.FetchByPdfMD5(r.Context(), md5)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPapersToList(papers))
}

// getPaper handles GET /papers/{paperID}.
func (s *Server) getPaper(w http.ResponseWriter, r *http.Request) {
	paper, err := s.deps.Repo.GetByID(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPaperToResponse(paper))
}

// recentPapers handles GET /dashboard/recent.
// It lists the most recently updated papers of each dashboard state.
func (s *Server) recentPapers(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxRecentLimit)
	}

	papers, err := pipeline.RecentPapers(r.Context(), s.deps.Repo, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainPapersToList(papers))
}

// levelCounts handles GET /dashboard/levels.
// An optional seed_number narrows the counts to one seed.
func (s *Server) levelCounts(w http.ResponseWriter, r *http.Request) {
	var seed *int
	if v := r.URL.Query().Get("seed_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed_number must be an integer")
			return
		}
		seed = &n
	}

	counts, err := s.deps.Repo.LevelStatusCounts(r.Context(), seed)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, levelCountsResponse{Counts: counts})
}

// seedCounts handles GET /dashboard/seeds.
func (s *Server) seedCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Repo.SeedStatusCounts(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seedCountsResponse{Counts: counts})
}
