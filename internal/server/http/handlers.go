package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/events"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pipeline"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MB limit for JSON bodies
	multipartMemory    = 8 << 20
	runSourceAPI       = "api"
)

// RunHandler starts pipeline runs.
type RunHandler interface {
	Handle(ctx context.Context, source string, trigger events.Trigger) error
}

// seedForm holds the non-file fields of a seed upload.
type seedForm struct {
	Title      string `json:"title" validate:"required,max=1000"`
	Level      int    `json:"level" validate:"min=0"`
	ParentID   string `json:"parent_id" validate:"omitempty,max=64"`
	SeedNumber *int   `json:"seed_number" validate:"omitempty,min=0"`
}

// runRequest is the JSON body of POST /runs.
type runRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=cycle stage pgx sweep"`
	Stage      string `json:"stage" validate:"omitempty,oneof=pdf_acquisition text_extraction scoring citations"`
	Level      *int   `json:"level" validate:"omitempty,min=1"`
	SeedNumber *int   `json:"seed_number" validate:"omitempty,min=0"`
	BatchSize  int    `json:"batch_size" validate:"min=0,max=1000"`
	Workers    int    `json:"workers" validate:"min=0,max=64"`
	Requery    bool   `json:"requery"`
}

// backfillRequest is the JSON body of POST /maintenance/pdf-hashes.
type backfillRequest struct {
	Limit       int  `json:"limit" validate:"required,min=1,max=10000"`
	SeedNumber  *int `json:"seed_number" validate:"omitempty,min=0"`
	MissingOnly bool `json:"missing_only"`
	Workers     int  `json:"workers" validate:"min=0,max=32"`
}

// newValidator reports JSON field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// uploadSeed handles POST /seeds.
// It stores an uploaded PDF and creates a PdfAvailable record for it.
func (s *Server) uploadSeed(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	form := seedForm{
		Title:    strings.TrimSpace(r.FormValue("title")),
		ParentID: strings.TrimSpace(r.FormValue("parent_id")),
	}
	if form.Title == "" {
		form.Title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	if form.Level, err = optionalInt(r.FormValue("level")); err != nil {
		writeError(w, http.StatusBadRequest, "level must be an integer")
		return
	}
	if v := r.FormValue("seed_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed_number must be an integer")
			return
		}
		form.SeedNumber = &n
	}
	if !s.validateRequest(w, form) {
		return
	}

	record, err := pipeline.UploadSeed(r.Context(), s.deps.Repo, s.deps.Storage, pipeline.SeedUpload{
		Title:      form.Title,
		Filename:   header.Filename,
		Data:       data,
		Level:      form.Level,
		ParentID:   form.ParentID,
		SeedNumber: form.SeedNumber,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domainPaperToResponse(record))
}

// processPaper handles POST /papers/{paperID}/process.
// It advances one paper through its pending stages and returns the run log.
func (s *Server) processPaper(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processing is not configured")
		return
	}
	paperID := chi.URLParam(r, "paperID")

	result, err := s.deps.Processor.ProcessSingle(r.Context(), paperID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// startRun handles POST /runs.
// It validates the trigger and starts the run in the background.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are not configured")
		return
	}

	var req runRequest
	if !s.decodeJSON(w, r, &req) || !s.validateRequest(w, req) {
		return
	}
	trigger := events.Trigger{
		Kind:       events.TriggerKind(req.Kind),
		Stage:      domain.StageName(req.Stage),
		Level:      req.Level,
		SeedNumber: req.SeedNumber,
		BatchSize:  req.BatchSize,
		Workers:    req.Workers,
		Requery:    req.Requery,
	}
	if err := trigger.Validate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	requestID := observability.RequestIDFromContext(r.Context())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		ctx := observability.WithRequestID(s.baseCtx, requestID)
		if err := s.deps.Runs.Handle(ctx, runSourceAPI, trigger); err != nil {
			s.logger.Error().Err(err).
				Str("request_id", requestID).
				Str("kind", req.Kind).
				Msg("api run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, runAcceptedResponse{
		Kind:    req.Kind,
		Stage:   req.Stage,
		Status:  "accepted",
		Message: "run started",
	})
}

// backfillHashes handles POST /maintenance/pdf-hashes.
// It recomputes PDF hashes from storage and returns the counts.
func (s *Server) backfillHashes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfiller == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill is not configured")
		return
	}

	var req backfillRequest
	if !s.decodeJSON(w, r, &req) || !s.validateRequest(w, req) {
		return
	}

	report, err := s.deps.Backfiller.BackfillPDFHashes(r.Context(), pipeline.BackfillParams{
		Limit:       req.Limit,
		SeedNumber:  req.SeedNumber,
		MissingOnly: req.MissingOnly,
		Workers:     req.Workers,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decodeJSON reads a size-limited JSON body into dst, writing a 400 response
// on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

// validateRequest runs struct validation, writing a 400 response listing the
// failed fields.
func (s *Server) validateRequest(w http.ResponseWriter, req interface{}) bool {
	err := s.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
		}
	}
	writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
	return false
}

// writeDomainError maps domain errors to HTTP status codes and writes a JSON
// error response. Internal error details are logged, not returned.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrClaimConflict):
		writeError(w, http.StatusConflict, "record is being processed")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, domain.ErrStorage):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage failure")
		writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// optionalInt parses v, treating an empty string as zero.
func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
