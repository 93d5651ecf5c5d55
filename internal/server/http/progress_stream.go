package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/pipeline"
)

// harnessRequest is the JSON body of POST /runs/harness.
type harnessRequest struct {
	Stage    string `json:"stage" validate:"required,oneof=pdf_acquisition text_extraction scoring citations"`
	Level    int    `json:"level" validate:"required,min=1"`
	MaxSteps int    `json:"max_steps" validate:"required,min=1,max=500"`
	Workers  int    `json:"workers" validate:"min=0,max=32"`
}

// sseEvent represents an event sent via SSE.
type sseEvent struct {
	EventType string                  `json:"event_type"`
	Stage     string                  `json:"stage"`
	PaperID   string                  `json:"paper_id,omitempty"`
	Title     string                  `json:"title,omitempty"`
	Outcome   *outcomeResponse        `json:"outcome,omitempty"`
	Summary   *harnessSummaryResponse `json:"summary,omitempty"`
	Message   string                  `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
}

// streamHarness handles POST /runs/harness (SSE).
// It runs a targeted stage batch and streams a progress event before and an
// outcome event after every record, then a completed or error event.
func (s *Server) streamHarness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Harness == nil {
		writeError(w, http.StatusServiceUnavailable, "harness is not configured")
		return
	}

	var req harnessRequest
	if !s.decodeJSON(w, r, &req) || !s.validateRequest(w, req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Progress callbacks may arrive from worker goroutines.
	var mu sync.Mutex
	send := func(event sseEvent) {
		event.Stage = req.Stage
		event.Timestamp = time.Now()
		mu.Lock()
		defer mu.Unlock()
		sendSSEEvent(w, flusher, event)
	}

	send(sseEvent{EventType: "stream_started", Message: "harness run started"})

	start := time.Now()
	outcomes, err := s.deps.Harness.Run(r.Context(), pipeline.HarnessParams{
		Stage:    domain.StageName(req.Stage),
		Level:    req.Level,
		MaxSteps: req.MaxSteps,
		Workers:  req.Workers,
		Callbacks: pipeline.Callbacks{
			OnProgress: func(_ domain.StageName, paper *domain.PaperRecord) {
				send(sseEvent{EventType: "progress", PaperID: paper.ID, Title: paper.Title, Message: "processing"})
			},
			OnComplete: func(_ domain.StageName, paper *domain.PaperRecord, outcome domain.StageOutcome) {
				resp := domainOutcomeToResponse(outcome)
				send(sseEvent{EventType: "outcome", PaperID: paper.ID, Outcome: &resp, Message: outcome.Message})
			},
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("stage", req.Stage).Msg("harness run failed")
		send(sseEvent{EventType: "error", Message: "harness run failed"})
		return
	}

	send(sseEvent{
		EventType: "completed",
		Summary: &harnessSummaryResponse{
			Stage:    req.Stage,
			Level:    req.Level,
			Tally:    pipeline.Summarize(outcomes),
			Duration: time.Since(start).String(),
		},
		Message: fmt.Sprintf("processed %d records", len(outcomes)),
	})
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event sseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	flusher.Flush()
}
