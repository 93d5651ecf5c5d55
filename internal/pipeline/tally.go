package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
)

// Tally counts outcomes of a batch. It is not safe for concurrent use; the
// runners feed it from the single goroutine that collects outcomes.
type Tally struct {
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Blocked    int            `json:"blocked"`
	Unexpected int            `json:"unexpected"`
	Messages   map[string]int `json:"messages"`
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{Messages: make(map[string]int)}
}

// Summarize tallies outcomes.
func Summarize(outcomes []domain.StageOutcome) *Tally {
	t := NewTally()
	for _, o := range outcomes {
		t.Add(o)
	}
	return t
}

// Add counts one outcome.
func (t *Tally) Add(o domain.StageOutcome) {
	t.Total++
	t.Messages[o.Message]++
	switch resultLabel(o) {
	case observability.ResultSuccess:
		t.Succeeded++
	case observability.ResultBlocked:
		t.Blocked++
	case observability.ResultUnexpected:
		t.Unexpected++
		t.Failed++
	default:
		t.Failed++
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (t *Tally) MarshalZerologObject(e *zerolog.Event) {
	e.Int("total", t.Total).
		Int("succeeded", t.Succeeded).
		Int("failed", t.Failed).
		Int("blocked", t.Blocked).
		Int("unexpected", t.Unexpected)
}
