package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    PaperState
		expected bool
	}{
		{PaperStatePdfNotAvailable, false},
		{PaperStatePdfAvailable, false},
		{PaperStateTextAvailable, false},
		{PaperStateScored, false},
		{PaperStateProcessed, true},
		{PaperStateProcessedLowScore, true},
		{PaperStateFailed, true},
		{PaperStateP1, false},
		{PaperStateP1WIP, false},
		{PaperStateP1Success, true},
		{PaperStateP1Failure, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.IsTerminal())
			assert.True(t, tt.state.IsValid())
		})
	}

	assert.False(t, PaperState("Unknown").IsValid())
}

func TestPaperState_ExhaustedState(t *testing.T) {
	assert.Equal(t, PaperStateFailed, PaperStateTextAvailable.ExhaustedState())
	assert.Equal(t, PaperStateFailed, PaperStatePdfNotAvailable.ExhaustedState())
	assert.Equal(t, PaperStateP1Failure, PaperStateP1.ExhaustedState())
	assert.Equal(t, PaperStateP1Failure, PaperStateP1WIP.ExhaustedState())
}

func TestStageName(t *testing.T) {
	assert.True(t, StageCitations.IsValid())
	assert.False(t, StageNoop.IsValid())
	assert.Equal(t, "PDF acquisition", StagePdfAcquisition.Label())
	assert.Equal(t, []StageName{StagePdfAcquisition, StageTextExtraction, StageScoring, StageCitations}, PrimaryStages)
}

func TestStorageRef(t *testing.T) {
	t.Run("well formed", func(t *testing.T) {
		ref := NewStorageRef("pdfs", "paper-1/abc-doc.pdf")
		assert.Equal(t, "storage://pdfs/paper-1/abc-doc.pdf", ref.URI)
		assert.Equal(t, "pdfs", ref.Bucket())
		assert.Equal(t, "paper-1/abc-doc.pdf", ref.Key())
		assert.False(t, ref.IsZero())
	})

	t.Run("malformed", func(t *testing.T) {
		ref := StorageRef{URI: "storage://"}
		assert.Equal(t, "", ref.Bucket())
		assert.Equal(t, "", ref.Key())
	})
}

func TestPaperUpdate_Apply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("resets attempts even when update asks otherwise", func(t *testing.T) {
		p := &PaperRecord{ID: "p1", State: PaperStatePdfNotAvailable, Attempts: 2}
		u := &PaperUpdate{Attempts: IntPtr(5)}
		u.Apply(p, PaperStatePdfAvailable, now)

		assert.Equal(t, PaperStatePdfAvailable, p.State)
		assert.Equal(t, 0, p.Attempts)
		assert.Equal(t, now, p.UpdatedAt)
	})

	t.Run("nil update still resets attempts", func(t *testing.T) {
		p := &PaperRecord{ID: "p1", Attempts: 1}
		var u *PaperUpdate
		u.Apply(p, PaperStateP1WIP, now)
		assert.Equal(t, 0, p.Attempts)
		assert.Equal(t, PaperStateP1WIP, p.State)
	})

	t.Run("merges metadata", func(t *testing.T) {
		p := &PaperRecord{Metadata: map[string]interface{}{"link": "x", "keep": 1}}
		u := &PaperUpdate{Metadata: map[string]interface{}{"link": "y", "citation_count": 2}}
		u.Apply(p, PaperStateProcessed, now)

		assert.Equal(t, map[string]interface{}{"link": "y", "keep": 1, "citation_count": 2}, p.Metadata)
	})

	t.Run("sets and clears reason", func(t *testing.T) {
		p := &PaperRecord{Reason: "old"}
		(&PaperUpdate{ClearReason: true}).Apply(p, PaperStateP1Success, now)
		assert.Empty(t, p.Reason)

		WithReason("boom").Apply(p, PaperStateFailed, now)
		assert.Equal(t, "boom", p.Reason)
	})

	t.Run("copies refs and hashes", func(t *testing.T) {
		ref := NewStorageRef("pdfs", "k")
		p := &PaperRecord{}
		(&PaperUpdate{PdfRef: &ref, PdfMD5: StringPtr("abc"), Score: Float64Ptr(7)}).Apply(p, PaperStatePdfAvailable, now)

		require.NotNil(t, p.PdfRef)
		assert.Equal(t, ref, *p.PdfRef)
		assert.Equal(t, "abc", p.PdfMD5)
		assert.Equal(t, 7.0, *p.Score)
	})
}

func TestPaperRecord_Clone(t *testing.T) {
	ref := NewStorageRef("pdfs", "k")
	orig := &PaperRecord{
		ID:         "p1",
		PdfRef:     &ref,
		SeedNumber: IntPtr(3),
		Metadata:   map[string]interface{}{"a": 1},
	}

	clone := orig.Clone()
	clone.Metadata["a"] = 2
	*clone.SeedNumber = 4
	clone.PdfRef.URI = "changed"

	assert.Equal(t, 1, orig.Metadata["a"])
	assert.Equal(t, 3, *orig.SeedNumber)
	assert.Equal(t, "storage://pdfs/k", orig.PdfRef.URI)

	var nilRecord *PaperRecord
	assert.Nil(t, nilRecord.Clone())
}

func TestPaperRecord_MetadataHelpers(t *testing.T) {
	p := &PaperRecord{
		Title: "url:https://example.org/a.pdf",
		Metadata: map[string]interface{}{
			"link":     map[string]interface{}{"url": "  https://example.org/a.pdf "},
			"citation": map[string]interface{}{"title": "A Cited Work"},
		},
	}
	assert.Equal(t, "https://example.org/a.pdf", p.LinkURL())
	assert.Equal(t, "A Cited Work", p.CitationTitle())

	bare := &PaperRecord{Title: "Plain"}
	assert.Equal(t, "", bare.LinkURL())
	assert.Equal(t, "Plain", bare.CitationTitle())
}

func TestPaperRecord_SourceURLs(t *testing.T) {
	p := &PaperRecord{
		Title:    "URL: https://hdl.handle.net/x ",
		Metadata: map[string]interface{}{"link": map[string]interface{}{"url": "https://hdl.handle.net/x"}},
	}
	assert.Equal(t, "https://hdl.handle.net/x", p.TitleURL())
	assert.Equal(t, []string{"https://hdl.handle.net/x"}, p.SourceURLs())

	p.Metadata = map[string]interface{}{"link": map[string]interface{}{"url": "https://other.org/y.pdf"}}
	assert.Equal(t, []string{"https://hdl.handle.net/x", "https://other.org/y.pdf"}, p.SourceURLs())

	plain := &PaperRecord{Title: "urban studies"}
	assert.Equal(t, "", plain.TitleURL())
	assert.Empty(t, plain.SourceURLs())
}

func TestTruncateTitle(t *testing.T) {
	assert.Equal(t, "abc", TruncateTitle("  abc "))
	long := strings.Repeat("é", MaxTitleLength+10)
	assert.Equal(t, MaxTitleLength, len([]rune(TruncateTitle(long))))
}

func TestStageOutcome(t *testing.T) {
	o := Failed("p1", StageCitations, "paper below threshold", map[string]interface{}{"blocked": true})
	assert.True(t, o.Blocked())
	assert.False(t, o.Success)

	s := Succeeded("p1", StageScoring, "scored", nil)
	assert.NotNil(t, s.Metadata)
	assert.False(t, s.Blocked())
}

func TestErrors(t *testing.T) {
	t.Run("already exists", func(t *testing.T) {
		err := fmt.Errorf("insert: %w", NewAlreadyExistsError("paper", "title", "A"))
		assert.True(t, errors.Is(err, ErrAlreadyExists))
		assert.True(t, IsDuplicateTitle(err))
		assert.False(t, IsDuplicateTopic(err))
		assert.Contains(t, err.Error(), "paper already exists with this title: A")
	})

	t.Run("topic", func(t *testing.T) {
		err := NewAlreadyExistsError("paper", "topic", "T")
		assert.True(t, IsDuplicateTopic(err))
	})

	t.Run("id", func(t *testing.T) {
		err := NewAlreadyExistsError("paper", "id", "p9")
		assert.True(t, errors.Is(err, ErrAlreadyExists))
		assert.False(t, IsDuplicateTitle(err))
	})

	t.Run("not found", func(t *testing.T) {
		err := NewNotFoundError("paper", "p1")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Equal(t, "paper not found: p1", err.Error())
	})

	t.Run("transient keeps cause", func(t *testing.T) {
		cause := errors.New("server disconnected")
		err := NewTransientError("fetch", cause)
		assert.True(t, errors.Is(err, ErrTransient))
		assert.True(t, errors.Is(err, cause))
	})

	t.Run("extraction", func(t *testing.T) {
		err := NewExtractionError("PDF parsing produced no text", nil)
		assert.True(t, errors.Is(err, ErrExtraction))
		assert.Equal(t, "PDF parsing produced no text", err.Error())

		wrapped := NewExtractionError("PDF parse error", errors.New("bad xref"))
		assert.Equal(t, "PDF parse error: bad xref", wrapped.Error())
	})

	t.Run("validation", func(t *testing.T) {
		err := NewValidationError("batch_size", "must be positive")
		assert.True(t, errors.Is(err, ErrInvalidInput))
	})

	t.Run("rate limit", func(t *testing.T) {
		err := NewRateLimitError("google", 2*time.Second)
		assert.True(t, errors.Is(err, ErrRateLimited))
	})

	t.Run("external api", func(t *testing.T) {
		err := NewExternalAPIError("openai", 503, "down", ErrServiceUnavailable)
		assert.True(t, errors.Is(err, ErrServiceUnavailable))
	})
}
