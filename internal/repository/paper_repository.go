package repository

import (
	"context"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// HashableStates are the states whose records are expected to hold a stored PDF.
var HashableStates = []domain.PaperState{
	domain.PaperStatePdfAvailable,
	domain.PaperStateTextAvailable,
	domain.PaperStateScored,
	domain.PaperStateProcessed,
	domain.PaperStateProcessedLowScore,
}

// LevelActiveStates are the states considered when choosing the level an
// orchestrator cycle works on.
var LevelActiveStates = []domain.PaperState{
	domain.PaperStatePdfAvailable,
	domain.PaperStateTextAvailable,
	domain.PaperStateScored,
}

// ExhaustedReason is persisted on records moved by FailExhausted.
const ExhaustedReason = "exceeded processing attempts"

// PaperRepository persists paper records and their lifecycle transitions.
type PaperRepository interface {
	// GetByID returns domain.ErrNotFound when the paper does not exist.
	GetByID(ctx context.Context, id string) (*domain.PaperRecord, error)

	// FetchByState returns up to limit records in state, lowest level first,
	// oldest first within a level.
	FetchByState(ctx context.Context, state domain.PaperState, limit int) ([]*domain.PaperRecord, error)

	// FetchByStateAtLevel returns up to limit records in state at level,
	// oldest first. A non-nil seed restricts the result to that seed number.
	FetchByStateAtLevel(ctx context.Context, state domain.PaperState, level, limit int, seed *int) ([]*domain.PaperRecord, error)

	// FetchByPdfMD5 returns every record whose stored PDF has the given hash.
	FetchByPdfMD5(ctx context.Context, md5 string) ([]*domain.PaperRecord, error)

	// FetchPdfHashCandidates returns records in HashableStates, least recently
	// updated first. missingOnly selects records without a hash; otherwise only
	// records that already have one are returned.
	FetchPdfHashCandidates(ctx context.Context, limit int, seed *int, missingOnly bool) ([]*domain.PaperRecord, error)

	// LowestActiveLevel returns the smallest level holding a record in
	// LevelActiveStates, or 0 when there is none.
	LowestActiveLevel(ctx context.Context) (int, error)

	// LevelStatusCounts aggregates records by level and state.
	LevelStatusCounts(ctx context.Context, seed *int) ([]LevelStatusCount, error)

	// SeedStatusCounts aggregates records by seed number and state.
	SeedStatusCounts(ctx context.Context) ([]SeedStatusCount, error)

	// UpdateState moves the record to state and writes update. The attempt
	// counter is always reset to zero; update.Attempts is ignored.
	UpdateState(ctx context.Context, id string, state domain.PaperState, update *domain.PaperUpdate) (*domain.PaperRecord, error)

	// IncrementAttempts persists current+1 as the attempt counter.
	IncrementAttempts(ctx context.Context, id string, current int) (*domain.PaperRecord, error)

	// SaveTextReference moves the record to TextAvailable with ref as its text.
	SaveTextReference(ctx context.Context, id string, ref domain.StorageRef) (*domain.PaperRecord, error)

	// RegisterScore stores a scoring result and moves the record to state.
	RegisterScore(ctx context.Context, id string, result domain.ScoreResult, state domain.PaperState) (*domain.PaperRecord, error)

	// UpdatePdfMD5 stores the hash without touching state or attempts.
	UpdatePdfMD5(ctx context.Context, id, md5 string) error

	// FailExhausted moves every record in states whose attempts exceed
	// maxAttempts into its exhausted terminal state and returns how many moved.
	FailExhausted(ctx context.Context, states []domain.PaperState, maxAttempts int) (int64, error)

	// CreatePdfAvailable inserts a record that already has a stored PDF.
	CreatePdfAvailable(ctx context.Context, params SeedParams) (*domain.PaperRecord, error)

	// CreatePdfPlaceholder inserts a PdfNotAvailable child record.
	CreatePdfPlaceholder(ctx context.Context, params PlaceholderParams) (*domain.PaperRecord, error)

	// InsertPgxExtractions appends rows for the paper to table and returns the
	// number inserted. table must be a plain lower-case identifier.
	InsertPgxExtractions(ctx context.Context, paperID string, rows []domain.PgxExtractionRow, table string) (int, error)
}

// SeedParams describes a record created with its PDF already stored.
type SeedParams struct {
	// ID is generated when empty.
	ID         string
	Title      string
	PdfRef     domain.StorageRef
	PdfMD5     string
	Level      int
	ParentID   string
	SeedNumber *int
	Metadata   map[string]interface{}
}

// PlaceholderParams describes a child record discovered from a parent.
type PlaceholderParams struct {
	Title      string
	ParentID   string
	Level      int
	SeedNumber *int
	Metadata   map[string]interface{}
}

// LevelStatusCount is one row of the level by state aggregate.
type LevelStatusCount struct {
	Level int               `json:"level"`
	State domain.PaperState `json:"status"`
	Count int64             `json:"total"`
}

// SeedStatusCount is one row of the seed by state aggregate. SeedNumber is
// nil for records without a seed.
type SeedStatusCount struct {
	SeedNumber *int              `json:"seed_number"`
	State      domain.PaperState `json:"status"`
	Count      int64             `json:"total"`
}

func stateStrings(states []domain.PaperState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func validateSeedParams(p SeedParams) error {
	if p.Title == "" {
		return domain.NewValidationError("title", "title is required")
	}
	if p.PdfRef.IsZero() {
		return domain.NewValidationError("pdf_ref", "a stored PDF reference is required")
	}
	if p.Level < 1 {
		return domain.NewValidationError("level", "level must be at least 1")
	}
	return nil
}

func validatePlaceholderParams(p PlaceholderParams) error {
	if p.Title == "" {
		return domain.NewValidationError("title", "title is required")
	}
	if p.ParentID == "" {
		return domain.NewValidationError("parent_id", "parent id is required")
	}
	if p.Level < 1 {
		return domain.NewValidationError("level", "level must be at least 1")
	}
	return nil
}
