// Package domain provides domain models and business logic for the Crawler Extractor service.
package domain

import "strings"

// MaxProcessingAttempts is the retry budget for a single record. Records whose
// attempt counter exceeds this value are excluded from candidate pools and are
// forced into a terminal state by the stage that observes the overflow.
const MaxProcessingAttempts = 2

// PaperState represents the lifecycle states of a paper record.
// These values must match the persisted status column.
type PaperState string

const (
	PaperStatePdfNotAvailable   PaperState = "PDF Not Available"
	PaperStatePdfAvailable      PaperState = "PDF Available"
	PaperStateTextAvailable     PaperState = "Text Available"
	PaperStateScored            PaperState = "Scored"
	PaperStateProcessed         PaperState = "Processed"
	PaperStateProcessedLowScore PaperState = "Processed (Low Score)"
	PaperStateFailed            PaperState = "Failed"

	// PGX sub-workflow.
	PaperStateP1        PaperState = "P1"
	PaperStateP1WIP     PaperState = "P1WIP"
	PaperStateP1Success PaperState = "P1Success"
	PaperStateP1Failure PaperState = "P1Failure"
)

// AllPaperStates lists every known state in dashboard order.
var AllPaperStates = []PaperState{
	PaperStatePdfNotAvailable,
	PaperStatePdfAvailable,
	PaperStateTextAvailable,
	PaperStateScored,
	PaperStateProcessed,
	PaperStateProcessedLowScore,
	PaperStateFailed,
	PaperStateP1,
	PaperStateP1WIP,
	PaperStateP1Success,
	PaperStateP1Failure,
}

// ActiveStates are the primary-workflow states that still have a stage to run.
var ActiveStates = []PaperState{
	PaperStatePdfNotAvailable,
	PaperStatePdfAvailable,
	PaperStateTextAvailable,
	PaperStateScored,
}

// IsValid reports whether s is a known state.
func (s PaperState) IsValid() bool {
	for _, known := range AllPaperStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no stage will ever act on the state again.
func (s PaperState) IsTerminal() bool {
	switch s {
	case PaperStateProcessed, PaperStateProcessedLowScore, PaperStateFailed,
		PaperStateP1Success, PaperStateP1Failure:
		return true
	default:
		return false
	}
}

// IsPgx reports whether the state belongs to the PGX sub-workflow.
func (s PaperState) IsPgx() bool {
	return strings.HasPrefix(string(s), "P1")
}

// ExhaustedState returns the terminal state a record in s is forced into
// once its attempt budget is spent.
func (s PaperState) ExhaustedState() PaperState {
	if s.IsPgx() {
		return PaperStateP1Failure
	}
	return PaperStateFailed
}

// StageName identifies one processing stage.
type StageName string

const (
	StagePdfAcquisition StageName = "pdf_acquisition"
	StageTextExtraction StageName = "text_extraction"
	StageScoring        StageName = "scoring"
	StageCitations      StageName = "citations"
	StagePgxExtraction  StageName = "pgx_extraction"

	// StageNoop is reported when a record has no actionable stage.
	StageNoop StageName = "noop"
)

// PrimaryStages lists the primary-workflow stages in pipeline order.
var PrimaryStages = []StageName{
	StagePdfAcquisition,
	StageTextExtraction,
	StageScoring,
	StageCitations,
}

// IsValid reports whether n names a runnable stage.
func (n StageName) IsValid() bool {
	switch n {
	case StagePdfAcquisition, StageTextExtraction, StageScoring, StageCitations, StagePgxExtraction:
		return true
	default:
		return false
	}
}

// Label returns the human readable name used in failure reasons.
func (n StageName) Label() string {
	switch n {
	case StagePdfAcquisition:
		return "PDF acquisition"
	case StageTextExtraction:
		return "text extraction"
	case StageScoring:
		return "scoring"
	case StageCitations:
		return "citation extraction"
	case StagePgxExtraction:
		return "PGX extraction"
	default:
		return string(n)
	}
}

// StorageRef points at an object in blob storage using the
// storage://<bucket>/<key> URI form.
type StorageRef struct {
	URI string `json:"uri"`
}

// NewStorageRef builds a reference for bucket and key.
func NewStorageRef(bucket, key string) StorageRef {
	return StorageRef{URI: "storage://" + bucket + "/" + key}
}

// Bucket returns the bucket segment or "" when the URI is malformed.
func (r StorageRef) Bucket() string {
	segments := strings.SplitN(r.URI, "/", 4)
	if len(segments) > 2 {
		return segments[2]
	}
	return ""
}

// Key returns the object key or "" when the URI is malformed.
func (r StorageRef) Key() string {
	segments := strings.SplitN(r.URI, "/", 4)
	if len(segments) > 3 {
		return segments[3]
	}
	return ""
}

// IsZero reports whether the reference is empty.
func (r StorageRef) IsZero() bool {
	return r.URI == ""
}

// String returns the URI.
func (r StorageRef) String() string {
	return r.URI
}
