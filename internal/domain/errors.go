package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists. Placeholder
	// inserts treat it as benign.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient indicates a dropped connection or similar failure that may
	// succeed when repeated.
	ErrTransient = errors.New("transient failure")

	// ErrExtraction indicates a PDF could not be turned into usable text.
	ErrExtraction = errors.New("extraction failed")

	// ErrStorage indicates a blob storage failure.
	ErrStorage = errors.New("storage failure")

	// ErrClaimConflict indicates another worker claimed the record first.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInternalError indicates an internal server error.
	ErrInternalError = errors.New("internal error")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AlreadyExistsError provides details about a duplicate entity. Field names
// the unique key that collided: "title", "topic" or "id".
type AlreadyExistsError struct {
	Entity string
	Field  string
	Value  string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists with this %s: %s", e.Entity, e.Field, e.Value)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *AlreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// IsDuplicateTitle reports whether err is a duplicate-title conflict.
func IsDuplicateTitle(err error) bool {
	var dup *AlreadyExistsError
	return errors.As(err, &dup) && dup.Field == "title"
}

// IsDuplicateTopic reports whether err is a duplicate-topic conflict. Legacy
// schemas carry a unique topic column next to the title.
func IsDuplicateTopic(err error) bool {
	var dup *AlreadyExistsError
	return errors.As(err, &dup) && dup.Field == "topic"
}

// TransientError wraps a failure that may succeed when repeated.
type TransientError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Cause)
}

// Unwrap returns both the sentinel and the cause.
func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Cause}
}

// ExtractionError describes why a document could not be read.
type ExtractionError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns both the sentinel and the cause.
func (e *ExtractionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrExtraction}
	}
	return []error{ErrExtraction, e.Cause}
}

// RateLimitError provides details about a rate limit error.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: retry after %s", e.Source, e.RetryAfter)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(entity, field, value string) *AlreadyExistsError {
	return &AlreadyExistsError{
		Entity: entity,
		Field:  field,
		Value:  value,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewTransientError creates a new TransientError.
func NewTransientError(op string, cause error) *TransientError {
	return &TransientError{
		Op:    op,
		Cause: cause,
	}
}

// NewExtractionError creates a new ExtractionError.
func NewExtractionError(message string, cause error) *ExtractionError {
	return &ExtractionError{
		Message: message,
		Cause:   cause,
	}
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(source string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Source:     source,
		RetryAfter: retryAfter,
	}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}
