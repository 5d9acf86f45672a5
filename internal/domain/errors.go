package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the service. Detail types below wrap these so
// callers can branch with errors.Is while logs keep the specifics.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStageFailed indicates that a pipeline stage failed fatally.
	ErrStageFailed = errors.New("stage failed")
)

// ValidationError reports an invalid value for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError identifies the entity and ID that could not be found.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AlreadyExistsError identifies the duplicate entity.
type AlreadyExistsError struct {
	Entity string
	ID     string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.ID)
}

func (e *AlreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// ExternalAPIError reports a failed call to an upstream service such as the
// arXiv API.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// StageError reports a fatal failure of a named pipeline stage.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is matches against the ErrStageFailed sentinel.
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailed
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewAlreadyExistsError creates an AlreadyExistsError.
func NewAlreadyExistsError(entity, id string) *AlreadyExistsError {
	return &AlreadyExistsError{Entity: entity, ID: id}
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewExternalAPIError creates an ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{Source: source, StatusCode: statusCode, Message: message, Cause: cause}
}

// NewStageError creates a StageError.
func NewStageError(stage string, cause error) *StageError {
	return &StageError{Stage: stage, Cause: cause}
}
