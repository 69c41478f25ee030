package candidates

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCandidateNotFound indicates that no candidate exists for an identifier.
	ErrCandidateNotFound = errors.New("candidates: candidate not found")
	// ErrAttachmentNotFound indicates that no attachment row references a locator.
	ErrAttachmentNotFound = errors.New("candidates: attachment not found")
	// ErrUnknownSuggestionField indicates a suggestion lookup on an unsupported field.
	ErrUnknownSuggestionField = errors.New("candidates: unknown suggestion field")
)

// Violation is one failed field rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation collected for a submission.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "candidates: validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		parts = append(parts, violation.Field+": "+violation.Message)
	}
	return "candidates: validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError wraps violations; it returns nil for an empty list.
func NewValidationError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// ConflictError reports that a candidate with the same normalized email already exists.
type ConflictError struct {
	Email string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("candidates: a candidate with email %s already exists", e.Email)
}

// PersistenceError is an unexpected storage failure identified by a dotted code.
type PersistenceError struct {
	code string
	err  error
}

func (e *PersistenceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *PersistenceError) Unwrap() error {
	return e.err
}

func (e *PersistenceError) Code() string {
	return e.code
}

func newPersistenceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &PersistenceError{code: code, err: cause}
}
