package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input that is malformed or out of range.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict marks requests that are well formed but illegal for the current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrConsistency marks drift between a cached projection and its source facts.
	ErrConsistency = errors.New("consistency violation")
)

// ValidationError reports a field level input problem.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConsistencyError describes a cache that no longer matches the facts it is derived from.
type ConsistencyError struct {
	Entity   string
	ID       int64
	Cached   string
	Computed string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: %s %d cached=%s computed=%s", e.Entity, e.ID, e.Cached, e.Computed)
}

// Is lets errors.Is(err, ErrConsistency) match.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// UserSafeMessage returns a message that can be shown to API callers.
func UserSafeMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation), errors.Is(err, ErrStateConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
