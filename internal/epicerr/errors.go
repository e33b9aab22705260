// Package epicerr defines the error taxonomy shared by the orchestration core.
package epicerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for expected failure conditions. Callers match with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyAssigned = errors.New("already assigned")
	ErrNoAssignment    = errors.New("no active assignment")
	ErrDisabled        = errors.New("epic orchestration disabled")
)

// ValidationError reports invalid configuration or input (e.g. score weights
// that do not sum to 1.0).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConflictError reports a precondition or reconciliation conflict, carrying
// enough detail for the caller to act (e.g. which items are still open).
type ConflictError struct {
	EpicID string
	Reason string
	Items  []string // offending item identifiers, if any
}

func (e *ConflictError) Error() string {
	if len(e.Items) > 0 {
		return fmt.Sprintf("conflict on epic %s: %s: %v", e.EpicID, e.Reason, e.Items)
	}
	return fmt.Sprintf("conflict on epic %s: %s", e.EpicID, e.Reason)
}

// RateLimitError is returned before any network call once the hourly request
// budget is exhausted. Wait is the time until the window resets.
type RateLimitError struct {
	Limit int
	Wait  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests/hour reached; retry in %s", e.Limit, e.Wait.Round(time.Second))
}

// ExternalServiceError wraps a remote tracker failure with operation context.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("remote tracker %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
