package domain

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks a cache or durable-store failure. Callers
// degrade the affected feature instead of failing ingestion.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrSessionInactive is returned when an event targets a session already
// swept inactive. Expired sessions never resurrect; the tracker is expected
// to mint a fresh session id instead.
var ErrSessionInactive = errors.New("session is inactive")

// ValidationError describes a malformed event item. The offending item is
// dropped and the rest of the batch continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for the given field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
