// Package trackerr provides the structured error type (TrackerError) used
// across the timekeeper engine, with a closed kind enum so callers can
// branch on a stable machine code instead of matching message strings.
package trackerr

import (
	"errors"
	"fmt"
)

// Kind classifies a TrackerError. The set is closed: every failure mode the
// engine can report maps onto exactly one of these values.
type Kind string

const (
	// Caller-correctable invariant violations.
	KindAlreadyRunning       Kind = "already_running"
	KindNoActiveTimer        Kind = "no_active_timer"
	KindNoActiveTimerForItem Kind = "no_active_timer_for_item"
	KindMaxItemsExceeded     Kind = "max_items_exceeded"

	// Capacity violations from the bounded adapter.
	KindLimitExceeded Kind = "limit_exceeded"

	// Lookup failures on the entry set.
	KindEntryNotFound Kind = "entry_not_found"

	// Transient or unexpected store faults.
	KindStorage Kind = "storage"

	// Unreadable persisted data (pages, metadata).
	KindCorrupted Kind = "corrupted"

	// Everything else.
	KindInternal Kind = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityError   Severity = "error"   // operation failed
	SeverityWarning Severity = "warning" // degraded, operation continued
)

// TrackerError is a structured error with kind, severity, and context.
type TrackerError struct {
	Kind     Kind          `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Cause    error         `json:"cause,omitempty"`
	Context  ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for TrackerError.
type ContextFields map[string]any

// Error implements the error interface.
func (e *TrackerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling.
func (e *TrackerError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *TrackerError) WithContext(key string, value any) *TrackerError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new TrackerError with SeverityError.
func New(kind Kind, message string) *TrackerError {
	return &TrackerError{Kind: kind, Severity: SeverityError, Message: message}
}

// Warn creates a new TrackerError with SeverityWarning.
func Warn(kind Kind, message string) *TrackerError {
	return &TrackerError{Kind: kind, Severity: SeverityWarning, Message: message}
}

// Wrap creates a new TrackerError that wraps an existing error.
func Wrap(err error, kind Kind, message string) *TrackerError {
	return &TrackerError{Kind: kind, Severity: SeverityError, Message: message, Cause: err}
}

// KindOf extracts the kind from an error, or KindInternal when the error is
// not a TrackerError anywhere in its chain.
func KindOf(err error) Kind {
	var te *TrackerError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains a TrackerError of the given kind.
func Is(err error, kind Kind) bool {
	var te *TrackerError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
