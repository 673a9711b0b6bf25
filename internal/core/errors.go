package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCancelled ends a run in CANCELLED rather than FAILED.
	ErrCancelled = errors.New("operation cancelled")

	// ErrOverloaded is returned when a worker pool and its queue are full.
	ErrOverloaded = errors.New("system overloaded, please try again later")

	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedStrategy is returned when no processing strategy accepts a file.
	ErrUnsupportedStrategy = errors.New("no compatible processing strategy")

	// ErrTooLarge is returned when an upload exceeds the configured size.
	ErrTooLarge = errors.New("file size exceeds limit")

	// ErrInvalidTransition is returned by stores asked to move an operation
	// backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DetectionError reports empty or unreadable input. Fatal to the run.
type DetectionError struct {
	Reason string
	Err    error
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format detection failed: %s: %v", e.Reason, e.Err)
	}
	return "format detection failed: " + e.Reason
}

func (e *DetectionError) Unwrap() error { return e.Err }

// MappingError names the column(s) or field a mapping could not satisfy.
// Raised by the header pre-pass it aborts the run; raised for a row it
// rejects that row only.
type MappingError struct {
	Columns []string
	Field   string
	Reason  string
}

func (e *MappingError) Error() string {
	switch {
	case len(e.Columns) > 0 && e.Reason == "":
		return "missing required column(s): " + strings.Join(e.Columns, ", ")
	case len(e.Columns) > 0:
		return fmt.Sprintf("mapping column %s: %s", strings.Join(e.Columns, ", "), e.Reason)
	case e.Field != "":
		return fmt.Sprintf("mapping field %s: %s", e.Field, e.Reason)
	default:
		return "mapping failed: " + e.Reason
	}
}

// ValidationError describes an entity that failed self-validation.
type ValidationError struct {
	Entity  string
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s.%s: %s (got %q)", e.Entity, e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Field, e.Message)
}

// PersistenceError wraps a batch commit failure. The batch was rolled back.
type PersistenceError struct {
	Batch int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch %d: %v", e.Batch, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ExportError reports an export that produced no artifact.
type ExportError struct {
	Format string
	Err    error
}

func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export %s: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("unsupported export format: %s", e.Format)
}

func (e *ExportError) Unwrap() error { return e.Err }
