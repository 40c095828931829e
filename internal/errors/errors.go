// Package errors provides typed errors for pgproblems operations.
//
// Sentinel errors can be matched with errors.Is(), typed errors with errors.As().
//
// Sentinel Errors:
//   - ErrTimeout: operation timed out
//   - ErrConnectionFailed: database connection failed
//   - ErrInvalidConfig: configuration validation failed
//   - ErrNoData: no data available for analysis
//   - ErrPermissionDenied: insufficient database privileges
//   - ErrScanFailed: a problem scan did not complete
//   - ErrLockNotHeld: release of a lock that is not held
//
// Typed Errors:
//   - CollectionError: one metric source failed during collection
//   - QueryError: wraps database query errors
//   - PersistenceError: problem store operation failed
//   - ScanError: scan failed in a given phase (unwraps to ErrScanFailed)
//   - ValidationError: configuration/input validation errors
//   - ReportError: report rendering errors
//   - MultiError: aggregates multiple errors
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
var (
	// ErrTimeout indicates an operation exceeded its time limit.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionFailed indicates the database connection could not be established.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrInvalidConfig indicates configuration validation failed.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoData indicates no data was available for the requested operation.
	ErrNoData = errors.New("no data available")

	// ErrPermissionDenied indicates insufficient database privileges.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrScanFailed indicates a scan was started but did not complete.
	ErrScanFailed = errors.New("scan failed")

	// ErrLockNotHeld is returned when releasing a lock that is no longer owned.
	ErrLockNotHeld = errors.New("lock not held")
)

// CollectionError represents a failure of a single metric source.
// Any CollectionError aborts the whole snapshot.
type CollectionError struct {
	Metric string // Metric source that failed (e.g., "deadlocks", "wal_throughput")
	Err    error  // Underlying error
}

// NewCollectionError creates a new CollectionError.
func NewCollectionError(metric string, err error) *CollectionError {
	return &CollectionError{Metric: metric, Err: err}
}

// Error implements the error interface.
func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Metric, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CollectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *CollectionError) Is(target error) bool {
	_, ok := target.(*CollectionError)
	return ok
}

// QueryError represents a database query error.
type QueryError struct {
	Query string // SQL query (truncated for long queries)
	Err   error  // Underlying database error
}

// queryMaxLen is the maximum length of a query string in error messages.
const queryMaxLen = 100

// NewQueryError creates a new QueryError.
// Whitespace is collapsed and long queries are truncated.
func NewQueryError(query string, err error) *QueryError {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > queryMaxLen {
		query = query[:queryMaxLen] + "..."
	}
	return &QueryError{Query: query, Err: err}
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed [%s]: %v", e.Query, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *QueryError) Is(target error) bool {
	_, ok := target.(*QueryError)
	return ok
}

// PersistenceError represents a failed problem store operation.
type PersistenceError struct {
	Op        string // Operation (e.g., "upsert", "resolve", "list")
	ProblemID string // Problem id involved, if any
	Err       error
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(op, problemID string, err error) *PersistenceError {
	return &PersistenceError{Op: op, ProblemID: problemID, Err: err}
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.ProblemID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ProblemID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *PersistenceError) Is(target error) bool {
	_, ok := target.(*PersistenceError)
	return ok
}

// Scan phases reported by ScanError.
const (
	PhaseInstance = "instance"
	PhaseCollect  = "collect"
	PhasePersist  = "persist"
	PhaseLock     = "lock"
)

// ScanError is the single structured failure returned by a scan.
// It matches both ErrScanFailed and the underlying cause.
type ScanError struct {
	ScanID string
	Phase  string
	Err    error
}

// NewScanError creates a new ScanError.
func NewScanError(scanID, phase string, err error) *ScanError {
	return &ScanError{ScanID: scanID, Phase: phase, Err: err}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s failed during %s: %v", e.ScanID, e.Phase, e.Err)
}

// Unwrap exposes both ErrScanFailed and the cause.
func (e *ScanError) Unwrap() []error {
	return []error{ErrScanFailed, e.Err}
}

// ValidationError represents a configuration or input validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   string // Value that was invalid (may be redacted for sensitive fields)
	Message string // Human-readable validation message
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// Unwrap returns ErrInvalidConfig for errors.Is support.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Is reports whether target matches this error type.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ReportError represents an error while rendering a problem report.
type ReportError struct {
	Format string // Output format (html, json, yaml)
	Path   string // Output path (if applicable)
	Err    error
}

// NewReportError creates a new ReportError.
func NewReportError(format, path string, err error) *ReportError {
	return &ReportError{Format: format, Path: path, Err: err}
}

// Error implements the error interface.
func (e *ReportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("render %s report: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("render %s report to %s: %v", e.Format, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ReportError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors into a single error.
type MultiError struct {
	Errors []error
}

// Add appends an error to the collection. Nil errors are ignored.
func (me *MultiError) Add(err error) {
	if err != nil {
		me.Errors = append(me.Errors, err)
	}
}

// Error implements the error interface.
func (me *MultiError) Error() string {
	switch len(me.Errors) {
	case 0:
		return "no errors"
	case 1:
		return me.Errors[0].Error()
	default:
		msgs := make([]string, len(me.Errors))
		for i, err := range me.Errors {
			msgs[i] = err.Error()
		}
		return fmt.Sprintf("%d errors occurred: %s", len(me.Errors), strings.Join(msgs, "; "))
	}
}

// Unwrap returns all collected errors for errors.Is/As support.
func (me *MultiError) Unwrap() []error {
	return me.Errors
}

// ErrorOrNil returns nil if no errors were added, otherwise returns the MultiError.
func (me *MultiError) ErrorOrNil() error {
	if len(me.Errors) == 0 {
		return nil
	}
	return me
}
