package batch

import (
	"errors"
	"fmt"
	"strings"
)

// FatalBatchError aborts a batch before any row is reduced.
type FatalBatchError struct {
	Missing []string // CSV columns that are required but absent
}

func (e *FatalBatchError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}

// FieldMismatch is one metadata column whose value contradicts the upload.
type FieldMismatch struct {
	Column   string
	Expected string
	Got      string
}

// RowRejected excludes one row from the documents. Either Mismatches or Cause
// is set.
type RowRejected struct {
	Row        int
	ContentID  string
	Mismatches []FieldMismatch
	Cause      error
}

func (e *RowRejected) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("row %d: %v", e.Row, e.Cause)
	}
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("column %q expected %q got %q", m.Column, m.Expected, m.Got))
	}
	return fmt.Sprintf("row %d: %s", e.Row, strings.Join(parts, ", "))
}

func (e *RowRejected) Unwrap() error { return e.Cause }

// FieldValidationFailure records a value outside its allow-list. The row is
// kept and flagged; the failure is never returned as an error.
type FieldValidationFailure struct {
	Row       int
	ContentID string
	Field     string
	Value     string
}

func (e *FieldValidationFailure) Error() string {
	return fmt.Sprintf("row %d: %s value %q is not allowed", e.Row, e.Field, e.Value)
}

// OverlapDetected is advisory: the batch is held, not aborted.
type OverlapDetected struct {
	Span Span
}

func (e *OverlapDetected) Error() string {
	return "uploaded data may overlap existing records"
}

// UpstreamIOError wraps a collaborator failure. Nothing was written and the
// batch is safe to retry.
type UpstreamIOError struct {
	Stage string
	Err   error
}

func (e *UpstreamIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *UpstreamIOError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the batch may succeed.
func (e *UpstreamIOError) Retryable() bool { return true }

// IsRetryable reports whether err, or anything it wraps, is retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// Upstream wraps err as an UpstreamIOError unless it already is one. A nil
// err stays nil.
func Upstream(stage string, err error) error {
	if err == nil {
		return nil
	}
	var u *UpstreamIOError
	if errors.As(err, &u) {
		return err
	}
	return &UpstreamIOError{Stage: stage, Err: err}
}
