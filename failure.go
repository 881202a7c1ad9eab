package txcoord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind is the classification assigned to a step or transaction
// failure. Every component consults the Classifier for this decision
// rather than re-implementing its own heuristics.
type FailureKind int

const (
	// KindTransient marks failures that may succeed if retried:
	// timeouts, network blips, transient contention.
	KindTransient FailureKind = iota

	// KindPermanent marks failures that will not succeed on retry:
	// validation errors, unrecoverable participant errors. Never
	// retried, propagated immediately.
	KindPermanent

	// KindConflict marks optimistic version mismatches. Conflicts are
	// not blindly retried; the executor re-reads current versions
	// before trying the step again.
	KindConflict

	// KindCompensation marks a saga compensating action that itself
	// failed after exhausting retries. Always surfaced, never
	// swallowed.
	KindCompensation

	// KindCrashRecovery marks a two-phase commit transaction whose
	// decision is durably recorded but whose participant round-trips
	// are incomplete. Not a user-facing error so much as a signal that
	// Recover must be run.
	KindCrashRecovery
)

// String returns the string representation of the FailureKind.
func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindCompensation:
		return "compensation"
	case KindCrashRecovery:
		return "crash_recovery"
	default:
		return fmt.Sprintf("unknown FailureKind: %d", int(k))
	}
}

// Failure is the classified, final failure of a step or transaction.
// It carries the causal error chain so callers can errors.Is/As into
// the underlying cause.
type Failure struct {
	TxID     TxID
	Step     string
	Kind     FailureKind
	Attempts int
	Cause    error
}

// Error implements the error interface for Failure.
func (f *Failure) Error() string {
	if f.Step != "" {
		return fmt.Sprintf("transaction %s: step %q failed (%s, %d attempts): %v",
			f.TxID, f.Step, f.Kind, f.Attempts, f.Cause)
	}
	return fmt.Sprintf("transaction %s failed (%s): %v", f.TxID, f.Kind, f.Cause)
}

// Unwrap exposes the causal error for errors.Is/As.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// transientError and permanentError let callers pre-classify errors at
// the point they are produced, the same way action errors are wrapped
// with their origin.
type transientError struct {
	error
}

func (e *transientError) Unwrap() error { return e.error }

// Transient marks an error as retryable. The DefaultClassifier honors
// the mark regardless of the underlying error type.
func Transient(err error) error {
	return &transientError{err}
}

type permanentError struct {
	error
}

func (e *permanentError) Unwrap() error { return e.error }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return &permanentError{err}
}

// Classifier maps raw failures into the FailureKind taxonomy. It is the
// single decision point for failure kind; the retry controller, the
// conflict path and the unwinding strategies all consult it.
type Classifier interface {
	Classify(err error) FailureKind
}

// DefaultClassifier implements the default classification rules:
//
//   - *ConflictError anywhere in the chain is a conflict
//   - errors marked with Transient or Permanent keep their mark
//   - context deadline expiry and timeouts are transient
//   - anything else is permanent; an unclassified failure is never
//     blindly retried
type DefaultClassifier struct{}

// Classify implements the Classifier interface.
func (DefaultClassifier) Classify(err error) FailureKind {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return KindConflict
	}

	var transient *transientError
	if errors.As(err, &transient) {
		return KindTransient
	}
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return KindPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return KindTransient
	}

	return KindPermanent
}

// FailureReport is the structured report handed to the Observer at
// every failure boundary.
type FailureReport struct {
	TxID     TxID
	Step     string
	Kind     FailureKind
	Attempts int
	Cause    error
	At       time.Time
}

// NewFailureReport builds a report from a classified failure.
func NewFailureReport(f *Failure) FailureReport {
	return FailureReport{
		TxID:     f.TxID,
		Step:     f.Step,
		Kind:     f.Kind,
		Attempts: f.Attempts,
		Cause:    f.Cause,
		At:       time.Now(),
	}
}
