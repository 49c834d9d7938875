package shac

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies the fatal and non-fatal conditions an Engine can raise,
// per the error-handling policy table of the search engine's specification.
type ErrorKind string

const (
	// SchemaMismatch fires when a restored dataset row conflicts with the
	// parameter space's schema. Fatal; the engine refuses to load.
	SchemaMismatch ErrorKind = "schema_mismatch"

	// BudgetMisconfigured fires when num_batches does not evenly divide
	// total_budget. Non-fatal; num_epochs is rounded down and a warning is
	// logged.
	BudgetMisconfigured ErrorKind = "budget_misconfigured"

	// ClassifierUntrainable fires when cross-validation folds fail to produce
	// both classes. The epoch's classifier is skipped; training continues
	// unless EarlyStop is set.
	ClassifierUntrainable ErrorKind = "classifier_untrainable"

	// CascadeStalled fires when a candidate classifier fails the cascade
	// acceptance gate. Skipped unless RelaxChecks; triggers early stop when
	// EarlyStop is set.
	CascadeStalled ErrorKind = "cascade_stalled"

	// GeneratorExhausted fires when a worker's per-slot attempt budget is
	// exceeded. The epoch halts and the engine persists a partial result.
	GeneratorExhausted ErrorKind = "generator_exhausted"

	// EvaluationFailed fires when the user-supplied evaluation function
	// returns an error and no score-on-failure sentinel is configured.
	EvaluationFailed ErrorKind = "evaluation_failed"

	// EvaluationTimeout fires when an evaluation exceeds its configured
	// deadline.
	EvaluationTimeout ErrorKind = "evaluation_timeout"

	// Cancelled fires when the engine's cancellation handle is invoked.
	Cancelled ErrorKind = "cancelled"

	// PersistenceFailed fires on an I/O error while writing a checkpoint.
	// Fatal; the previous good checkpoint remains on disk.
	PersistenceFailed ErrorKind = "persistence_failed"

	// InvalidConfig fires when engine configuration fails validation.
	InvalidConfig ErrorKind = "invalid_config"
)

// SHACError wraps a classified failure with its underlying cause, preserving
// the wrapped error's stack trace (via pkg/errors) while letting callers
// switch on Kind without string-matching the message.
type SHACError struct {
	Kind  ErrorKind
	Cause error
}

func (e *SHACError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *SHACError) Unwrap() error {
	return e.Cause
}

// newError wraps cause into a SHACError of the given kind, annotating it with
// msg via pkg/errors so the stack trace captures the call site.
func newError(kind ErrorKind, cause error, msg string) *SHACError {
	if cause == nil {
		return &SHACError{Kind: kind, Cause: errors.New(msg)}
	}
	return &SHACError{Kind: kind, Cause: errors.Wrap(cause, msg)}
}

// newErrorf is newError with a formatted message.
func newErrorf(kind ErrorKind, cause error, format string, args ...any) *SHACError {
	return newError(kind, cause, fmt.Sprintf(format, args...))
}

// IsKind reports whether err is a *SHACError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SHACError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
