package workflow

import (
	"context"
	"encoding/json"
	"errors"
)

// Executor is the unit of work behind one pipeline stage. The coordinator
// treats it as a black box: given the previous stage's output (or the trigger
// input for the first stage), it returns a typed JSON payload or fails.
//
// Executors must be idempotent for a given input: after a crash the
// coordinator may invoke the same logical step again.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Execute implements the Executor interface.
func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// TransientError marks an executor failure as safe to retry. Anything an
// executor returns that is not wrapped as transient aborts the workflow.
type TransientError struct {
	Err error
}

// Transient wraps an error as retry-eligible.
func Transient(err error) error {
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError aborts the workflow with a machine-readable reason.
type FatalError struct {
	Reason string
	Err    error
}

// Fatal wraps an error as a workflow-aborting failure with the given reason.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether an executor error is retry-eligible.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// failureReason extracts the machine-readable reason recorded on the
// workflow record when an executor error aborts the run.
func failureReason(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
