// Package mqierr defines the error kinds the orchestration core distinguishes.
// Classification drives control flow: validation errors fail a beam immediately,
// retryable errors are re-attempted under the resilience policy, and breaker-open
// errors mean the operation was never attempted at all.
package mqierr

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ValidationError reports malformed input: an unreadable case root, a case with
// no beam subdirectories, a beam directory with nothing to process. Fatal, never
// retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RetryableError marks a transient failure (transport hiccup, timeout) that the
// resilience policy may re-attempt.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as transient for the named operation.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether err should be re-attempted. Explicitly marked
// RetryableErrors qualify, as do network timeouts and temporary net errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CircuitBreakerOpenError is returned without attempting the wrapped operation
// when its circuit is open. Distinguishable from a genuine failure so logs can
// tell "we didn't even try" from "we tried and it broke".
type CircuitBreakerOpenError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q (retry after %s)", e.Class, e.RetryAfter)
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitBreakerOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitBreakerOpenError
	return errors.As(err, &ce)
}

// ResourceError reports that no compute resource became available for a beam
// within the configured wait window.
type ResourceError struct {
	BeamID string
	Waited time.Duration
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("no resource available for beam %s after %s", e.BeamID, e.Waited)
}

// IsResource reports whether err is (or wraps) a ResourceError.
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// WorkflowError wraps the underlying failure of a workflow phase with the beam
// and phase it occurred in. Every phase failure is converted into one of these
// at the state-machine loop boundary.
type WorkflowError struct {
	BeamID string
	Phase  string
	Err    error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("beam %s phase %s: %v", e.BeamID, e.Phase, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Workflow wraps err with beam and phase context.
func Workflow(beamID, phase string, err error) error {
	if err == nil {
		return nil
	}
	return &WorkflowError{BeamID: beamID, Phase: phase, Err: err}
}
