package retry

import (
	"context"
	"errors"
	"fmt"
)

// Class buckets errors for retry decisions.
type Class int

const (
	// ClassTransient covers ordinary handler failures that are worth
	// retrying. This is the default classification.
	ClassTransient Class = iota
	// ClassTimeout covers deadline expiries; retryable by default.
	ClassTimeout
	// ClassFatal covers failures that no number of retries will fix.
	ClassFatal
	// ClassInfra covers infrastructure failures (persistence unavailable,
	// circuit open) that are retryable but not the node's fault.
	ClassInfra
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassFatal:
		return "fatal"
	case ClassInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is reported when a call was short-circuited because the
// target's circuit breaker is open. It classifies as infra: retryable later.
var ErrCircuitOpen = errors.New("circuit breaker open")

// fatalError marks an error as non-retryable regardless of policy defaults.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so Classify reports it as ClassFatal. Handlers use this to
// signal that retrying cannot help (bad input, failed assertion, and so on).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// infraError marks an error as an infrastructure failure.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return fmt.Sprintf("infra: %v", e.err) }
func (e *infraError) Unwrap() error { return e.err }

// Infra wraps err so Classify reports it as ClassInfra.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

// Classify maps an error to its retry class. Unwrapped deadline expiries
// count as timeouts; unmarked errors default to transient.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return ClassFatal
	}
	var ie *infraError
	if errors.As(err, &ie) {
		return ClassInfra
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassInfra
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassTransient
}
