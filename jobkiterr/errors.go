// Package jobkiterr defines jobkit's error taxonomy: typed, wrappable error
// values modeled on eventloop's TypeError/RangeError/TimeoutError pattern so
// callers can use errors.Is/errors.As against a stable set of categories
// instead of matching error strings.
package jobkiterr

import "fmt"

// InvalidArgumentError is returned for an argument that counts as caller
// error: NEW explicitly requested as a job's next state. Other invalid
// arguments are not reported through it: a nil ConcurrencyPolicy key
// component makes concurrency.New panic, and a nil result on SUCCEEDED
// moves the job to FAULTED.
type InvalidArgumentError struct {
	Message string
	Cause   error
}

func (e *InvalidArgumentError) Error() string {
	if e.Message == "" {
		return "jobkit: invalid argument"
	}
	return e.Message
}

func (e *InvalidArgumentError) Unwrap() error { return e.Cause }

// InvalidStateError is returned for double-init, RunPolicy re-binding, or a
// setState call against a CANCELED job.
type InvalidStateError struct {
	Message string
	Cause   error
}

func (e *InvalidStateError) Error() string {
	if e.Message == "" {
		return "jobkit: invalid state transition"
	}
	return e.Message
}

func (e *InvalidStateError) Unwrap() error { return e.Cause }

// DependencyError is returned when an edge targets a Dependable that is not
// active (registered, non-removed) in the owning JobManager, or targets
// itself.
type DependencyError struct {
	Message string
	Cause   error
}

func (e *DependencyError) Error() string {
	if e.Message == "" {
		return "jobkit: invalid dependency"
	}
	return e.Message
}

func (e *DependencyError) Unwrap() error { return e.Cause }

// DependencyCycleError is returned when accepting a proposed edge would
// close a cycle in the depends-on graph.
type DependencyCycleError struct {
	Message string
}

func (e *DependencyCycleError) Error() string {
	if e.Message == "" {
		return "jobkit: dependency cycle"
	}
	return e.Message
}

// Wrap attaches a message to cause, preserving the chain for errors.Is/As,
// the way eventloop.WrapError does.
func Wrap(message string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s", message)
	}
	return fmt.Errorf("%s: %w", message, cause)
}
