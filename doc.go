// Package jobkit is a client-side job orchestration runtime: it accepts
// user-defined units of work, each modeled as a small state machine, and
// drives them through submission, preparation, execution, retry, dependency
// resolution, and terminal disposition.
//
// The core types live in focused subpackages (state, job, jobmanager,
// runpolicy, concurrency, persist, ...). This root package re-exports the
// handful a typical caller touches first, so
//
//	m := jobkit.NewManager()
//	j := jobkit.NewJob(jobkit.Callbacks[string]{...})
//	obs, err := jobkit.Submit(m, j)
//
// is enough to get started without naming every subpackage explicitly.
// Everything re-exported here is a type alias or direct forward, not a
// copy: values and errors still compare/assert against the subpackage
// types underneath.
package jobkit

import (
	"github.com/go-jobkit/jobkit/job"
	"github.com/go-jobkit/jobkit/jobmanager"
	"github.com/go-jobkit/jobkit/state"
)

type (
	// Manager is an alias for jobmanager.Manager.
	Manager = jobmanager.Manager
	// Job is an alias for job.Job.
	Job[T any] = job.Job[T]
	// Callbacks is an alias for job.Callbacks.
	Callbacks[T any] = job.Callbacks[T]
	// Observer is an alias for job.Observer.
	Observer[T any] = job.Observer[T]
	// State is an alias for state.State.
	State = state.State
)

const (
	NEW         = state.NEW
	WAIT        = state.WAIT
	READY       = state.READY
	BUSY        = state.BUSY
	SUCCEEDED   = state.SUCCEEDED
	FAULTED     = state.FAULTED
	CANCELED    = state.CANCELED
	ASSIMILATED = state.ASSIMILATED
)

// NewManager constructs a Manager with the given options.
func NewManager(opts ...jobmanager.Option) *Manager { return jobmanager.New(opts...) }

// NewJob constructs a Job from a Callbacks table.
func NewJob[T any](callbacks Callbacks[T]) *Job[T] { return job.New(callbacks) }

// Submit binds and registers j with m, returning its Observer.
func Submit[T any](m *Manager, j *Job[T]) (*Observer[T], error) {
	return jobmanager.Submit(m, j)
}
