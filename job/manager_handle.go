package job

import (
	"context"
	"time"

	"github.com/go-jobkit/jobkit/concurrency"
	"github.com/go-jobkit/jobkit/dependable"
	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/persist"
)

// AnyJob is the type-erased view of a Job[T] that jobmanager and sibling
// jobs operate against (the registry can't hold a heterogeneous slice of
// Job[T] for differing T otherwise). Job[T] implements it directly.
type AnyJob interface {
	dependable.Node

	// RunServicePass executes one pass of the service loop for this job,
	// using mh for every manager-owned effect: worker pool submission,
	// scheduling the next pass, persistence, and peer lookup.
	RunServicePass(mh ManagerHandle)

	// RunAttempt executes the DoWork callback synchronously on the calling
	// goroutine and commits its outcome. The service pass does not call it:
	// it submits DoWork to the worker pool itself.
	RunAttempt(mh ManagerHandle)

	// CancelWorker best-effort cancels any in-flight worker task.
	CancelWorker()

	// Cancel requests cancellation (idempotent).
	Cancel()

	// IsDirty reports whether a persistable transition has occurred since
	// the last persist pass.
	IsDirty() bool
	// ClearDirty clears the dirty flag after a successful persist.
	ClearDirty()

	// IsRemovable reports whether this job may be evicted from the
	// registry, given a predicate that reports whether another active job
	// depends on it non-removably.
	IsRemovable(hasNonRemovableDependent func() bool) bool

	// TimeJobStarted returns the RunPolicy's job-age baseline, used to sort
	// JobManager.GetJobs results.
	TimeJobStarted() time.Time

	// NotifyNewJobAdded invokes OnNewJobAdded for a freshly submitted peer.
	NotifyNewJobAdded(other AnyJob)

	// NotifyDependencyFailed applies a CASCADE_FAILURE notification from a
	// depended job that just transitioned to FAULTED.
	NotifyDependencyFailed(depended AnyJob)

	// RegisterServiceOnCompletion asks to be re-serviced immediately once
	// this job reaches a terminal state.
	RegisterServiceOnCompletion(dependent AnyJob)

	// TryAssimilate invokes the Assimilate callback against redundant,
	// returning whether the merge was accepted.
	TryAssimilate(redundant AnyJob) bool

	// MarkAssimilated moves this job to ASSIMILATED with survivor recorded
	// as its assimilator.
	MarkAssimilated(survivor AnyJob)

	// NotifyAssimilated invokes OnJobAssimilated on this job - the survivor
	// of a ConcurrencyPolicy collision - reporting that assimilated was just
	// merged into it.
	NotifyAssimilated(assimilated AnyJob)

	// RewriteEdge repoints any outgoing edge targeting from to to, with the
	// same FailureStrategy, used when from is assimilated into to.
	RewriteEdge(from, to AnyJob)

	// PersistenceRecord returns a persist.Record snapshot and whether this
	// job declared itself persistable (a stable type ID + codec).
	PersistenceRecord() (persist.Record, bool)

	// ConcurrencyPolicy returns the job's configured collision identity, if
	// any, used by collision detection during another job's first pass.
	ConcurrencyPolicy() (concurrency.Policy, bool)

	// AddDepended registers a dependency edge from this job to d, used by
	// collision resolution (FIFO waiting, SingletonReplaceExisting fallback).
	AddDepended(d AnyJob, strategy dependable.FailureStrategy) error
}

// ManagerHandle is everything a Job needs from its owning JobManager. It is
// the seam that lets job avoid importing jobmanager (which must import job
// to hold Job[T] instances): jobmanager.Manager implements this
// interface structurally.
type ManagerHandle interface {
	dependable.ActiveChecker

	// ActiveJobs returns a snapshot of every registered, non-evicted job.
	ActiveJobs() []AnyJob
	// LookupJob resolves an ID to a registered job.
	LookupJob(id depid.ID) (AnyJob, bool)

	// SubmitWork runs fn on the bounded worker pool and returns a cancel
	// function for best-effort interruption.
	SubmitWork(fn func(ctx context.Context)) context.CancelFunc

	// ServiceNow enqueues j for an immediate re-service pass.
	ServiceNow(j AnyJob)
	// ScheduleAfter enqueues j for a service pass no sooner than d from now.
	ScheduleAfter(j AnyJob, d time.Duration)

	// Persistor returns the configured persistence backend, or nil for
	// in-memory-only operation.
	Persistor() persist.Persistor

	// MaybeEvict evicts j from the registry (and the persistor, if
	// configured) if it is terminal and no other registered job holds a
	// non-removable edge to it. Called after every persist pass for a
	// terminal job, matching "on persist, removable jobs are evicted."
	MaybeEvict(j AnyJob)

	Logger() Logger

	// RollbackTimeout bounds how long the service thread waits for
	// Rollback before warning and proceeding.
	RollbackTimeout() time.Duration
	// DefaultPollInterval is the floor every computed wake delay is clamped
	// to, and the value poll interval resets to after any state change.
	DefaultPollInterval() time.Duration
	// MaxPollInterval is the ceiling the adaptive poll interval grows to.
	MaxPollInterval() time.Duration
}
