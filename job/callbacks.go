package job

import (
	"context"

	"github.com/go-jobkit/jobkit/runpolicy"
	"github.com/go-jobkit/jobkit/state"
)

// Callbacks is the capability record a caller supplies to describe one kind
// of job: instead of subclassing a base Job type, the runtime owns every
// lifecycle field and the caller's code owns payload fields via closure,
// reached only through these callback slots. Only DoWork is mandatory;
// every other field may be left nil, in which case the documented default
// behavior applies.
type Callbacks[T any] struct {
	// ConfigureRunPolicy is called exactly once, when the job is bound to its
	// manager (by Submit, or by Rehydrate for a persisted job), to obtain the
	// RunPolicy that governs it. If nil, a
	// default policy (runpolicy.New) is used. The returned policy must not
	// already be bound to another job.
	ConfigureRunPolicy func() *runpolicy.RunPolicy

	// OnAdded is called once, on the job's first service pass. A READY
	// return is coerced to WAIT during enqueue. Returning NEW
	// is invalid and forces FAULTED. If nil, WAIT is assumed.
	OnAdded func() state.State

	// OnPrepare is evaluated on every WAIT/READY pass, before dependency and
	// policy gating are applied. If nil, READY is assumed.
	OnPrepare func() state.State

	// DoWork performs the actual unit of work, on a worker goroutine. It
	// returns the value to store as the job's result (only consulted when
	// the returned state is SUCCEEDED) and the state to request next:
	// SUCCEEDED, READY, WAIT, FAULTED, CANCELED, or BUSY to mean "still
	// running, call CheckProgress later". DoWork is mandatory.
	DoWork func(ctx context.Context) (*T, state.State)

	// CheckProgress is polled on every service pass that finds the job BUSY,
	// including while DoWork is still running and after DoWork returned BUSY
	// (asynchronous continuation). If nil, BUSY jobs are left alone until
	// DoWork's own goroutine eventually calls back in some other way is not
	// supported; a nil CheckProgress on an asynchronously-continuing job
	// will simply never progress past BUSY until the attempt times out.
	CheckProgress func() state.State

	// OnStateChanged is invoked after every transition, with the prior
	// state.
	OnStateChanged func(old state.State)

	// OnNewJobAdded is invoked, for every other active non-terminal,
	// non-NEW job, when a new job is added to the manager.
	OnNewJobAdded func(other AnyJob)

	// OnJobAssimilated is invoked on the survivor when another job is
	// merged into it via a ConcurrencyPolicy collision.
	OnJobAssimilated func(assimilator, assimilated AnyJob)

	// OnDependencyFailed is invoked when a CASCADE_FAILURE depended
	// transitions to FAULTED. The returned state is applied to this job. If
	// nil, FAULTED is assumed.
	OnDependencyFailed func(depended AnyJob) state.State

	// Rollback runs on a worker, with a bounded timeout, when the job
	// transitions out of the work-loop into FAULTED or CANCELED.
	Rollback func(ctx context.Context)

	// Assimilate is invoked on the survivor of a SingletonKeepExisting (or
	// SingletonReplaceExisting) collision, to decide whether to merge the
	// redundant job's work into this one. Returning true moves redundant to
	// ASSIMILATED; returning false falls back to FIFO-style waiting.
	Assimilate func(redundant AnyJob) bool

	// IsRemovable overrides the default removability check: terminal AND no
	// non-removable active dependent. If nil, the default applies.
	IsRemovable func() bool
}
