package job

import (
	"context"
	"time"

	"github.com/go-jobkit/jobkit/concurrency"
	"github.com/go-jobkit/jobkit/dependable"
	"github.com/go-jobkit/jobkit/state"
)

// RunServicePass implements AnyJob: one synchronous pass of the service
// loop. It is always called on the single service thread
// (internal/serviceloop), never concurrently with itself for the same job.
// Each stage re-reads the job's current state before deciding whether to
// run, so a job may flow through several stages (NEW -> WAIT -> READY ->
// BUSY) within one pass, matching the state transitions the stages
// themselves perform.
func (j *Job[T]) RunServicePass(mh ManagerHandle) {
	j.mu.Lock()
	j.mh = mh
	st := j.st
	j.mu.Unlock()

	if st.IsTerminal() {
		j.persistIfDirty(mh)
		mh.MaybeEvict(j)
		return
	}

	if st == state.NEW {
		if j.serviceNew(mh) {
			j.persistIfDirty(mh)
			mh.MaybeEvict(j)
			return
		}
		st = j.State()
	}

	if st == state.WAIT || st == state.READY {
		j.servicePrepare(mh)
		st = j.State()
	}

	if st == state.READY {
		j.serviceStart(mh)
		st = j.State()
	}

	if st == state.BUSY {
		j.serviceCheckProgress(mh)
		st = j.State()
	}

	if !st.IsTerminal() {
		j.scheduleNextPass(mh, st)
	}

	j.persistIfDirty(mh)
	if st.IsTerminal() {
		mh.MaybeEvict(j)
	}
}

// serviceNew runs collision detection, OnAdded, and the onNewJobAdded
// broadcast for a job's first service pass. It returns true if the job
// reached a terminal state (e.g. ASSIMILATED) during this, signaling the
// caller to stop the pass early.
func (j *Job[T]) serviceNew(mh ManagerHandle) bool {
	if j.runCollisionCheck(mh) {
		return true
	}

	next := state.WAIT
	if cb := j.callbacks.OnAdded; cb != nil {
		requested := cb()
		if requested == state.NEW {
			j.mu.Lock()
			j.stateMessage = "onAdded returned NEW"
			j.mu.Unlock()
			requested = state.FAULTED
		}
		if requested == state.READY {
			requested = state.WAIT
		}
		next = requested
	}
	j.commit(mh, next)

	for _, other := range mh.ActiveJobs() {
		if other.ID() == j.ID() {
			continue
		}
		other.NotifyNewJobAdded(j)
		if j.State().IsTerminal() {
			return true
		}
	}
	return j.State().IsTerminal()
}

// runCollisionCheck compares this job's ConcurrencyPolicy against every
// other active, non-terminal job, resolving each collision found in turn and
// stopping as soon as a resolution leaves this job ASSIMILATED. Returns true
// if resolution left this job ASSIMILATED.
func (j *Job[T]) runCollisionCheck(mh ManagerHandle) bool {
	myPolicy, ok := j.ConcurrencyPolicy()
	if !ok {
		return false
	}
	for _, other := range mh.ActiveJobs() {
		if other.ID() == j.ID() || other.State().IsTerminal() {
			continue
		}
		otherPolicy, ok := other.ConcurrencyPolicy()
		if !ok || !myPolicy.CollidesWith(otherPolicy) {
			continue
		}
		j.resolveCollision(mh, other, myPolicy.Kind())
		if j.State() == state.ASSIMILATED {
			return true
		}
	}
	return false
}

// resolveCollision applies the per-Kind resolution rule, with j as the
// freshly-submitted candidate and existing as the already-registered job it
// collided with.
func (j *Job[T]) resolveCollision(mh ManagerHandle, existing AnyJob, kind concurrency.Kind) {
	switch kind {
	case concurrency.FIFO:
		_ = j.AddDepended(existing, dependable.IgnoreFailure)

	case concurrency.SingletonKeepExisting:
		if existing.TryAssimilate(j) {
			j.MarkAssimilated(existing)
			existing.NotifyAssimilated(j)
			rewriteAssimilatedEdges(mh, j, existing)
		} else {
			_ = j.AddDepended(existing, dependable.IgnoreFailure)
		}

	case concurrency.SingletonReplaceExisting:
		if j.TryAssimilate(existing) {
			existing.MarkAssimilated(j)
			j.NotifyAssimilated(existing)
			rewriteAssimilatedEdges(mh, existing, j)
		} else {
			_ = existing.AddDepended(j, dependable.IgnoreFailure)
		}
	}
}

// rewriteAssimilatedEdges repoints every other active job's edge targeting
// from onto to, after from has been assimilated into to.
func rewriteAssimilatedEdges(mh ManagerHandle, from, to AnyJob) {
	for _, other := range mh.ActiveJobs() {
		if other.ID() == from.ID() || other.ID() == to.ID() {
			continue
		}
		other.RewriteEdge(from, to)
	}
}

// servicePrepare evaluates OnPrepare, dependency gating, and RunPolicy
// validation for a WAIT or READY job, then commits the result.
func (j *Job[T]) servicePrepare(mh ManagerHandle) {
	next := state.READY
	if cb := j.callbacks.OnPrepare; cb != nil {
		next = cb()
	}

	if next == state.READY && !j.dependenciesSatisfied(mh) {
		next = state.WAIT
	}

	j.mu.Lock()
	policy := j.policy
	j.mu.Unlock()
	if policy != nil {
		next = policy.ValidateRequestedState(next)
		if next == state.READY && !policy.ShouldStart() {
			next = state.WAIT
		}
	}

	j.commit(mh, next)
}

// dependenciesSatisfied reports whether every outgoing edge's target has
// cleared - reached any terminal state, not only a successful one - so
// this job may proceed, registering this job for an immediate re-service
// against every dependency still in flight. A FAULTED CascadeFailure
// target is handled separately and asynchronously via commit's
// cascadeFailure/NotifyDependencyFailed, not by blocking here forever; an
// IgnoreFailure target's fault, per its name, never blocks progress.
func (j *Job[T]) dependenciesSatisfied(mh ManagerHandle) bool {
	satisfied := true
	for _, e := range j.Edges() {
		if e.Target.State().IsTerminal() {
			continue
		}
		satisfied = false
		if dep, ok := mh.LookupJob(e.Target.ID()); ok {
			dep.RegisterServiceOnCompletion(j)
		}
	}
	return satisfied
}

// serviceStart records the attempt start against the policy, commits BUSY,
// and submits the work callback to the bounded worker pool.
func (j *Job[T]) serviceStart(mh ManagerHandle) {
	j.mu.Lock()
	policy := j.policy
	j.mu.Unlock()
	if policy != nil {
		policy.OnAttemptStarted()
	}
	j.commit(mh, state.BUSY)

	cancel := mh.SubmitWork(func(ctx context.Context) {
		j.runAttemptWork(ctx, mh)
	})
	j.mu.Lock()
	j.workerCancel = cancel
	j.mu.Unlock()
}

// RunAttempt implements AnyJob for direct/synchronous invocation (tests, or
// a worker pool implementation that prefers to call back in rather than
// have the job submit itself). The worker-pool-driven path goes through
// runAttemptWork via serviceStart's mh.SubmitWork closure instead.
func (j *Job[T]) RunAttempt(mh ManagerHandle) {
	j.runAttemptWork(context.Background(), mh)
}

// runAttemptWork invokes DoWork, stores its result if
// SUCCEEDED was requested, validates the requested state against the
// policy, and commits it. A panic in DoWork is recovered, logged and turned
// into FAULTED; a SUCCEEDED request with a nil result is also turned into
// FAULTED. A requested state of BUSY (asynchronous
// continuation) is left for CheckProgress to resolve on a later pass rather
// than triggering an immediate re-service.
func (j *Job[T]) runAttemptWork(ctx context.Context, mh ManagerHandle) {
	var result *T
	requested := state.FAULTED
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				mh.Logger().Error("doWork panicked", "job", j.ID().String(), "panic", r)
			}
		}()
		result, requested = j.callbacks.DoWork(ctx)
	}()

	j.mu.Lock()
	j.workerCancel = nil
	if panicked {
		j.stateMessage = "doWork panicked"
	}
	if requested == state.SUCCEEDED && result == nil {
		requested = state.FAULTED
		j.stateMessage = "doWork returned SUCCEEDED with a nil result"
	}
	if requested == state.SUCCEEDED {
		j.result = result
	}
	policy := j.policy
	j.mu.Unlock()

	if policy != nil {
		requested = policy.ValidateRequestedState(requested)
	}

	j.commit(mh, requested)
	if requested != state.BUSY {
		mh.ServiceNow(j)
	}
}

// serviceCheckProgress polls CheckProgress (defaulting to "still BUSY") and
// applies RunPolicy validation, which is what actually enforces the
// per-attempt timeout for jobs with no CheckProgress callback.
func (j *Job[T]) serviceCheckProgress(mh ManagerHandle) {
	requested := state.BUSY
	if cb := j.callbacks.CheckProgress; cb != nil {
		requested = cb()
	}

	j.mu.Lock()
	policy := j.policy
	j.mu.Unlock()
	if policy != nil {
		requested = policy.ValidateRequestedState(requested)
	}

	j.commit(mh, requested)
}

// scheduleNextPass computes the next wake delay from the adaptive poll
// interval (doubling each pass, capped at mh.MaxPollInterval, reset to
// mh.DefaultPollInterval on every state change by commit), clamped down to
// the policy's next-attempt time when that is sooner and the job is
// waiting on backoff, but never below mh.DefaultPollInterval.
func (j *Job[T]) scheduleNextPass(mh ManagerHandle, st state.State) {
	j.mu.Lock()
	delay := j.pollInterval
	policy := j.policy
	next := j.pollInterval * 2
	if max := mh.MaxPollInterval(); next > max {
		next = max
	}
	j.pollInterval = next
	j.mu.Unlock()

	if st == state.WAIT && policy != nil {
		if until := time.Until(policy.TimeOfNextAttempt()); until > 0 && until < delay {
			delay = until
		}
	}
	if floor := mh.DefaultPollInterval(); delay < floor {
		delay = floor
	}

	mh.ScheduleAfter(j, delay)
}

// persistIfDirty writes this job's Record to the configured Persistor if a
// persistable transition has occurred since the last write.
func (j *Job[T]) persistIfDirty(mh ManagerHandle) {
	if !j.IsDirty() {
		return
	}
	persistor := mh.Persistor()
	if persistor == nil {
		j.ClearDirty()
		return
	}
	rec, ok := j.PersistenceRecord()
	if !ok {
		mh.Logger().Warn("job is not persistable; not durably stored", "job", j.ID().String())
		j.ClearDirty()
		return
	}
	if err := persistor.PutJob(rec); err != nil {
		mh.Logger().Error("persist job failed", "job", j.ID().String(), "error", err)
		return
	}
	j.ClearDirty()
}

// IsRemovable implements AnyJob: a job is removable once terminal, unless
// it overrides removability itself or a caller-supplied predicate reports a
// non-removable dependent still needs it.
func (j *Job[T]) IsRemovable(hasNonRemovableDependent func() bool) bool {
	if !j.State().IsTerminal() {
		return false
	}
	if cb := j.callbacks.IsRemovable; cb != nil {
		return cb()
	}
	if hasNonRemovableDependent != nil && hasNonRemovableDependent() {
		return false
	}
	return true
}
