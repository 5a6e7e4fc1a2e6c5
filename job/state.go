package job

import (
	"context"
	"time"

	"github.com/go-jobkit/jobkit/dependable"
	"github.com/go-jobkit/jobkit/jobkiterr"
	"github.com/go-jobkit/jobkit/state"
)

func isPersistable(old, next state.State) bool {
	if old.IsInWorkLoop() {
		return next.IsTerminal()
	}
	return next != old
}

// requestState validates the caller-facing constraints on a state request
// (newState must not be NEW; a CANCELED job rejects everything but the
// no-op CANCELED) before delegating to commit.
func (j *Job[T]) requestState(mh ManagerHandle, requested state.State) (state.State, error) {
	if requested == state.NEW {
		return state.NEW, &jobkiterr.InvalidArgumentError{Message: "job: cannot explicitly request state NEW"}
	}
	j.mu.Lock()
	if j.st == state.CANCELED && requested != state.CANCELED {
		j.mu.Unlock()
		return state.CANCELED, &jobkiterr.InvalidStateError{Message: "job: cannot leave CANCELED"}
	}
	j.mu.Unlock()
	return j.commit(mh, requested), nil
}

// commit performs the unconditional transition machinery: duration
// accounting, poll-interval reset, added/terminal signaling,
// dirty/observer notification, rollback dispatch, and cascade-failure
// propagation. It silently no-ops on a job that is already terminal, except
// the one carve-out §4.1/§4.7 require: a FAULTED job may still be moved to
// CANCELED. CANCELED itself remains absorbing - nothing leaves it, including
// back to CANCELED as a no-op.
func (j *Job[T]) commit(mh ManagerHandle, requested state.State) state.State {
	j.mu.Lock()
	old := j.st
	faultedToCanceled := old == state.FAULTED && requested == state.CANCELED
	if (old.IsTerminal() && !faultedToCanceled) || requested == old {
		j.mu.Unlock()
		return old
	}

	now := time.Now()
	j.durations[old] += now.Sub(j.stateEnteredAt)
	j.stateEnteredAt = now
	j.st = requested
	if mh != nil {
		j.pollInterval = mh.DefaultPollInterval()
	}

	needRollback := old.IsInWorkLoop() && requested.IsFailed()
	wasNew := old == state.NEW
	// firstTimeTerminal distinguishes the one genuine "became terminal"
	// transition from the FAULTED->CANCELED carve-out, which leaves a job
	// that was already terminal: the terminal signal, completion waiters,
	// and the observer's once-at-terminal callback must not fire twice.
	firstTimeTerminal := !old.IsTerminal() && requested.IsTerminal()
	persistable := isPersistable(old, requested)
	if persistable {
		j.dirty = true
	}
	callback := j.callbacks.OnStateChanged
	obs := j.observer
	var waiters []AnyJob
	if firstTimeTerminal {
		waiters = j.completionWaiters
		j.completionWaiters = nil
	}
	j.mu.Unlock()

	if wasNew {
		j.addedOnce.Do(func() { close(j.addedCh) })
	}
	if firstTimeTerminal {
		j.terminalOnce.Do(func() { close(j.terminalCh) })
		if mh != nil {
			for _, w := range waiters {
				mh.ServiceNow(w)
			}
		}
	}
	if persistable && obs != nil {
		obs.notifyUpdate(requested)
	}
	if firstTimeTerminal && obs != nil {
		obs.notifyComplete()
	}
	if callback != nil {
		callback(old)
	}
	if needRollback && mh != nil {
		j.runRollback(mh)
	}
	if requested == state.FAULTED && mh != nil {
		j.cascadeFailure(mh)
	}
	return requested
}

// runRollback dispatches Rollback on a worker, waiting up to
// mh.RollbackTimeout() before warning and proceeding.
func (j *Job[T]) runRollback(mh ManagerHandle) {
	if j.callbacks.Rollback == nil {
		return
	}
	done := make(chan struct{})
	cancel := mh.SubmitWork(func(ctx context.Context) {
		defer close(done)
		j.callbacks.Rollback(ctx)
	})
	timeout := mh.RollbackTimeout()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		mh.Logger().Warn("rollback did not complete within timeout, proceeding", "job", j.ID().String(), "timeout", timeout)
		cancel()
	}
}

// cascadeFailure notifies every other active job with a CASCADE_FAILURE
// edge targeting this job that it has faulted.
func (j *Job[T]) cascadeFailure(mh ManagerHandle) {
	for _, other := range mh.ActiveJobs() {
		if other.ID() == j.ID() {
			continue
		}
		for _, e := range other.Edges() {
			if e.Target.ID() == j.ID() && e.Strategy == dependable.CascadeFailure {
				other.NotifyDependencyFailed(j)
				break
			}
		}
	}
}

// NotifyDependencyFailed implements AnyJob: applies this job's
// onDependencyFailed callback (default FAULTED) in reaction to depended
// having just transitioned to FAULTED.
func (j *Job[T]) NotifyDependencyFailed(depended AnyJob) {
	j.mu.Lock()
	if j.st.IsTerminal() {
		j.mu.Unlock()
		return
	}
	mh := j.mh
	cb := j.callbacks.OnDependencyFailed
	j.mu.Unlock()

	result := state.FAULTED
	if cb != nil {
		result = cb(depended)
	}

	j.mu.Lock()
	j.stateMessage = "upstream job " + depended.ID().String() + " faulted"
	j.mu.Unlock()

	j.commit(mh, result)
}

// NotifyNewJobAdded implements AnyJob: invoked on every other active job
// when a new job is submitted.
func (j *Job[T]) NotifyNewJobAdded(other AnyJob) {
	j.mu.Lock()
	cb := j.callbacks.OnNewJobAdded
	st := j.st
	j.mu.Unlock()
	if cb == nil || st == state.NEW || st.IsTerminal() {
		return
	}
	cb(other)
}

// Cancel requests cancellation. Idempotent: calling it on an already
// CANCELED or SUCCEEDED job is a no-op.
func (j *Job[T]) Cancel() {
	j.mu.Lock()
	st := j.st
	mh := j.mh
	j.mu.Unlock()
	if st == state.SUCCEEDED || st == state.CANCELED {
		return
	}
	j.CancelWorker()
	_, _ = j.requestState(mh, state.CANCELED)
}

// CancelWorker implements AnyJob: best-effort cancels any in-flight worker
// task.
func (j *Job[T]) CancelWorker() {
	j.mu.Lock()
	cancel := j.workerCancel
	j.workerCancel = nil
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
