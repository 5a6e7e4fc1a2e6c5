// Package job implements Job[T], the per-unit-of-work state machine at the
// center of jobkit: it extends dependable.Base with a RunPolicy, a worker
// callback table, an observer, and the single-pass service-loop logic that
// drives it through submission, preparation, execution, retry, and terminal
// disposition.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/go-jobkit/jobkit/concurrency"
	"github.com/go-jobkit/jobkit/dependable"
	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/jobkiterr"
	"github.com/go-jobkit/jobkit/persist"
	"github.com/go-jobkit/jobkit/runpolicy"
	"github.com/go-jobkit/jobkit/state"
)

// Persistable is implemented by Callbacks[T] owners who want their job
// durably stored. Register it via Job.SetPersistence before Submit.
type Persistable[T any] struct {
	TypeID string
	Codec  persist.Codec[T]
}

// Job is one unit of work and its lifecycle state machine. The zero value
// is not usable; construct with New.
type Job[T any] struct {
	*dependable.Base

	mu sync.Mutex

	callbacks Callbacks[T]
	policy    *runpolicy.RunPolicy

	st             state.State
	stateEnteredAt time.Time
	durations      map[state.State]time.Duration

	result       *T
	stateMessage string

	assimilatedBy AnyJob
	dirty         bool

	pollInterval time.Duration

	completionWaiters []AnyJob

	addedCh      chan struct{}
	addedOnce    sync.Once
	terminalCh   chan struct{}
	terminalOnce sync.Once

	observer     *Observer[T]
	observerOnce sync.Once

	workerCancel context.CancelFunc

	persistence *Persistable[T]

	bound bool // true once Submit has bound this job to a manager

	mh ManagerHandle // set once bound, read under mu
}

// New constructs an unbound Job. Bind it to a JobManager via
// JobManager.Submit.
func New[T any](callbacks Callbacks[T]) *Job[T] {
	return &Job[T]{
		Base:       dependable.NewBase(depid.New()),
		callbacks:  callbacks,
		st:         state.NEW,
		durations:  make(map[state.State]time.Duration),
		addedCh:    make(chan struct{}),
		terminalCh: make(chan struct{}),
	}
}

// SetPersistence declares this job's stable type identifier and result
// codec, opting it into durable storage. Must be called
// before Submit; calling it after is a no-op (persistence declarations, like
// RunPolicy binding, are one-shot).
func (j *Job[T]) SetPersistence(typeID string, codec persist.Codec[T]) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bound {
		return
	}
	j.persistence = &Persistable[T]{TypeID: typeID, Codec: codec}
}

// Bind attaches the job to its owning manager. One-shot: rebinding to a
// different manager fails, matching RunPolicy.SetJobID and
// dependable.Base.Bind's one-shot contracts. Called by jobmanager.Submit;
// not normally called directly.
func (j *Job[T]) Bind(mh ManagerHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bound && j.mh != mh {
		return &jobkiterr.InvalidStateError{Message: "job: already bound to a different JobManager"}
	}
	if j.bound {
		return nil
	}

	policyFactory := j.callbacks.ConfigureRunPolicy
	var policy *runpolicy.RunPolicy
	if policyFactory != nil {
		policy = policyFactory()
	}
	if policy == nil {
		policy = runpolicy.New()
	}
	if err := policy.SetJobID(j.ID()); err != nil {
		return err
	}
	j.policy = policy

	if err := j.Base.Bind(mh); err != nil {
		return err
	}

	j.mh = mh
	j.bound = true
	j.stateEnteredAt = time.Now()
	j.pollInterval = mh.DefaultPollInterval()
	return nil
}

// State returns the current lifecycle state.
func (j *Job[T]) State() state.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st
}

// StateMessage returns the most recent terminal/gating message, if any.
func (j *Job[T]) StateMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stateMessage
}

// Result returns the job's result and whether one has been set (only true
// once the job is SUCCEEDED).
func (j *Job[T]) Result() (T, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		var zero T
		return zero, false
	}
	return *j.result, true
}

// AssimilatedBy implements dependable.Node.
func (j *Job[T]) AssimilatedBy() (dependable.Node, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.assimilatedBy == nil {
		return nil, false
	}
	return j.assimilatedBy, true
}

// Edges implements dependable.Node by delegating to the embedded Base.
func (j *Job[T]) Edges() []dependable.Edge {
	return j.Base.Edges()
}

// AddDepended registers a dependency edge from this job to d, with the
// given failure propagation strategy.
func (j *Job[T]) AddDepended(d AnyJob, strategy dependable.FailureStrategy) error {
	return j.Base.AddDepended(j, d, strategy)
}

// IsSatisfied reports whether this job counts as "done" for a dependent.
func (j *Job[T]) IsSatisfied() bool {
	return j.State().IsSatisfied()
}

// IsDirty implements AnyJob.
func (j *Job[T]) IsDirty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dirty
}

// ClearDirty implements AnyJob.
func (j *Job[T]) ClearDirty() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dirty = false
}

// TimeJobStarted implements AnyJob.
func (j *Job[T]) TimeJobStarted() time.Time {
	j.mu.Lock()
	policy := j.policy
	j.mu.Unlock()
	if policy == nil {
		return time.Time{}
	}
	return policy.TimeJobStarted()
}

// ConcurrencyPolicy returns the job's configured collision identity, if any.
func (j *Job[T]) ConcurrencyPolicy() (concurrency.Policy, bool) {
	j.mu.Lock()
	policy := j.policy
	j.mu.Unlock()
	if policy == nil {
		return concurrency.Policy{}, false
	}
	return policy.ConcurrencyPolicy()
}

// RegisterServiceOnCompletion implements AnyJob.
func (j *Job[T]) RegisterServiceOnCompletion(dependent AnyJob) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.IsTerminal() {
		// already done; caller re-services immediately instead.
		return
	}
	j.completionWaiters = append(j.completionWaiters, dependent)
}

// TryAssimilate implements AnyJob.
func (j *Job[T]) TryAssimilate(redundant AnyJob) bool {
	if j.callbacks.Assimilate == nil {
		return false
	}
	return j.callbacks.Assimilate(redundant)
}

// MarkAssimilated implements AnyJob.
func (j *Job[T]) MarkAssimilated(survivor AnyJob) {
	j.mu.Lock()
	mh := j.mh
	j.assimilatedBy = survivor
	j.mu.Unlock()
	j.commit(mh, state.ASSIMILATED)
}

// NotifyAssimilated implements AnyJob.
func (j *Job[T]) NotifyAssimilated(assimilated AnyJob) {
	j.mu.Lock()
	cb := j.callbacks.OnJobAssimilated
	j.mu.Unlock()
	if cb == nil {
		return
	}
	cb(j, assimilated)
}

// RewriteEdge implements AnyJob: repoint any outgoing edge targeting from's
// ID to survivor, preserving the original strategy.
func (j *Job[T]) RewriteEdge(from, to AnyJob) {
	strategy, ok := j.Base.DependingMode(from.ID())
	if !ok {
		return
	}
	j.Base.RemoveEdge(from.ID())
	_ = j.Base.AddDepended(j, to, strategy)
}

// PersistenceRecord implements AnyJob.
func (j *Job[T]) PersistenceRecord() (persist.Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.persistence == nil {
		return persist.Record{}, false
	}
	rec := persist.Record{
		ID:           j.ID(),
		TypeID:       j.persistence.TypeID,
		State:        j.st,
		StateMessage: j.stateMessage,
	}
	if j.policy != nil {
		rec.TimeJobStarted = j.policy.TimeJobStarted()
		rec.AttemptsConsumed = attemptsConsumed(j.policy)
	}
	if j.result != nil && j.persistence.Codec != nil {
		if payload, err := j.persistence.Codec.Encode(*j.result); err == nil {
			rec.Payload = payload
			rec.HasPayload = true
		}
	}
	return rec, true
}

func attemptsConsumed(p *runpolicy.RunPolicy) int {
	// exposed only for persistence bookkeeping/log fields; derived rather
	// than duplicated state: a policy freshly built from p's configuration
	// starts with its full attempt allowance remaining.
	return p.BuildUpon().Build().AttemptsRemaining() - p.AttemptsRemaining()
}

// Rehydrate reconstructs a Job[T] from a persisted Record at JobManager
// startup, binding it directly to mh without going through Bind's
// already-registered guard (a rehydrated job was never Submit-ed in this
// process). Per the persistor contract, a record found in the work loop
// (WAIT/READY/BUSY) is restored to WAIT with its RunPolicy's attempt
// counters reset via Reset, since an in-flight attempt from a previous
// process can never be resumed; any other state (including terminal ones)
// is restored as-is. callbacks and codec are supplied by the caller's
// registered factory for rec.TypeID, since neither can be recovered from
// the record itself.
func Rehydrate[T any](rec persist.Record, callbacks Callbacks[T], codec persist.Codec[T], mh ManagerHandle) (*Job[T], error) {
	st := rec.State
	if st.IsInWorkLoop() {
		st = state.WAIT
	}

	j := &Job[T]{
		Base:         dependable.NewBase(rec.ID),
		callbacks:    callbacks,
		st:           st,
		stateMessage: rec.StateMessage,
		durations:    make(map[state.State]time.Duration),
		addedCh:      make(chan struct{}),
		terminalCh:   make(chan struct{}),
		persistence:  &Persistable[T]{TypeID: rec.TypeID, Codec: codec},
	}
	j.addedOnce.Do(func() { close(j.addedCh) })
	if j.st.IsTerminal() {
		j.terminalOnce.Do(func() { close(j.terminalCh) })
	}
	if rec.HasPayload && codec != nil {
		if v, err := codec.Decode(rec.Payload); err == nil {
			j.result = &v
		}
	}

	var policy *runpolicy.RunPolicy
	if cb := callbacks.ConfigureRunPolicy; cb != nil {
		policy = cb()
	}
	if policy == nil {
		policy = runpolicy.New()
	}
	if err := policy.SetJobID(j.ID()); err != nil {
		return nil, err
	}
	policy.Reset()
	j.policy = policy

	if err := j.Base.Bind(mh); err != nil {
		return nil, err
	}
	j.mh = mh
	j.bound = true
	j.stateEnteredAt = time.Now()
	j.pollInterval = mh.DefaultPollInterval()
	return j, nil
}
