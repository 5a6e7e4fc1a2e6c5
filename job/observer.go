package job

import (
	"sync"
	"time"

	"github.com/go-jobkit/jobkit/internal/serviceloop"
	"github.com/go-jobkit/jobkit/state"
)

// Executor dispatches fn for execution away from the caller. Subscribe and
// SubscribeOnComplete accept one as an optional argument so a subscriber can
// marshal the callback onto its own thread (a UI loop, its own worker pool);
// omitting it dispatches onto the shared cached executor instead.
type Executor func(fn func())

// cachedExecutor is the shared executor used whenever a subscription is
// registered without one of its own. It is a single serviceloop.Loop,
// backing every Observer in the process, so commit never blocks the
// service thread on subscriber work: a slow or wedged subscriber only ever
// delays other subscribers, never a job's own scheduling. Built on the same
// Submit-to-a-single-consumer shape jobmanager.Manager uses for its service
// loop, just dedicated to callback dispatch instead of job passes.
var cachedExecutor = sync.OnceValue(func() *serviceloop.Loop {
	l := serviceloop.New()
	go l.Run(make(chan struct{}))
	return l
})

func resolveExecutor(executor []Executor) Executor {
	if len(executor) > 0 && executor[0] != nil {
		return executor[0]
	}
	return cachedExecutor().Submit
}

type updateSub struct {
	fn       func(state.State)
	executor Executor
}

type completeSub struct {
	fn       func()
	executor Executor
}

// Observer is the external-facing view of a Job: blocking waits on the
// added/terminal transitions, and a subscription mechanism for callers that
// want to react to every persistable state change without polling State()
// themselves.
type Observer[T any] struct {
	job *Job[T]

	mu           sync.Mutex
	nextID       int
	updateSubs   map[int]updateSub
	completeSubs map[int]completeSub
}

// Observer returns the job's Observer, constructing it on first use.
func (j *Job[T]) Observer() *Observer[T] {
	j.observerOnce.Do(func() {
		j.mu.Lock()
		j.observer = &Observer[T]{job: j}
		j.mu.Unlock()
	})
	j.mu.Lock()
	o := j.observer
	j.mu.Unlock()
	return o
}

// WaitUntilAdded blocks until the job has completed its first service pass
// (left NEW), or timeout elapses. A non-positive timeout waits forever.
// Returns false on timeout.
func (o *Observer[T]) WaitUntilAdded(timeout time.Duration) bool {
	return waitChan(o.job.addedCh, timeout)
}

// WaitForTerminalState blocks until the job reaches a terminal state, or
// timeout elapses. A non-positive timeout waits forever. Returns false on
// timeout.
func (o *Observer[T]) WaitForTerminalState(timeout time.Duration) bool {
	return waitChan(o.job.terminalCh, timeout)
}

func waitChan(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetResult returns the job's result, non-blocking: false if the job has
// not yet reached SUCCEEDED.
func (o *Observer[T]) GetResult() (T, bool) {
	return o.job.Result()
}

// GetResultBlocking waits for the job to reach a terminal state (bounded by
// timeout, non-positive meaning forever) and then returns its result. False
// is returned both on timeout and on a non-SUCCEEDED terminal state.
func (o *Observer[T]) GetResultBlocking(timeout time.Duration) (T, bool) {
	if !o.WaitForTerminalState(timeout) {
		var zero T
		return zero, false
	}
	return o.job.Result()
}

// Subscribe registers onUpdate to be called after every persistable state
// transition, dispatched on executor if supplied, or on the shared cached
// executor otherwise - never synchronously from commit, so a slow or
// blocking subscriber cannot stall the service thread. The returned cancel
// func unsubscribes; it is safe to call more than once.
func (o *Observer[T]) Subscribe(onUpdate func(state.State), executor ...Executor) (cancel func()) {
	ex := resolveExecutor(executor)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.updateSubs == nil {
		o.updateSubs = make(map[int]updateSub)
	}
	id := o.nextID
	o.nextID++
	o.updateSubs[id] = updateSub{fn: onUpdate, executor: ex}
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.updateSubs, id)
	}
}

// SubscribeOnComplete registers onComplete to be called once, when the job
// reaches a terminal state, dispatched the same way Subscribe dispatches
// onUpdate. The returned cancel func unsubscribes.
func (o *Observer[T]) SubscribeOnComplete(onComplete func(), executor ...Executor) (cancel func()) {
	ex := resolveExecutor(executor)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completeSubs == nil {
		o.completeSubs = make(map[int]completeSub)
	}
	id := o.nextID
	o.nextID++
	o.completeSubs[id] = completeSub{fn: onComplete, executor: ex}
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.completeSubs, id)
	}
}

func (o *Observer[T]) notifyUpdate(s state.State) {
	o.mu.Lock()
	subs := make([]updateSub, 0, len(o.updateSubs))
	for _, sub := range o.updateSubs {
		subs = append(subs, sub)
	}
	o.mu.Unlock()
	for _, sub := range subs {
		fn := sub.fn
		sub.executor(func() { fn(s) })
	}
}

func (o *Observer[T]) notifyComplete() {
	o.mu.Lock()
	subs := make([]completeSub, 0, len(o.completeSubs))
	for _, sub := range o.completeSubs {
		subs = append(subs, sub)
	}
	o.mu.Unlock()
	for _, sub := range subs {
		sub.executor(sub.fn)
	}
}
