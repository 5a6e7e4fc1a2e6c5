package job_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-jobkit/jobkit/concurrency"
	"github.com/go-jobkit/jobkit/dependable"
	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/job"
	"github.com/go-jobkit/jobkit/persist"
	"github.com/go-jobkit/jobkit/runpolicy"
	"github.com/go-jobkit/jobkit/state"
)

// fakeHandle is a minimal, synchronous job.ManagerHandle: SubmitWork and
// ServiceNow run inline on the calling goroutine and ScheduleAfter drops the
// timed pass, which is enough to exercise a single Job's state machine
// deterministically without spinning up a real jobmanager.Manager.
type fakeHandle struct {
	mu        sync.Mutex
	active    map[depid.ID]job.AnyJob
	persistor persist.Persistor
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{active: make(map[depid.ID]job.AnyJob)}
}

func (h *fakeHandle) track(j job.AnyJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[j.ID()] = j
}

func (h *fakeHandle) IsActive(id depid.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[id]
	return ok
}

func (h *fakeHandle) ActiveJobs() []job.AnyJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]job.AnyJob, 0, len(h.active))
	for _, j := range h.active {
		out = append(out, j)
	}
	return out
}

func (h *fakeHandle) LookupJob(id depid.ID) (job.AnyJob, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.active[id]
	return j, ok
}

func (h *fakeHandle) SubmitWork(fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	fn(ctx)
	return cancel
}

func (h *fakeHandle) ServiceNow(j job.AnyJob)                     { j.RunServicePass(h) }
func (h *fakeHandle) ScheduleAfter(j job.AnyJob, d time.Duration) {}
func (h *fakeHandle) Persistor() persist.Persistor                { return h.persistor }
func (h *fakeHandle) Logger() job.Logger                          { return job.NoopLogger }
func (h *fakeHandle) RollbackTimeout() time.Duration              { return time.Second }
func (h *fakeHandle) DefaultPollInterval() time.Duration          { return time.Millisecond }
func (h *fakeHandle) MaxPollInterval() time.Duration              { return 10 * time.Millisecond }
func (h *fakeHandle) MaybeEvict(j job.AnyJob)                     {}

func submitSync[T any](h *fakeHandle, j *job.Job[T]) *job.Observer[T] {
	if err := j.Bind(h); err != nil {
		panic(err)
	}
	h.track(j)
	obs := j.Observer()
	j.RunServicePass(h)
	return obs
}

func TestJobRunsToSuccess(t *testing.T) {
	h := newFakeHandle()
	j := job.New(job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "done"
			return &out, state.SUCCEEDED
		},
	})
	obs := submitSync(h, j)
	require.True(t, obs.WaitForTerminalState(time.Second))
	assert.Equal(t, state.SUCCEEDED, j.State())
	result, ok := obs.GetResult()
	require.True(t, ok)
	assert.Equal(t, "done", result)
}

func TestOnAddedReturningNewFaults(t *testing.T) {
	h := newFakeHandle()
	j := job.New(job.Callbacks[string]{
		OnAdded: func() state.State { return state.NEW },
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "unreachable"
			return &out, state.SUCCEEDED
		},
	})
	obs := submitSync(h, j)
	require.True(t, obs.WaitForTerminalState(time.Second))
	assert.Equal(t, state.FAULTED, j.State())
	assert.Contains(t, j.StateMessage(), "onAdded")
}

func TestOnAddedReadyCoercedToWait(t *testing.T) {
	h := newFakeHandle()
	var firstOld, secondOld state.State
	var seenFirst, seenSecond bool
	j := job.New(job.Callbacks[string]{
		OnAdded: func() state.State { return state.READY },
		OnStateChanged: func(old state.State) {
			// the first observed transition out of NEW must have landed on
			// WAIT, never READY directly: a READY return from OnAdded is
			// coerced to WAIT during enqueue, so the second transition
			// leaves WAIT.
			if !seenFirst {
				seenFirst = true
				firstOld = old
			} else if !seenSecond {
				seenSecond = true
				secondOld = old
			}
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "x"
			return &out, state.SUCCEEDED
		},
	})
	obs := submitSync(h, j)
	require.True(t, obs.WaitForTerminalState(time.Second))
	require.True(t, seenFirst)
	require.True(t, seenSecond)
	assert.Equal(t, state.NEW, firstOld)
	assert.Equal(t, state.WAIT, secondOld)
	assert.Equal(t, state.SUCCEEDED, j.State())
}

func TestCancelIsIdempotentAndAbsorbing(t *testing.T) {
	h := newFakeHandle()
	rollbacks := 0
	started := make(chan struct{})
	release := make(chan struct{})
	j := job.New(job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) {
			close(started)
			<-release
			return nil, state.CANCELED
		},
		Rollback: func(ctx context.Context) { rollbacks++ },
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = submitSync(h, j)
	}()

	<-started
	close(release)
	<-done

	j.Cancel()
	j.Cancel()

	assert.Equal(t, state.CANCELED, j.State())
	assert.LessOrEqual(t, rollbacks, 1)
}

func TestSetPersistenceRecordRoundTrip(t *testing.T) {
	h := newFakeHandle()
	j := job.New(job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "payload"
			return &out, state.SUCCEEDED
		},
	})
	j.SetPersistence("example.string-job", stringCodec{})

	obs := submitSync(h, j)
	require.True(t, obs.WaitForTerminalState(time.Second))

	rec, ok := j.PersistenceRecord()
	require.True(t, ok)
	assert.Equal(t, state.SUCCEEDED, rec.State)
	assert.True(t, rec.HasPayload)
	assert.Equal(t, "payload", string(rec.Payload))
}

func TestRehydrateRestoresWorkLoopStateAsWaitAndResetsAttempts(t *testing.T) {
	h := newFakeHandle()
	id := depid.New()
	rec := persist.Record{
		ID:               id,
		TypeID:           "example.string-job",
		State:            state.BUSY, // crashed mid-attempt in a prior process
		AttemptsConsumed: 4,
	}

	callbacks := job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(5).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) { return nil, state.SUCCEEDED },
	}

	rj, err := job.Rehydrate(rec, callbacks, stringCodec{}, h)
	require.NoError(t, err)
	assert.Equal(t, state.WAIT, rj.State())
	assert.Equal(t, id, rj.ID())

	rec2, ok := rj.PersistenceRecord()
	require.True(t, ok)
	assert.Equal(t, "example.string-job", rec2.TypeID)
	assert.Equal(t, 0, rec2.AttemptsConsumed)
}

func TestRehydratePreservesTerminalStateAndDecodesPayload(t *testing.T) {
	h := newFakeHandle()
	rec := persist.Record{
		ID:         depid.New(),
		TypeID:     "example.string-job",
		State:      state.SUCCEEDED,
		Payload:    []byte("restored"),
		HasPayload: true,
	}

	rj, err := job.Rehydrate(rec, job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) { return nil, state.SUCCEEDED },
	}, stringCodec{}, h)
	require.NoError(t, err)
	assert.Equal(t, state.SUCCEEDED, rj.State())

	result, ok := rj.Result()
	require.True(t, ok)
	assert.Equal(t, "restored", result)
}

func TestIsRemovableDefaultRequiresTerminal(t *testing.T) {
	h := newFakeHandle()
	block := make(chan struct{})
	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			<-block
			out := "x"
			return &out, state.SUCCEEDED
		},
	})
	go submitSync(h, j)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, j.IsRemovable(nil))
	close(block)
}

func TestAddDependedRejectsSelfEdge(t *testing.T) {
	h := newFakeHandle()
	j := job.New(job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) { return nil, state.SUCCEEDED },
	})
	require.NoError(t, j.Bind(h))
	h.track(j)
	err := j.AddDepended(j, dependable.IgnoreFailure)
	assert.Error(t, err)
}

func TestConcurrencyPolicyRoundTrip(t *testing.T) {
	h := newFakeHandle()
	key := concurrency.NewFIFO("k")
	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithConcurrencyPolicy(key).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) { return nil, state.SUCCEEDED },
	})
	require.NoError(t, j.Bind(h))
	got, ok := j.ConcurrencyPolicy()
	require.True(t, ok)
	assert.True(t, got.CollidesWith(key))
}

type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }
