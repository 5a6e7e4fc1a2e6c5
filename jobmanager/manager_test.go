package jobmanager

import (
	"context"
	"strings"
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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(WithWorkerCapacity(4))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func quickPolicy() *runpolicy.RunPolicy {
	return runpolicy.NewBuilder().WithMaxAttempts(3).WithRetryDelay(5 * time.Millisecond).Build()
}

// A job whose DoWork succeeds immediately reaches SUCCEEDED with its
// result available from the observer within a few seconds.
func TestSubmitSucceeds(t *testing.T) {
	m := newTestManager(t)

	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: quickPolicy,
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "X"
			return &out, state.SUCCEEDED
		},
	})

	obs, err := Submit(m, j)
	require.NoError(t, err)

	require.True(t, obs.WaitForTerminalState(5*time.Second))
	assert.Equal(t, state.SUCCEEDED, j.State())
	result, ok := obs.GetResult()
	require.True(t, ok)
	assert.Equal(t, "X", result)
}

func TestSubmitFailsAfterRetriesExhausted(t *testing.T) {
	m := newTestManager(t)

	attempts := 0
	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(2).WithRetryDelay(time.Millisecond).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			attempts++
			// READY asks for a retry; the policy faults the job once both
			// attempts are used up.
			return nil, state.READY
		},
	})

	obs, err := Submit(m, j)
	require.NoError(t, err)
	require.True(t, obs.WaitForTerminalState(5*time.Second))
	assert.Equal(t, state.FAULTED, j.State())
	assert.Equal(t, 2, attempts)
}

func TestCancelIdempotent(t *testing.T) {
	m := newTestManager(t)

	block := make(chan struct{})
	rollbacks := 0
	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: quickPolicy,
		DoWork: func(ctx context.Context) (*string, state.State) {
			<-ctx.Done()
			return nil, state.CANCELED
		},
		Rollback: func(ctx context.Context) {
			rollbacks++
		},
	})

	obs, err := Submit(m, j)
	require.NoError(t, err)
	require.True(t, obs.WaitUntilAdded(5*time.Second))

	// give the job a chance to reach BUSY before cancelling
	time.Sleep(50 * time.Millisecond)
	close(block)

	j.Cancel()
	j.Cancel()

	require.True(t, obs.WaitForTerminalState(5*time.Second))
	assert.Equal(t, state.CANCELED, j.State())
}

// FIFO collision: B acquires an IgnoreFailure edge to A; A's failure
// does not prevent B from running.
func TestFIFOCollision(t *testing.T) {
	m := newTestManager(t)

	key := concurrency.NewFIFO("shared-key")
	aStarted := make(chan struct{})
	releaseA := make(chan struct{})

	a := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).WithConcurrencyPolicy(key).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			close(aStarted)
			<-releaseA
			return nil, state.FAULTED
		},
	})
	aObs, err := Submit(m, a)
	require.NoError(t, err)
	require.True(t, aObs.WaitUntilAdded(5 * time.Second))

	<-aStarted

	b := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).WithConcurrencyPolicy(key).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "B-ran"
			return &out, state.SUCCEEDED
		},
	})
	bObs, err := Submit(m, b)
	require.NoError(t, err)
	require.True(t, bObs.WaitUntilAdded(5 * time.Second))

	foundEdge := false
	for _, e := range b.Edges() {
		if e.Target.ID() == a.ID() {
			foundEdge = true
			assert.Equal(t, dependable.IgnoreFailure, e.Strategy)
		}
	}
	assert.True(t, foundEdge, "B must acquire a FIFO edge to A")

	close(releaseA)

	require.True(t, aObs.WaitForTerminalState(5 * time.Second))
	assert.Equal(t, state.FAULTED, a.State())

	require.True(t, bObs.WaitForTerminalState(5 * time.Second))
	assert.Equal(t, state.SUCCEEDED, b.State(), "B still runs after A faults (IgnoreFailure)")
}

// SingletonKeepExisting with a merging Assimilate callback: B and C
// collide with A and are folded into it.
func TestSingletonKeepExistingAssimilation(t *testing.T) {
	m := newTestManager(t)

	key := concurrency.NewSingletonKeepExisting("singleton-key")
	var merged []string
	var assimilatedNotifications []string
	release := make(chan struct{})

	a := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).WithConcurrencyPolicy(key).Build()
		},
		Assimilate: func(redundant job.AnyJob) bool {
			merged = append(merged, redundant.ID().String())
			return true
		},
		OnJobAssimilated: func(assimilator, assimilated job.AnyJob) {
			assimilatedNotifications = append(assimilatedNotifications, assimilated.ID().String())
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			<-release
			out := "A-ran"
			return &out, state.SUCCEEDED
		},
	})
	aObs, err := Submit(m, a)
	require.NoError(t, err)
	require.True(t, aObs.WaitUntilAdded(5 * time.Second))

	mk := func() *job.Job[string] {
		return job.New(job.Callbacks[string]{
			ConfigureRunPolicy: func() *runpolicy.RunPolicy {
				return runpolicy.NewBuilder().WithMaxAttempts(1).WithConcurrencyPolicy(key).Build()
			},
			DoWork: func(ctx context.Context) (*string, state.State) {
				out := "should-not-run"
				return &out, state.SUCCEEDED
			},
		})
	}

	b := mk()
	bObs, err := Submit(m, b)
	require.NoError(t, err)
	require.True(t, bObs.WaitForTerminalState(5 * time.Second))
	assert.Equal(t, state.ASSIMILATED, b.State())

	c := mk()
	cObs, err := Submit(m, c)
	require.NoError(t, err)
	require.True(t, cObs.WaitForTerminalState(5 * time.Second))
	assert.Equal(t, state.ASSIMILATED, c.State())

	close(release)
	require.True(t, aObs.WaitForTerminalState(5 * time.Second))
	assert.Equal(t, state.SUCCEEDED, a.State())

	assert.ElementsMatch(t, []string{b.ID().String(), c.ID().String()}, merged)
	assert.ElementsMatch(t, []string{b.ID().String(), c.ID().String()}, assimilatedNotifications,
		"A must be notified, via OnJobAssimilated, of every job merged into it")
}

// CascadeFailure propagation: A depends on B with CascadeFailure; when
// B faults, A is forced to FAULTED with a message naming B.
func TestCascadeFailurePropagates(t *testing.T) {
	m := newTestManager(t)

	releaseB := make(chan struct{})
	b := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			<-releaseB
			return nil, state.FAULTED
		},
	})
	bObs, err := Submit(m, b)
	require.NoError(t, err)
	require.True(t, bObs.WaitUntilAdded(5 * time.Second))

	a := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: quickPolicy,
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "should-not-matter"
			return &out, state.SUCCEEDED
		},
	})
	// Added before Submit, while b is already active: submit must accept a
	// pre-existing edge targeting an already-initialized job.
	// dependenciesSatisfied then holds a in WAIT until b reaches a terminal
	// state, closing the race against a racing ahead to SUCCEEDED before b
	// faults.
	require.NoError(t, a.AddDepended(b, dependable.CascadeFailure))
	aObs, err := Submit(m, a)
	require.NoError(t, err)
	require.True(t, aObs.WaitUntilAdded(5 * time.Second))

	close(releaseB)

	require.True(t, bObs.WaitForTerminalState(5 * time.Second))
	require.True(t, aObs.WaitForTerminalState(5 * time.Second))

	assert.Equal(t, state.FAULTED, a.State())
	assert.True(t, strings.Contains(a.StateMessage(), b.ID().String()), "message should name the upstream job")
}

// A cycle must be rejected and must not mutate the graph.
func TestCycleRejected(t *testing.T) {
	m := newTestManager(t)

	mkWaiting := func() *job.Job[string] {
		return job.New(job.Callbacks[string]{
			ConfigureRunPolicy: func() *runpolicy.RunPolicy {
				return runpolicy.NewBuilder().WithMaxAttempts(1).Build()
			},
			OnPrepare: func() state.State { return state.WAIT },
			DoWork: func(ctx context.Context) (*string, state.State) {
				out := "unreachable"
				return &out, state.SUCCEEDED
			},
		})
	}

	a := mkWaiting()
	aObs, err := Submit(m, a)
	require.NoError(t, err)
	require.True(t, aObs.WaitUntilAdded(5 * time.Second))

	b := mkWaiting()
	bObs, err := Submit(m, b)
	require.NoError(t, err)
	require.True(t, bObs.WaitUntilAdded(5 * time.Second))

	require.NoError(t, b.AddDepended(a, dependable.IgnoreFailure))

	err = a.AddDepended(b, dependable.IgnoreFailure)
	assert.Error(t, err)
	assert.Empty(t, a.Edges(), "a rejected cycle-closing edge must leave its graph unchanged")
}

func TestAddDependedOnUnregisteredTargetFails(t *testing.T) {
	m := newTestManager(t)

	notSubmitted := job.New(job.Callbacks[string]{
		DoWork: func(ctx context.Context) (*string, state.State) { return nil, state.SUCCEEDED },
	})

	a := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithMaxAttempts(1).Build()
		},
		OnPrepare: func() state.State { return state.WAIT },
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "unreachable"
			return &out, state.SUCCEEDED
		},
	})
	aObs, err := Submit(m, a)
	require.NoError(t, err)
	require.True(t, aObs.WaitUntilAdded(5 * time.Second))

	err = a.AddDepended(notSubmitted, dependable.IgnoreFailure)
	assert.Error(t, err)
}

func TestGetJobsOrderedByStartTime(t *testing.T) {
	m := newTestManager(t)

	var jobs []*job.Job[string]
	for i := 0; i < 3; i++ {
		j := job.New(job.Callbacks[string]{
			ConfigureRunPolicy: quickPolicy,
			OnPrepare:          func() state.State { return state.WAIT },
			DoWork: func(ctx context.Context) (*string, state.State) {
				out := "x"
				return &out, state.SUCCEEDED
			},
		})
		obs, err := Submit(m, j)
		require.NoError(t, err)
		require.True(t, obs.WaitUntilAdded(5 * time.Second))
		jobs = append(jobs, j)
		time.Sleep(2 * time.Millisecond)
	}

	listed := m.GetJobs()
	require.Len(t, listed, 3)
	for i := 1; i < len(listed); i++ {
		assert.False(t, listed[i].TimeJobStarted().Before(listed[i-1].TimeJobStarted()))
	}
}

// A job that reaches a terminal state is auto-evicted from the registry
// once its persist pass runs (MaybeEvict), without any explicit Clear or
// EvictRemovable call.
func TestTerminalJobsAreAutoEvicted(t *testing.T) {
	m := newTestManager(t)

	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: quickPolicy,
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "done"
			return &out, state.SUCCEEDED
		},
	})
	obs, err := Submit(m, j)
	require.NoError(t, err)
	require.True(t, obs.WaitForTerminalState(5*time.Second))

	require.Eventually(t, func() bool {
		_, ok := m.GetJob(j.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// EvictRemovable performs the same sweep on demand, useful when a caller
// wants a deterministic eviction point rather than relying on the
// automatic per-pass eviction racing with other assertions.
func TestEvictRemovableEvictsTerminalJobs(t *testing.T) {
	m := newTestManager(t)

	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: quickPolicy,
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "done"
			return &out, state.SUCCEEDED
		},
	})
	obs, err := Submit(m, j)
	require.NoError(t, err)
	require.True(t, obs.WaitForTerminalState(5*time.Second))

	// The background persist pass may have already evicted it; either way
	// a subsequent sweep must find it gone.
	m.EvictRemovable()
	_, ok := m.GetJob(j.ID())
	assert.False(t, ok)
}

// Clear drops every registered job unconditionally, including ones still
// in the work loop, and resets the persistor-reload flag.
func TestClearDropsAllJobsUnconditionally(t *testing.T) {
	m := newTestManager(t)

	j := job.New(job.Callbacks[string]{
		ConfigureRunPolicy: func() *runpolicy.RunPolicy {
			return runpolicy.NewBuilder().WithInitialDelay(time.Hour).Build()
		},
		DoWork: func(ctx context.Context) (*string, state.State) {
			out := "done"
			return &out, state.SUCCEEDED
		},
	})
	obs, err := Submit(m, j)
	require.NoError(t, err)
	require.True(t, obs.WaitUntilAdded(time.Second))
	require.False(t, j.State().IsTerminal())

	m.Clear()

	_, ok := m.GetJob(j.ID())
	assert.False(t, ok)
}

// A job left in the work loop by a prior process (simulated here by
// seeding the persistor directly, rather than via Submit) is reconstructed
// as WAIT on first access and resumes its service pass from there.
func TestPersistorBacklogIsLoadedOnFirstAccess(t *testing.T) {
	persistor := persist.NewMemory()
	staleID := depid.New()
	require.NoError(t, persistor.PutJob(persist.Record{
		ID:     staleID,
		TypeID: "example.resumable",
		State:  state.BUSY, // the process crashed mid-attempt
	}))

	m := New(WithWorkerCapacity(4), WithPersistor(persistor))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	m.RegisterFactory("example.resumable", func(rec persist.Record, mh job.ManagerHandle) (job.AnyJob, error) {
		return job.Rehydrate(rec, job.Callbacks[string]{
			ConfigureRunPolicy: quickPolicy,
			DoWork: func(ctx context.Context) (*string, state.State) {
				out := "resumed"
				return &out, state.SUCCEEDED
			},
		}, stringCodec{}, mh)
	})

	jobs := m.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, staleID, jobs[0].ID())
	assert.Equal(t, state.WAIT, jobs[0].State())

	require.Eventually(t, func() bool {
		j, ok := m.GetJob(staleID)
		return ok && j.State() == state.SUCCEEDED
	}, 5*time.Second, 5*time.Millisecond)
}

// Persisted records whose TypeID has no registered factory are skipped
// (best-effort replay), not fatal.
func TestPersistorBacklogSkipsUnregisteredTypeID(t *testing.T) {
	persistor := persist.NewMemory()
	require.NoError(t, persistor.PutJob(persist.Record{
		ID:     depid.New(),
		TypeID: "example.unknown",
		State:  state.WAIT,
	}))

	m := New(WithWorkerCapacity(4), WithPersistor(persistor))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	assert.Empty(t, m.GetJobs())
}

type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }
