// Package jobmanager implements the JobManager registry and scheduler: it
// owns every submitted job's identity, drives their service passes on a
// single-threaded loop (internal/serviceloop), and bounds concurrent
// DoWork/Rollback execution on a worker pool sized from runtime.GOMAXPROCS
// via go.uber.org/automaxprocs, the same container-aware CPU detection
// idiom production Go services use to size worker pools correctly under
// cgroup limits.
package jobmanager

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/internal/serviceloop"
	"github.com/go-jobkit/jobkit/job"
	"github.com/go-jobkit/jobkit/persist"
	"github.com/go-jobkit/jobkit/state"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDefaultPollInterval = 25 * time.Millisecond
	defaultMaxPollInterval     = 2 * time.Second
	defaultRollbackTimeout     = 10 * time.Second
	workerCapacityMultiplier   = 3
)

var enableMaxProcsOnce sync.Once

// Factory reconstructs an AnyJob from a persisted Record at startup, given
// the owning Manager (as a job.ManagerHandle). Callers register one per
// stable TypeID via RegisterFactory; a record whose TypeID has no
// registered factory is logged and skipped (best-effort replay).
type Factory func(rec persist.Record, mh job.ManagerHandle) (job.AnyJob, error)

// Manager is the JobManager: a registry of AnyJob plus everything Job needs
// from its owning manager (it implements job.ManagerHandle).
type Manager struct {
	mu   sync.RWMutex
	jobs map[depid.ID]job.AnyJob

	factoryMu sync.RWMutex
	factories map[string]Factory

	loaded bool // guards the persistor-reload lazily run on first access

	loop *serviceloop.Loop
	stop chan struct{}

	sem *semaphore.Weighted

	persistor persist.Persistor
	logger    job.Logger

	defaultPollInterval time.Duration
	maxPollInterval     time.Duration
	rollbackTimeout     time.Duration
}

// New constructs and starts a Manager. Call Shutdown to stop its service
// loop.
func New(opts ...Option) *Manager {
	enableMaxProcsOnce.Do(func() {
		_, _ = maxprocs.Set()
	})

	o := managerOptions{
		workerCapacity:      workerCapacityMultiplier * (1 + runtime.GOMAXPROCS(0)),
		defaultPollInterval: defaultDefaultPollInterval,
		maxPollInterval:     defaultMaxPollInterval,
		rollbackTimeout:     defaultRollbackTimeout,
		logger:              job.NoopLogger,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}

	m := &Manager{
		jobs:                make(map[depid.ID]job.AnyJob),
		factories:           make(map[string]Factory),
		loop:                serviceloop.New(),
		stop:                make(chan struct{}),
		sem:                 semaphore.NewWeighted(int64(o.workerCapacity)),
		persistor:           o.persistor,
		logger:              o.logger,
		defaultPollInterval: o.defaultPollInterval,
		maxPollInterval:     o.maxPollInterval,
		rollbackTimeout:     o.rollbackTimeout,
	}
	go m.loop.Run(m.stop)
	return m
}

// RegisterFactory declares how to reconstruct a persisted job of the given
// TypeID on the next persistor reload. Call before the first Submit/GetJob/
// GetJobs access (whichever runs first triggers the reload); registering
// after reload has already run has no effect on jobs already (or not)
// reconstructed.
func (m *Manager) RegisterFactory(typeID string, f Factory) {
	m.factoryMu.Lock()
	defer m.factoryMu.Unlock()
	m.factories[typeID] = f
}

func (m *Manager) factory(typeID string) (Factory, bool) {
	m.factoryMu.RLock()
	defer m.factoryMu.RUnlock()
	f, ok := m.factories[typeID]
	return f, ok
}

// ensureLoaded runs the persistor's ListJobs exactly once per "generation"
// (reset by Clear), reconstructing every persisted record via its
// registered Factory and re-scheduling non-terminal jobs for service. A
// record whose TypeID has no registered factory is logged and skipped:
// best-effort replay, not guaranteed reconstruction.
func (m *Manager) ensureLoaded() {
	m.mu.Lock()
	if m.loaded || m.persistor == nil {
		m.loaded = true
		m.mu.Unlock()
		return
	}
	m.loaded = true
	m.mu.Unlock()

	recs, err := m.persistor.ListJobs()
	if err != nil {
		m.logger.Error("persistor list failed", "error", err)
		return
	}
	for _, rec := range recs {
		factory, ok := m.factory(rec.TypeID)
		if !ok {
			m.logger.Warn("no factory registered for persisted job type; skipping", "type", rec.TypeID, "job", rec.ID.String())
			continue
		}
		j, err := factory(rec, m)
		if err != nil {
			m.logger.Error("rehydrate job failed", "type", rec.TypeID, "job", rec.ID.String(), "error", err)
			continue
		}
		m.register(j)
		if !j.State().IsTerminal() {
			m.loop.Submit(func() { j.RunServicePass(m) })
		}
	}
}

// Submit binds j to m, registers it, and schedules its first service pass.
// It is a package-level function (not a method) because Go forbids type
// parameters on methods: the returned Observer needs j's result type T,
// which a *Manager receiver alone can't carry.
func Submit[T any](m *Manager, j *job.Job[T]) (*job.Observer[T], error) {
	m.ensureLoaded()
	if err := j.Bind(m); err != nil {
		return nil, err
	}
	m.register(j)
	obs := j.Observer()
	m.loop.Submit(func() { j.RunServicePass(m) })
	return obs, nil
}

func (m *Manager) register(j job.AnyJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID()] = j
}

// GetJob returns the job registered under id, if any, loading any persisted
// backlog first if this is the first access since construction or the last
// Clear.
func (m *Manager) GetJob(id depid.ID) (job.AnyJob, bool) {
	m.ensureLoaded()
	return m.LookupJob(id)
}

// GetJobs returns every registered job, ordered by TimeJobStarted ascending
// for a stable listing, loading any persisted backlog first.
func (m *Manager) GetJobs() []job.AnyJob {
	m.ensureLoaded()
	jobs := m.ActiveJobs()
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].TimeJobStarted().Before(jobs[k].TimeJobStarted())
	})
	return jobs
}

// hasNonRemovableDependentOf reports whether some other registered,
// non-terminal job holds an edge to id that its own IsRemovable would
// refuse. Called with m.mu held.
func (m *Manager) hasNonRemovableDependentOf(id depid.ID) bool {
	for _, other := range m.jobs {
		if other.ID() == id || other.State().IsTerminal() {
			continue
		}
		for _, e := range other.Edges() {
			if e.Target.ID() == id {
				return true
			}
		}
	}
	return false
}

// EvictRemovable scans the registry once, evicting every removable job
// (terminal, and not depended on non-removably by another active job) from
// both the registry and the persistor, if configured. Returns the count
// removed. MaybeEvict (called automatically after each terminal job's
// persist pass) is the targeted single-job equivalent; EvictRemovable is
// exposed for callers that want a registry-wide sweep (e.g. periodic
// maintenance).
func (m *Manager) EvictRemovable() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, j := range m.jobs {
		if j.IsRemovable(func() bool { return m.hasNonRemovableDependentOf(id) }) {
			delete(m.jobs, id)
			removed++
			if m.persistor != nil {
				if err := m.persistor.RemoveJob(id); err != nil {
					m.logger.Warn("persistor remove failed", "job", id.String(), "error", err)
				}
			}
		}
	}
	return removed
}

// MaybeEvict implements job.ManagerHandle: it evicts j, after a persist
// pass, if it is now removable. A no-op for non-terminal jobs.
func (m *Manager) MaybeEvict(j job.AnyJob) {
	if !j.State().IsTerminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := j.ID()
	if _, ok := m.jobs[id]; !ok {
		return
	}
	if !j.IsRemovable(func() bool { return m.hasNonRemovableDependentOf(id) }) {
		return
	}
	delete(m.jobs, id)
	if m.persistor != nil {
		if err := m.persistor.RemoveJob(id); err != nil {
			m.logger.Warn("persistor remove failed", "job", id.String(), "error", err)
		}
	}
}

// Clear drops every registered job unconditionally, clears the persistor if
// one is configured, and resets the reload flag so the next GetJob/GetJobs/
// Submit call replays the persistor's backlog from scratch.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[depid.ID]job.AnyJob)
	m.loaded = false
	if m.persistor != nil {
		if err := m.persistor.Clear(); err != nil {
			m.logger.Warn("persistor clear failed", "error", err)
		}
	}
}

// Metrics is a point-in-time count of registered jobs by state.
type Metrics struct {
	Total   int
	ByState map[state.State]int
}

// Metrics reports the current registry composition.
func (m *Manager) Metrics() Metrics {
	m.ensureLoaded()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Metrics{Total: len(m.jobs), ByState: make(map[state.State]int, 8)}
	for _, j := range m.jobs {
		out.ByState[j.State()]++
	}
	return out
}

// Shutdown stops the service loop, waiting for its goroutine to return or
// ctx to be done, whichever comes first. The loop returns at its next wait
// without running work still queued on it; in-flight worker pool tasks are
// not waited for.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stop)
	select {
	case <-m.loop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- job.ManagerHandle ---

// IsActive implements dependable.ActiveChecker.
func (m *Manager) IsActive(id depid.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.jobs[id]
	return ok
}

// ActiveJobs implements job.ManagerHandle.
func (m *Manager) ActiveJobs() []job.AnyJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]job.AnyJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// LookupJob implements job.ManagerHandle.
func (m *Manager) LookupJob(id depid.ID) (job.AnyJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// SubmitWork implements job.ManagerHandle: runs fn on a worker-pool
// goroutine bounded by m.sem, returning a best-effort cancel func.
func (m *Manager) SubmitWork(fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)
		fn(ctx)
	}()
	return cancel
}

// ServiceNow implements job.ManagerHandle.
func (m *Manager) ServiceNow(j job.AnyJob) {
	m.loop.Submit(func() { j.RunServicePass(m) })
}

// ScheduleAfter implements job.ManagerHandle.
func (m *Manager) ScheduleAfter(j job.AnyJob, d time.Duration) {
	m.loop.ScheduleAfter(func() { j.RunServicePass(m) }, d)
}

// Persistor implements job.ManagerHandle.
func (m *Manager) Persistor() persist.Persistor { return m.persistor }

// Logger implements job.ManagerHandle.
func (m *Manager) Logger() job.Logger { return m.logger }

// RollbackTimeout implements job.ManagerHandle.
func (m *Manager) RollbackTimeout() time.Duration { return m.rollbackTimeout }

// DefaultPollInterval implements job.ManagerHandle.
func (m *Manager) DefaultPollInterval() time.Duration { return m.defaultPollInterval }

// MaxPollInterval implements job.ManagerHandle.
func (m *Manager) MaxPollInterval() time.Duration { return m.maxPollInterval }
