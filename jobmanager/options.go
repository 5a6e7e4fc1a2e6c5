package jobmanager

import (
	"time"

	"github.com/go-jobkit/jobkit/job"
	"github.com/go-jobkit/jobkit/persist"
)

// managerOptions holds the resolved configuration for a Manager, built with
// the same resolve-then-apply functional-options shape used throughout
// jobkit's constructors.
type managerOptions struct {
	workerCapacity      int
	defaultPollInterval time.Duration
	maxPollInterval     time.Duration
	rollbackTimeout     time.Duration
	persistor           persist.Persistor
	logger              job.Logger
}

// Option configures a Manager at construction.
type Option interface {
	apply(*managerOptions)
}

type optionFunc func(*managerOptions)

func (f optionFunc) apply(o *managerOptions) { f(o) }

// WithWorkerCapacity overrides the bounded worker pool's capacity. The
// default sizes from runtime.GOMAXPROCS.
func WithWorkerCapacity(n int) Option {
	return optionFunc(func(o *managerOptions) { o.workerCapacity = n })
}

// WithPersistor configures the durable storage backend. Without one,
// PersistenceRecord writes are skipped (in-memory-only operation).
func WithPersistor(p persist.Persistor) Option {
	return optionFunc(func(o *managerOptions) { o.persistor = p })
}

// WithLogger configures structured logging. Defaults to job.NoopLogger.
func WithLogger(l job.Logger) Option {
	return optionFunc(func(o *managerOptions) { o.logger = l })
}

// WithDefaultPollInterval sets the wake delay a job's adaptive poll
// interval resets to after every state change.
func WithDefaultPollInterval(d time.Duration) Option {
	return optionFunc(func(o *managerOptions) { o.defaultPollInterval = d })
}

// WithMaxPollInterval sets the ceiling the adaptive poll interval grows to.
func WithMaxPollInterval(d time.Duration) Option {
	return optionFunc(func(o *managerOptions) { o.maxPollInterval = d })
}

// WithRollbackTimeout bounds how long the service thread waits for a
// Rollback callback before warning and proceeding.
func WithRollbackTimeout(d time.Duration) Option {
	return optionFunc(func(o *managerOptions) { o.rollbackTimeout = d })
}
