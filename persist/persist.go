// Package persist defines the durable-storage contract jobkit depends on,
// treating the concrete backend as an external collaborator, plus two
// reference implementations: an in-memory store for tests, and a JSON file
// store for single-process clients.
package persist

import (
	"time"

	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/state"
)

// Record is a fully materialized, persistable snapshot of one job. Payload
// is the caller-supplied Codec's encoding of the job's result, if any.
type Record struct {
	ID               depid.ID
	TypeID           string
	State            state.State
	StateMessage     string
	Payload          []byte
	HasPayload       bool
	TimeJobStarted   time.Time
	AttemptsConsumed int
}

// Persistor is the durable-storage contract. Implementations must be safe
// for concurrent use: jobkit writes records from its service thread, while
// the reload (ListJobs), Clear and EvictRemovable paths of
// jobmanager.Manager call it from the caller's goroutine.
type Persistor interface {
	// ListJobs returns every persisted job, invoked once at first access.
	ListJobs() ([]Record, error)
	// PutJob upserts a record.
	PutJob(r Record) error
	// RemoveJob deletes a record, if present.
	RemoveJob(id depid.ID) error
	// Clear deletes every persisted record.
	Clear() error
}

// Codec converts a job's result to and from bytes, so persist can remain
// generic over any result type T without reflection. Jobs that never
// declare persistence (job.Job.SetPersistence) are not persistable: they
// are logged and not durably stored, which is a warning condition, not an
// error. A job that declares a type ID with a nil Codec is stored without
// its result payload.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}
