// Package config loads JobManager tuning parameters from a TOML file: a
// flat table of durations and counts, without requiring jobkit itself to
// depend on any particular CLI flag or env var convention.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-jobkit/jobkit/jobmanager"
)

// Tuning holds every JobManager knob left to the operator: worker pool
// sizing, poll interval bounds, and the rollback grace period.
// Zero-valued fields are left for jobmanager's own defaults to fill in.
type Tuning struct {
	// WorkerCapacity bounds the number of concurrent DoWork/Rollback
	// invocations. Zero means "size from GOMAXPROCS".
	WorkerCapacity int `toml:"worker_capacity"`

	// DefaultPollInterval is the wake delay a job's adaptive poll interval
	// resets to after every state change.
	DefaultPollInterval Duration `toml:"default_poll_interval"`

	// MaxPollInterval caps how far the adaptive poll interval may grow for
	// an idle, unchanging job.
	MaxPollInterval Duration `toml:"max_poll_interval"`

	// RollbackTimeout bounds how long the service thread waits for a
	// Rollback callback before logging a warning and moving on.
	RollbackTimeout Duration `toml:"rollback_timeout"`
}

// Options translates t into the jobmanager.Option list a Manager
// constructor expects. Zero-valued fields are omitted so jobmanager's own
// defaults apply, matching the doc comments on Tuning's fields.
func (t Tuning) Options() []jobmanager.Option {
	var opts []jobmanager.Option
	if t.WorkerCapacity != 0 {
		opts = append(opts, jobmanager.WithWorkerCapacity(t.WorkerCapacity))
	}
	if t.DefaultPollInterval != 0 {
		opts = append(opts, jobmanager.WithDefaultPollInterval(time.Duration(t.DefaultPollInterval)))
	}
	if t.MaxPollInterval != 0 {
		opts = append(opts, jobmanager.WithMaxPollInterval(time.Duration(t.MaxPollInterval)))
	}
	if t.RollbackTimeout != 0 {
		opts = append(opts, jobmanager.WithRollbackTimeout(time.Duration(t.RollbackTimeout)))
	}
	return opts
}

// Duration is a time.Duration that decodes from TOML's native string
// encoding (e.g. "250ms", "5s"), since BurntSushi/toml has no opinion on
// duration syntax by default.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, the hook toml.Decode
// uses for any type satisfying it.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Load decodes a Tuning from the TOML file at path.
func Load(path string) (Tuning, error) {
	var t Tuning
	_, err := toml.DecodeFile(path, &t)
	return t, err
}

// LoadString decodes a Tuning from a TOML document already in memory,
// primarily for tests and embedded defaults.
func LoadString(doc string) (Tuning, error) {
	var t Tuning
	_, err := toml.Decode(doc, &t)
	return t, err
}
