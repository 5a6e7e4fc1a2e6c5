// Package runpolicy implements the per-job policy machine: attempt
// counting, timeouts, retry backoff, gating conditions and the optional
// concurrency identity, all validated independently of the state machine
// itself (job.Job asks RunPolicy to validate any requested transition).
package runpolicy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/go-jobkit/jobkit/concurrency"
	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/jobkiterr"
	"github.com/go-jobkit/jobkit/state"
)

// for testing purposes, the way catrate stubs time.Now
var timeNow = time.Now

// GatingCondition is an external predicate that must hold before any
// attempt may start, e.g. network reachability.
type GatingCondition interface {
	// IsSatisfied reports whether the condition currently holds.
	IsSatisfied() bool
	// Message describes why the condition is unsatisfied, for stateMessage.
	Message() string
}

const (
	defaultMaxAttempts          = 5
	defaultJobTimeout           = 24 * time.Hour
	defaultAttemptTimeout       = 24 * time.Hour
	defaultRetryDelay           = 5 * time.Second
	jobTimeoutPresetMaxAttempts = 50
	defaultBackoffMax           = 30 * time.Second
	defaultBackoffInitialMin    = 500 * time.Millisecond
	defaultBackoffInitialSpan   = 1000 * time.Millisecond // 500-1500ms
)

// RunPolicy governs when a job may attempt work and when it must fail. A
// RunPolicy is bound to at most one job identity (SetJobID is one-shot);
// use Builder.Build to produce independent instances for distinct jobs.
type RunPolicy struct {
	mu sync.Mutex

	jobID    depid.ID
	jobIDSet bool

	maxAttempts       int
	attemptsRemaining int

	jobTimeout     time.Duration
	attemptTimeout time.Duration

	delayOnFailedAttempt    time.Duration
	delayOnFailedAttemptMax time.Duration // 0 => static delay
	initialDelay            time.Duration

	timeJobStarted     time.Time
	timeAttemptStarted time.Time // zero when no attempt in progress
	timeOfNextAttempt  time.Time

	stateMessage string

	concurrencyPolicy concurrency.Policy
	gating            []GatingCondition
}

// New constructs a RunPolicy with conservative defaults: 5 attempts, 24h
// job timeout, 24h attempt timeout, a static 5s retry delay, no initial
// delay, no gating, no concurrency policy.
func New() *RunPolicy {
	return NewBuilder().Build()
}

// SetJobID binds the policy to a job identity. Re-binding to a different ID
// is rejected; binding the same ID again is a no-op.
func (p *RunPolicy) SetJobID(id depid.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobIDSet && p.jobID != id {
		return &jobkiterr.InvalidStateError{Message: "runpolicy: already bound to a different job"}
	}
	p.jobID = id
	p.jobIDSet = true
	return nil
}

// ConcurrencyPolicy returns the configured policy and whether one was set.
func (p *RunPolicy) ConcurrencyPolicy() (concurrency.Policy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concurrencyPolicy, !p.concurrencyPolicy.IsZero()
}

// Reset restarts the attempt/timing bookkeeping: attemptsRemaining is
// restored to maxAttempts, timeJobStarted is set to now, no attempt is in
// progress, the next attempt is eligible after initialDelay, and any
// terminal message is cleared.
func (p *RunPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *RunPolicy) reset() {
	now := timeNow()
	p.attemptsRemaining = p.maxAttempts
	p.timeJobStarted = now
	p.timeAttemptStarted = time.Time{}
	p.timeOfNextAttempt = now.Add(p.initialDelay)
	p.stateMessage = ""
}

// OnAttemptStarted records the start of a new attempt. The caller (the
// service loop) has already decided to start; this method does not guard.
func (p *RunPolicy) OnAttemptStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeAttemptStarted = timeNow()
	p.attemptsRemaining--
}

// OnAttemptFailed records a failed attempt, advances the backoff, and
// returns the state the job should move to: WAIT (retry later) or FAULTED
// (no more retries, or the job has aged out).
func (p *RunPolicy) OnAttemptFailed() state.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onAttemptFailed()
}

func (p *RunPolicy) onAttemptFailed() state.State {
	now := timeNow()
	p.timeAttemptStarted = time.Time{}
	p.timeOfNextAttempt = now.Add(p.delayOnFailedAttempt)
	if p.delayOnFailedAttemptMax > 0 {
		next := p.delayOnFailedAttempt * 2
		if next > p.delayOnFailedAttemptMax {
			next = p.delayOnFailedAttemptMax
		}
		p.delayOnFailedAttempt = next
	}
	if p.timeOfNextAttempt.After(p.timeJobStarted.Add(p.jobTimeout)) {
		p.stateMessage = "timed out"
		return state.FAULTED
	}
	if p.attemptsRemaining <= 0 {
		p.stateMessage = "no more retries"
		return state.FAULTED
	}
	p.stateMessage = ""
	return state.WAIT
}

// ShouldStart reports whether a new attempt may begin right now.
func (p *RunPolicy) ShouldStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldStart()
}

func (p *RunPolicy) shouldStart() bool {
	now := timeNow()
	if !p.timeAttemptStarted.IsZero() {
		return false
	}
	if p.attemptsRemaining <= 0 {
		return false
	}
	if now.Before(p.timeOfNextAttempt) {
		return false
	}
	if p.jobTimedOut(now) {
		return false
	}
	for _, g := range p.gating {
		if !g.IsSatisfied() {
			return false
		}
	}
	return true
}

// ShouldFailAttempt reports whether the current (or most recent) attempt
// must be considered failed: it is false until at least one attempt has
// started.
func (p *RunPolicy) ShouldFailAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldFailAttempt()
}

func (p *RunPolicy) shouldFailAttempt() bool {
	if p.attemptsRemaining == p.maxAttempts {
		// no attempt has ever been made
		return false
	}
	now := timeNow()
	if p.jobTimedOut(now) {
		return true
	}
	if p.timeAttemptStarted.IsZero() {
		return true
	}
	return now.Sub(p.timeAttemptStarted) > p.attemptTimeout
}

// ShouldFailJob reports whether the job as a whole must fail.
func (p *RunPolicy) ShouldFailJob() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldFailJob()
}

func (p *RunPolicy) shouldFailJob() bool {
	now := timeNow()
	if p.jobTimedOut(now) {
		return true
	}
	attemptNotRunningOrShouldFail := p.timeAttemptStarted.IsZero() || p.shouldFailAttempt()
	return attemptNotRunningOrShouldFail && p.attemptsRemaining <= 0
}

func (p *RunPolicy) jobTimedOut(now time.Time) bool {
	if p.timeJobStarted.IsZero() {
		return false
	}
	return now.After(p.timeJobStarted.Add(p.jobTimeout))
}

// ValidateRequestedState validates s against the policy, substituting a
// different state where the policy's bookkeeping overrides the caller's
// request.
func (p *RunPolicy) ValidateRequestedState(s state.State) state.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.IsTerminal() {
		return s
	}
	if p.shouldFailJob() {
		return state.FAULTED
	}
	if s == state.READY {
		if !p.timeAttemptStarted.IsZero() {
			return p.onAttemptFailed()
		}
		if p.timeOfNextAttempt.After(timeNow()) {
			return state.WAIT
		}
		return s
	}
	if s == state.BUSY {
		if !p.timeAttemptStarted.IsZero() && p.shouldFailAttempt() {
			return p.onAttemptFailed()
		}
		return s
	}
	return s
}

// ScheduleNow clears any retry-delay floor, making the next ShouldStart call
// eligible immediately (subject to attempts/gating/timeout).
func (p *RunPolicy) ScheduleNow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeOfNextAttempt = time.Time{}
}

// TimeOfNextAttempt returns the earliest time the next attempt may start.
func (p *RunPolicy) TimeOfNextAttempt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeOfNextAttempt
}

// TimeAttemptStarted returns the start time of the in-progress attempt, or
// the zero Time if none is running.
func (p *RunPolicy) TimeAttemptStarted() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeAttemptStarted
}

// TimeJobStarted returns when Reset last ran (job age baseline).
func (p *RunPolicy) TimeJobStarted() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeJobStarted
}

// AttemptTimeout returns the configured per-attempt timeout.
func (p *RunPolicy) AttemptTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attemptTimeout
}

// AttemptsRemaining returns the number of attempts still available.
func (p *RunPolicy) AttemptsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attemptsRemaining
}

// Message returns the terminal stateMessage if one is set, else the first
// unsatisfied gating condition's message, else "".
func (p *RunPolicy) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stateMessage != "" {
		return p.stateMessage
	}
	for _, g := range p.gating {
		if !g.IsSatisfied() {
			return g.Message()
		}
	}
	return ""
}

// BuildUpon returns a Builder seeded from a deep copy of p's configuration
// (not its live timing state). Building it produces a fresh, independent,
// reset RunPolicy.
func (p *RunPolicy) BuildUpon() *Builder {
	p.mu.Lock()
	defer p.mu.Unlock()
	gating := make([]GatingCondition, len(p.gating))
	copy(gating, p.gating)
	return &Builder{
		maxAttempts:             p.maxAttempts,
		jobTimeout:              p.jobTimeout,
		attemptTimeout:          p.attemptTimeout,
		delayOnFailedAttempt:    p.delayOnFailedAttempt,
		delayOnFailedAttemptMax: p.delayOnFailedAttemptMax,
		initialDelay:            p.initialDelay,
		concurrencyPolicy:       p.concurrencyPolicy,
		gating:                  gating,
	}
}

// Builder assembles a RunPolicy via chained With* calls, the way the
// teacher's eventloop.LoopOption functions assemble loopOptions, except
// here the chain is fluent (mirrors a Java-style policy builder) rather
// than a variadic option slice, since callers build up policy
// incrementally and conditionally.
type Builder struct {
	maxAttempts             int
	jobTimeout              time.Duration
	attemptTimeout          time.Duration
	delayOnFailedAttempt    time.Duration
	delayOnFailedAttemptMax time.Duration
	initialDelay            time.Duration
	concurrencyPolicy       concurrency.Policy
	gating                  []GatingCondition
}

// NewBuilder returns a Builder seeded with New's defaults.
func NewBuilder() *Builder {
	return &Builder{
		maxAttempts:          defaultMaxAttempts,
		jobTimeout:           defaultJobTimeout,
		attemptTimeout:       defaultAttemptTimeout,
		delayOnFailedAttempt: defaultRetryDelay,
	}
}

// NewJobTimeoutPreset seeds a Builder with the "job-timeout preset": 50
// attempts plus the requested job timeout.
func NewJobTimeoutPreset(jobTimeout time.Duration) *Builder {
	return NewBuilder().WithMaxAttempts(jobTimeoutPresetMaxAttempts).WithJobTimeout(jobTimeout)
}

// WithMaxAttempts sets the number of attempts allowed per job lifetime.
func (b *Builder) WithMaxAttempts(n int) *Builder {
	b.maxAttempts = n
	return b
}

// WithJobTimeout sets the maximum age of the job, from Reset, before it is
// forced to FAULTED.
func (b *Builder) WithJobTimeout(t time.Duration) *Builder {
	b.jobTimeout = t
	return b
}

// WithAttemptTimeout sets the maximum duration of a single attempt.
func (b *Builder) WithAttemptTimeout(t time.Duration) *Builder {
	b.attemptTimeout = t
	return b
}

// WithRetryDelay sets a static retry delay (disables backoff growth).
func (b *Builder) WithRetryDelay(t time.Duration) *Builder {
	b.delayOnFailedAttempt = t
	b.delayOnFailedAttemptMax = 0
	return b
}

// WithExponentialBackoff enables the default backoff: a randomized initial
// delay between 500ms and 1500ms, doubling on each failure, capped at 30s.
func (b *Builder) WithExponentialBackoff() *Builder {
	initial := defaultBackoffInitialMin + time.Duration(rand.Int63n(int64(defaultBackoffInitialSpan)))
	return b.WithExponentialBackoffDuration(initial, defaultBackoffMax)
}

// WithExponentialBackoffDuration enables backoff with an explicit initial
// delay and cap.
func (b *Builder) WithExponentialBackoffDuration(initial, cap_ time.Duration) *Builder {
	b.delayOnFailedAttempt = initial
	b.delayOnFailedAttemptMax = cap_
	return b
}

// WithInitialDelay sets the delay, from Reset, before the first attempt is
// eligible to start.
func (b *Builder) WithInitialDelay(t time.Duration) *Builder {
	b.initialDelay = t
	return b
}

// WithGatingCondition adds a gating condition; may be called repeatedly,
// and all added conditions must be satisfied for ShouldStart to return true.
func (b *Builder) WithGatingCondition(g GatingCondition) *Builder {
	if g != nil {
		b.gating = append(b.gating, g)
	}
	return b
}

// WithConcurrencyPolicy sets the concurrency identity; at most one may be
// set, and the last call wins.
func (b *Builder) WithConcurrencyPolicy(p concurrency.Policy) *Builder {
	b.concurrencyPolicy = p
	return b
}

// Build produces a fresh, independent RunPolicy from the builder's
// configuration, with attemptsRemaining initialized to maxAttempts.
func (b *Builder) Build() *RunPolicy {
	gating := make([]GatingCondition, len(b.gating))
	copy(gating, b.gating)
	p := &RunPolicy{
		maxAttempts:             b.maxAttempts,
		jobTimeout:              b.jobTimeout,
		attemptTimeout:          b.attemptTimeout,
		delayOnFailedAttempt:    b.delayOnFailedAttempt,
		delayOnFailedAttemptMax: b.delayOnFailedAttemptMax,
		initialDelay:            b.initialDelay,
		concurrencyPolicy:       b.concurrencyPolicy,
		gating:                  gating,
	}
	p.reset()
	return p
}
