// Package state is deliberately tiny: it holds only the State enum and the
// handful of predicates every other jobkit package needs to classify it.
// The transition rules themselves are enforced by the job package
// (Job.commit and its callers), not here.
package state
