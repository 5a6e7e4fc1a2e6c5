// Package gating provides concrete runpolicy.GatingCondition implementations.
// The core engine only consumes the interface, treating concrete gating
// conditions as an external collaborator; this package supplies the two
// kinds a client application most commonly needs.
package gating

import "fmt"

// PredicateCondition adapts a plain boolean-valued function plus a static
// message into a runpolicy.GatingCondition, e.g. for a network-reachability
// probe supplied by host application code.
type PredicateCondition struct {
	Predicate func() bool
	Unmet     string
}

// NewPredicate builds a PredicateCondition. A nil predicate always reports
// satisfied.
func NewPredicate(message string, predicate func() bool) *PredicateCondition {
	return &PredicateCondition{Predicate: predicate, Unmet: message}
}

// IsSatisfied evaluates the predicate.
func (c *PredicateCondition) IsSatisfied() bool {
	if c.Predicate == nil {
		return true
	}
	return c.Predicate()
}

// Message returns the configured unmet-condition message.
func (c *PredicateCondition) Message() string {
	if c.Unmet == "" {
		return "gating condition not satisfied"
	}
	return c.Unmet
}

// NetworkAvailable is a convenience PredicateCondition constructor for the
// most common gate: "don't start an attempt until the host reports network
// connectivity". probe is typically backed by a platform reachability API;
// jobkit has no opinion on how it's implemented.
func NetworkAvailable(probe func() bool) *PredicateCondition {
	return NewPredicate("network unavailable", probe)
}

var _ fmt.Stringer = (*PredicateCondition)(nil)

// String renders the condition for log fields.
func (c *PredicateCondition) String() string {
	if c.IsSatisfied() {
		return "gating(satisfied)"
	}
	return "gating(unsatisfied: " + c.Message() + ")"
}
