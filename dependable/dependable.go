// Package dependable implements the "depends-on" graph shared by every Job:
// edge storage, on-line cycle detection, and the rewrite performed when a
// depended job is assimilated into a survivor. It holds no scheduling logic
// of its own; Job embeds a *Base and supplies the state/identity accessors
// the graph walk needs via the Node interface.
package dependable

import (
	"sync"

	"github.com/go-jobkit/jobkit/depid"
	"github.com/go-jobkit/jobkit/jobkiterr"
	"github.com/go-jobkit/jobkit/state"
)

// FailureStrategy controls whether a depended job's FAULTED state propagates
// to its dependents.
type FailureStrategy uint8

const (
	// IgnoreFailure means the dependent may still attempt work after the
	// depended job faults.
	IgnoreFailure FailureStrategy = iota
	// CascadeFailure means a FAULTED depended job forces its dependent
	// toward FAULTED via onDependencyFailed.
	CascadeFailure
)

// Node is the view of a Dependable the graph walk needs. Job implements it
// directly (ID/Edges delegate to the embedded *Base; State/AssimilatedBy are
// the job's own bookkeeping).
type Node interface {
	ID() depid.ID
	State() state.State
	// Edges returns a snapshot of this node's outgoing edges.
	Edges() []Edge
	// AssimilatedBy returns the surviving node this one was merged into, if
	// its state is ASSIMILATED.
	AssimilatedBy() (Node, bool)
}

// Edge is one outgoing "depends-on" relationship.
type Edge struct {
	Target   Node
	Strategy FailureStrategy
}

// ActiveChecker answers whether an ID currently names a registered,
// non-evicted job in the owning JobManager. Base consults it, once bound, to
// reject edges to jobs the manager doesn't know about.
type ActiveChecker interface {
	IsActive(id depid.ID) bool
}

// Base is the embeddable graph participant. Zero value is not usable; build
// one with NewBase.
type Base struct {
	mu      sync.RWMutex
	id      depid.ID
	checker ActiveChecker
	edges   map[depid.ID]Edge
}

// NewBase constructs a Base for the given identity.
func NewBase(id depid.ID) *Base {
	return &Base{id: id, edges: make(map[depid.ID]Edge)}
}

// ID returns this node's identity.
func (b *Base) ID() depid.ID { return b.id }

// Bind attaches the ActiveChecker used to validate future edges. It is a
// one-shot operation: binding to a different checker than one already set
// is an error, mirroring RunPolicy's "bound at most once" rule.
func (b *Base) Bind(checker ActiveChecker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.checker != nil && b.checker != checker {
		return &jobkiterr.InvalidStateError{Message: "dependable: already bound to a different JobManager"}
	}
	b.checker = checker
	return nil
}

// Edges returns a snapshot of outgoing edges, safe to range over without
// holding the node's lock.
func (b *Base) Edges() []Edge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Edge, 0, len(b.edges))
	for _, e := range b.edges {
		out = append(out, e)
	}
	return out
}

// DependingMode returns the strategy of the edge to id, if one exists.
func (b *Base) DependingMode(id depid.ID) (FailureStrategy, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.edges[id]
	if !ok {
		return 0, false
	}
	return e.Strategy, true
}

// RemoveEdge removes any edge targeting id.
func (b *Base) RemoveEdge(id depid.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.edges, id)
}

// AddDepended adds an edge from self to target, validating and rejecting
// self-edges, inactive targets, and edges that would close a cycle. self
// must be the Node whose Edges()/ID() are backed by this Base (typically the
// embedding Job). If target is already ASSIMILATED, the edge is
// transparently rewritten to its assimilator.
func (b *Base) AddDepended(self Node, target Node, strategy FailureStrategy) error {
	if target.ID() == self.ID() {
		return &jobkiterr.DependencyError{Message: "dependable: a job cannot depend on itself"}
	}

	// Rewrite to the assimilator, following at most one hop: an assimilator
	// that was itself assimilated later is not followed further.
	if target.State() == state.ASSIMILATED {
		if survivor, ok := target.AssimilatedBy(); ok {
			target = survivor
		}
		if target.ID() == self.ID() {
			return &jobkiterr.DependencyError{Message: "dependable: a job cannot depend on itself"}
		}
	}

	b.mu.Lock()
	if b.checker != nil && !b.checker.IsActive(target.ID()) {
		b.mu.Unlock()
		return &jobkiterr.DependencyError{Message: "dependable: target " + target.ID().String() + " is not active in the owning JobManager"}
	}

	b.edges[target.ID()] = Edge{Target: target, Strategy: strategy}
	b.mu.Unlock()

	if cyclic(self) {
		b.mu.Lock()
		delete(b.edges, target.ID())
		b.mu.Unlock()
		return &jobkiterr.DependencyCycleError{Message: "dependable: edge to " + target.ID().String() + " would close a cycle"}
	}

	return nil
}

// cyclic performs a depth-first walk over self's outgoing edges, reporting
// true iff self is reachable from one of its own dependeds (i.e. the graph,
// including the edge just added, is no longer acyclic).
func cyclic(self Node) bool {
	visited := make(map[depid.ID]bool)
	var walk func(n Node) bool
	walk = func(n Node) bool {
		for _, e := range n.Edges() {
			if e.Target.ID() == self.ID() {
				return true
			}
			if visited[e.Target.ID()] {
				continue
			}
			visited[e.Target.ID()] = true
			if walk(e.Target) {
				return true
			}
		}
		return false
	}
	return walk(self)
}

// IsSatisfied reports whether s counts as "done" for a dependent waiting on
// it: SUCCEEDED or ASSIMILATED.
func IsSatisfied(s state.State) bool {
	return s.IsSatisfied()
}
