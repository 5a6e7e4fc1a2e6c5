// Package concurrency defines the keyed identity used to detect job
// collisions. The actual resolution (cancel/merge/serialize) lives in the
// job package, since it needs to manipulate job state and dependency edges;
// this package only knows how to compare two policies for equality.
package concurrency

import "fmt"

// Kind selects the collision resolution strategy a Policy requests.
type Kind uint8

const (
	// FIFO means a colliding candidate waits on the existing job via an
	// IgnoreFailure dependency edge; both survive.
	FIFO Kind = iota
	// SingletonKeepExisting means a colliding candidate is assimilated into
	// the existing job if the existing job's Assimilate callback accepts it,
	// otherwise it falls back to FIFO-style waiting.
	SingletonKeepExisting
	// SingletonReplaceExisting means the new candidate attempts to absorb
	// the existing job (roles reversed relative to SingletonKeepExisting).
	SingletonReplaceExisting
)

func (k Kind) String() string {
	switch k {
	case FIFO:
		return "FIFO"
	case SingletonKeepExisting:
		return "SingletonKeepExisting"
	case SingletonReplaceExisting:
		return "SingletonReplaceExisting"
	default:
		return "Unknown"
	}
}

// Policy is a value object: its identity is the (Kind, Key) pair. Two
// policies collide iff they carry the same Kind and an equal Key.
type Policy struct {
	kind Kind
	key  []any
}

// New builds a Policy. key must be non-empty with non-nil components; New
// panics otherwise, since a nil key component is an invalid-argument
// condition at construction. Components are compared with ==, so they must
// also be comparable: New does not check this, and a non-comparable
// component makes CollidesWith panic.
func New(kind Kind, key ...any) Policy {
	if len(key) == 0 {
		panic("concurrency: empty key")
	}
	for i, k := range key {
		if k == nil {
			panic(fmt.Sprintf("concurrency: nil key component at index %d", i))
		}
	}
	cp := make([]any, len(key))
	copy(cp, key)
	return Policy{kind: kind, key: cp}
}

// NewFIFO is New(FIFO, key...).
func NewFIFO(key ...any) Policy { return New(FIFO, key...) }

// NewSingletonKeepExisting is New(SingletonKeepExisting, key...).
func NewSingletonKeepExisting(key ...any) Policy { return New(SingletonKeepExisting, key...) }

// NewSingletonReplaceExisting is New(SingletonReplaceExisting, key...).
func NewSingletonReplaceExisting(key ...any) Policy { return New(SingletonReplaceExisting, key...) }

// Kind returns the collision strategy this policy requests.
func (p Policy) Kind() Kind { return p.kind }

// IsZero reports whether p is the unconfigured zero value (no concurrency
// policy set).
func (p Policy) IsZero() bool { return p.key == nil }

// CollidesWith reports whether p and other name the same variant and an
// equal key, i.e. whether jobs carrying them are considered colliding.
func (p Policy) CollidesWith(other Policy) bool {
	if p.IsZero() || other.IsZero() {
		return false
	}
	if p.kind != other.kind || len(p.key) != len(other.key) {
		return false
	}
	for i := range p.key {
		if p.key[i] != other.key[i] {
			return false
		}
	}
	return true
}

// String renders the policy for log fields and debugging.
func (p Policy) String() string {
	if p.IsZero() {
		return "concurrency.Policy(none)"
	}
	return fmt.Sprintf("%s%v", p.kind, p.key)
}
