// Package depid provides the opaque, hashable identity used to name every
// Dependable (and, by extension, every Job) in a JobManager's registry.
package depid

import "github.com/google/uuid"

// ID is an opaque, comparable identifier assigned once at construction. Two
// IDs are equal iff they were produced from the same underlying value; IDs
// are safe to use as map keys.
type ID struct {
	value uuid.UUID
}

// New allocates a fresh, globally unique ID.
func New() ID {
	return ID{value: uuid.New()}
}

// String returns the canonical textual form of the ID, suitable for log
// fields and stateMessage interpolation (e.g. "upstream job <id> faulted").
func (id ID) String() string {
	return id.value.String()
}

// IsZero reports whether id is the zero value (never assigned by New).
func (id ID) IsZero() bool {
	return id.value == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler, so ID round-trips through
// encoding/json (and any other text-based codec) without exposing the
// underlying uuid.UUID type.
func (id ID) MarshalText() ([]byte, error) {
	return id.value.MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	return id.value.UnmarshalText(text)
}

// Parse decodes an ID previously rendered by String or MarshalText.
func Parse(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{value: v}, nil
}
