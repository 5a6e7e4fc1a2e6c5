// Package persist's JSONFile uses encoding/json directly: Record is a flat,
// already-encoded struct (the per-job Codec does the interesting part), so
// no bespoke number/string encoding is warranted here; see DESIGN.md for
// the fuller rationale.
package persist
