// Package concurrency is grounded on catrate's categoryData keying: a rate
// limiter's "category" is an arbitrary comparable value used purely for
// equality/grouping, the same role Policy's key tuple plays here.
package concurrency
