// Package depid is a one-type package by design: single-purpose concerns
// get their own directory rather than folding into a larger package.
package depid
