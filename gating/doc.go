// Package gating's RateLimitCondition is grounded directly on
// catrate.Limiter.Allow (github.com/joeycumines/go-catrate/limiter.go),
// which already returns an (earliest-retry time, allowed bool) pair keyed
// by an arbitrary comparable category - exactly the shape a
// runpolicy.GatingCondition needs.
package gating
