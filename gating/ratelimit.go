package gating

import (
	"fmt"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// RateLimitCondition gates attempt starts on a sliding-window rate limit,
// the way a client might gate outbound work on "no more than N calls per
// server per minute". It wraps a *catrate.Limiter (see
// github.com/joeycumines/go-catrate), keyed by category so many jobs can
// share one limiter/backend quota.
type RateLimitCondition struct {
	limiter  *catrate.Limiter
	category any

	lastCheckedAt time.Time
	retryAfter    time.Time
}

// NewRateLimit builds a RateLimitCondition over an existing limiter,
// checked under the given category key (e.g. a remote host name or API
// endpoint).
func NewRateLimit(limiter *catrate.Limiter, category any) *RateLimitCondition {
	return &RateLimitCondition{limiter: limiter, category: category}
}

// IsSatisfied consults the limiter's sliding window for this category.
// Every call to IsSatisfied that reports true also reserves the slot, so
// this condition must only be evaluated by the service loop's ShouldStart
// check (never probed speculatively), mirroring catrate.Limiter.Allow's
// contract that a true result consumes the event.
func (c *RateLimitCondition) IsSatisfied() bool {
	t, ok := c.limiter.Allow(c.category)
	c.lastCheckedAt = time.Now()
	c.retryAfter = t
	return ok
}

// Message reports when the category is expected to have capacity again.
func (c *RateLimitCondition) Message() string {
	wait := time.Until(c.retryAfter)
	if wait < 0 {
		wait = 0
	}
	return fmt.Sprintf("rate limited for category %v, retry after %s", c.category, wait.Round(time.Millisecond))
}
