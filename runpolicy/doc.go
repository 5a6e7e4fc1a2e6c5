// Package runpolicy's timeNow indirection and Builder-seeded-from-snapshot
// pattern (BuildUpon) are grounded on catrate's timeNow/timeNewTicker test
// seams (catrate/limiter.go) and on parseRates' validate-then-copy shape
// (catrate/rates.go) respectively.
package runpolicy
