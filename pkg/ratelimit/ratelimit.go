// Package ratelimit implements the admission-control layer for the API:
// fixed-window request counters composed into named policies, plus a
// per-resource cooldown gate.
//
// The window algorithm is a fixed window, not a sliding window or token
// bucket: counters reset at fixed boundaries, so a client straddling a
// boundary can burst up to 2x the limit in the worst case. That tradeoff
// buys a single map entry and one lock acquisition per check.
package ratelimit

import (
	"time"
)

// Policy code reported with a rejection so clients and logs can tell
// which dimension ran out.
const (
	PolicyGlobal   = "global"
	PolicyRoute    = "route"
	PolicyUser     = "user"
	PolicyCooldown = "cooldown"
)

// Policy is an immutable limit/window pair.
type Policy struct {
	Limit  int
	Window time.Duration
}

// RoutePolicy binds a Policy to a path prefix and HTTP method. Requests
// are matched by longest prefix.
type RoutePolicy struct {
	Prefix string
	Method string
	Policy Policy
}

// Decision is the outcome of a single policy check.
type Decision struct {
	Allowed    bool
	Policy     string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	// FailedOpen is set when the backing store errored and the request
	// was admitted anyway. Callers should log it, never block on it.
	FailedOpen bool
}

// StoreStats describes the bookkeeping tables, for health and stats
// endpoints.
type StoreStats struct {
	WindowKeys   int `json:"window_keys"`
	CooldownKeys int `json:"cooldown_keys"`
}
