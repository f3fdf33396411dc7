// Package ratelimit throttles enqueue traffic per calling service and task type.
//
// The coordinator ships an in-memory token bucket (MemoryLimiter). A caller's
// traffic for one task type draws from its own bucket, so a runaway producer
// of one family cannot starve the caller's other families. Limits are per
// process; a fleet of N coordinators admits up to N times the configured rate,
// which is acceptable for protecting the task table from a runaway caller.
package ratelimit

import "context"

// Key identifies one bucket. Scope names the caller ("service:<id>" or
// "ip:<addr>"); TaskType is empty for requests that are not task-scoped.
type Key struct {
	Scope    string
	TaskType string
}

// String renders the key for logs.
func (k Key) String() string {
	if k.TaskType == "" {
		return k.Scope
	}
	return k.Scope + "/" + k.TaskType
}

// Policy is a token bucket refill rate (tokens per second) and capacity.
type Policy struct {
	Rate  float64
	Burst int
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool {
	return p.Rate > 0 && p.Burst > 0
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// Returning an error signals a limiter malfunction; callers
	// treat errors as fail-open.
	Allow(ctx context.Context, key Key) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, Key) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when neither the default
// policy nor any per-type override limits anything.
func New(def Policy, perType map[string]Policy) Limiter {
	if !def.Enabled() {
		enabled := false
		for _, p := range perType {
			if p.Enabled() {
				enabled = true
				break
			}
		}
		if !enabled {
			return NoopLimiter{}
		}
	}
	return NewMemoryLimiter(def, perType)
}
