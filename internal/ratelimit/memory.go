package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

// bucket holds the tokens left for one key. The policy is resolved when the
// bucket is created, so an override applies to every later request for that
// task type.
type bucket struct {
	policy     Policy
	tokens     float64
	lastAccess time.Time
}

// refill credits tokens for the time since the last access, capped at burst.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens = min(float64(b.policy.Burst), b.tokens+elapsed*b.policy.Rate)
	b.lastAccess = now
}

// MemoryLimiter implements Limiter with an in-memory token bucket per
// (scope, task type). Task types listed in the overrides use their own
// policy; every other key uses the default. A disabled policy admits
// without allocating a bucket.
type MemoryLimiter struct {
	def       Policy
	overrides map[string]Policy
	now       func() time.Time

	mu      sync.Mutex
	buckets map[Key]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. A background goroutine
// evicts keys idle for longer than ten minutes; call Close to stop it.
func NewMemoryLimiter(def Policy, overrides map[string]Policy) *MemoryLimiter {
	m := &MemoryLimiter{
		def:       def,
		overrides: make(map[string]Policy, len(overrides)),
		now:       time.Now,
		buckets:   make(map[Key]*bucket),
		done:      make(chan struct{}),
	}
	for taskType, p := range overrides {
		m.overrides[taskType] = p
	}
	go m.cleanup()
	return m
}

// PolicyFor returns the policy applied to key.
func (m *MemoryLimiter) PolicyFor(key Key) Policy {
	if p, ok := m.overrides[key.TaskType]; ok && key.TaskType != "" {
		return p
	}
	return m.def
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key Key) (bool, error) {
	policy := m.PolicyFor(key)
	if !policy.Enabled() {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{
			policy:     policy,
			tokens:     float64(policy.Burst) - 1,
			lastAccess: now,
		}
		return true, nil
	}

	b.refill(now)
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
