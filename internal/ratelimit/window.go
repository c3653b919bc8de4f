// Package ratelimit counts failed attempts per key inside a sliding window.
// Memory keeps the window in process; RedisWindow shares it between
// processes through a sorted set per key.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults for password brute-force protection.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

// Memory is an in-process sliding window of failure timestamps per key.
type Memory struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewMemory returns a limiter that trips once max failures fall inside window.
func NewMemory(limit int, window time.Duration) *Memory {
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		max:      limit,
		window:   window,
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

// Exceeded reports whether key already has max failures in the window.
func (m *Memory) Exceeded(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(key)) >= m.max, nil
}

// Fail records one failed attempt for key.
func (m *Memory) Fail(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.prune(key), m.now())
	return nil
}

// Reset forgets every failure recorded for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, key)
	return nil
}

// prune drops failures older than the window. Caller holds mu.
func (m *Memory) prune(key string) []time.Time {
	cutoff := m.now().Add(-m.window)
	kept := m.failures[key][:0]
	for _, at := range m.failures[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(m.failures, key)
		return nil
	}
	m.failures[key] = kept
	return kept
}
