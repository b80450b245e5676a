package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultMaxKeys = 100000

type memoryBucket struct {
	count     int64
	windowEnd time.Time
}

// MemoryLimiter is a process-local fixed-window limiter. Counts are not
// shared between replicas, so it suits single-instance and test setups.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*memoryBucket
	maxKeys int
}

// NewMemoryLimiter creates a MemoryLimiter tracking at most maxKeys keys
// (0 selects the default).
func NewMemoryLimiter(maxKeys int) *MemoryLimiter {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &MemoryLimiter{
		now:     time.Now,
		data:    make(map[string]*memoryBucket),
		maxKeys: maxKeys,
	}
}

func (m *MemoryLimiter) Name() string { return BackendMemory }

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := m.now()
	if limit <= 0 {
		return unlimited(limit, now), nil
	}
	window = normalizeWindow(window)

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.data[key]
	if !ok || !now.Before(bucket.windowEnd) {
		if !ok && len(m.data) >= m.maxKeys {
			m.gc(now)
			if len(m.data) >= m.maxKeys {
				return Decision{}, errors.New("rate limiter capacity exceeded")
			}
		}
		bucket = &memoryBucket{windowEnd: now.Truncate(window).Add(window)}
		m.data[key] = bucket
	}

	if bucket.count >= int64(limit) {
		return decide(bucket.count+1, limit, bucket.windowEnd), nil
	}
	bucket.count++
	return decide(bucket.count, limit, bucket.windowEnd), nil
}

// Cleanup drops buckets whose window has ended.
func (m *MemoryLimiter) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gc(m.now())
}

func (m *MemoryLimiter) gc(now time.Time) int {
	removed := 0
	for key, bucket := range m.data {
		if !now.Before(bucket.windowEnd) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}
