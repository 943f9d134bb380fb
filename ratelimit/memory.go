package ratelimit

import (
	"sync"
	"time"
)

const defaultMaxKeys = 10000

// bucket implements a token bucket rate limiter.
type bucket struct {
	available  int       // current tokens
	lastRefill time.Time // time the last whole token was credited
}

// refill credits the tokens earned since lastRefill. lastRefill advances
// by whole tokens only, so partial progress carries over.
func (b *bucket) refill(now time.Time, capacity int, window time.Duration) {
	if b.available >= capacity {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	perToken := window / time.Duration(capacity)
	if perToken <= 0 {
		perToken = 1
	}
	tokens := int(elapsed / perToken)
	if tokens == 0 {
		return
	}
	b.available += tokens
	b.lastRefill = b.lastRefill.Add(time.Duration(tokens) * perToken)
	if b.available >= capacity {
		b.available = capacity
		b.lastRefill = now
	}
}

// MemoryLimiter provides local rate limiting using one token bucket per key.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	return &MemoryLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}, nil
}

// Allow implements Limiter. A closed limiter admits everything.
func (m *MemoryLimiter) Allow(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return true, 0
	}

	now := m.nowFunc()
	b, exists := m.buckets[key]
	if !exists {
		if len(m.buckets) >= m.config.MaxKeys {
			m.evict(now)
		}
		// New keys start full.
		b = &bucket{available: m.config.Capacity, lastRefill: now}
		m.buckets[key] = b
	}

	b.refill(now, m.config.Capacity, m.config.Window)
	if b.available > 0 {
		b.available--
		return true, 0
	}

	perToken := m.config.Window / time.Duration(m.config.Capacity)
	wait := perToken - now.Sub(b.lastRefill)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// evict drops full buckets, which behave like absent ones. If none are
// full the bucket refilled longest ago goes.
func (m *MemoryLimiter) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, b := range m.buckets {
		b.refill(now, m.config.Capacity, m.config.Window)
		if b.available >= m.config.Capacity {
			delete(m.buckets, key)
			continue
		}
		if oldestKey == "" || b.lastRefill.Before(oldest) {
			oldestKey, oldest = key, b.lastRefill
		}
	}
	if len(m.buckets) >= m.config.MaxKeys && oldestKey != "" {
		delete(m.buckets, oldestKey)
	}
}

// Forget drops the bucket for key, e.g. when a scaler deregisters.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

// GetCapacity returns the current bucket state for a key, or nil if the
// key is not tracked.
func (m *MemoryLimiter) GetCapacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		return nil
	}
	b.refill(m.nowFunc(), m.config.Capacity, m.config.Window)

	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     m.config.Capacity,
		Window:    m.config.Window,
	}
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = make(map[string]*bucket)
	return nil
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
