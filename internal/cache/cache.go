// Package cache stores serialized drift reports with a bounded
// lifetime. The default backend is a process-local TTL map; when a
// Redis address is configured the cache is shared across engine
// replicas.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Cache is a byte-oriented TTL store. A miss is (nil, false, nil);
// errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New selects the backend from config: Redis when an address is set,
// otherwise the in-process memory cache.
func New(cfg config.CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return NewRedis(cfg)
	}
	return NewMemory(defaultMaxEntries), nil
}

// defaultMaxEntries bounds the memory backend. Reports are small, so
// the limit exists to cap pathological key churn, not memory itself.
const defaultMaxEntries = 1024

type entry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

// Memory is a thread-safe TTL map. Expired entries are dropped lazily
// on read; when full, the least recently accessed entry is evicted.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	metrics    *telemetry.Metrics

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemory builds the in-process backend. maxEntries <= 0 selects the
// default bound.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		metrics:    telemetry.GetMetrics(),
		now:        time.Now,
	}
}

// Get returns the value for key when present and unexpired.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.metrics.CacheMisses.Inc()
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		m.metrics.CacheMisses.Inc()
		return nil, false, nil
	}

	e.accessedAt = m.now()
	m.metrics.CacheHits.Inc()
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

// Set stores value under key for ttl. A non-positive ttl stores
// nothing.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	now := m.now()
	m.entries[key] = &entry{
		value:      stored,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}
	return nil
}

// Delete removes key if present.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

// Len reports the number of live entries, counting expired ones that
// have not been read yet.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOldest drops the least recently accessed entry. Caller holds
// the lock.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range m.entries {
		if oldestKey == "" || e.accessedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.accessedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
