package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"finadvisor-pipeline/internal/models"
)

// GroundingCache stores grounding results by normalized query. TTL expiry is
// the only eviction; a hit always returns the stored value unchanged.
type GroundingCache interface {
	Get(ctx context.Context, key string) (*models.GroundingResult, bool, error)
	Set(ctx context.Context, key string, result *models.GroundingResult) error
}

// NormalizeQuery case-folds, trims and collapses internal whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlMap is a time-boxed map with lazy expiry on read and an explicit sweep.
type ttlMap[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ttlEntry[V]
	now     func() time.Time
}

func newTTLMap[V any](ttl time.Duration) *ttlMap[V] {
	return &ttlMap[V]{
		ttl:     ttl,
		entries: make(map[string]ttlEntry[V]),
		now:     time.Now,
	}
}

func (m *ttlMap[V]) get(key string) (V, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	now := m.now()
	m.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !now.Before(entry.expiresAt) {
		m.mu.Lock()
		// re-check: a concurrent set may have refreshed it
		if current, still := m.entries[key]; still && !m.now().Before(current.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

func (m *ttlMap[V]) set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = ttlEntry[V]{value: value, expiresAt: m.now().Add(m.ttl)}
}

// sweep removes expired entries only and reports how many it removed.
func (m *ttlMap[V]) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *ttlMap[V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MemoryGroundingCache is the in-process GroundingCache.
type MemoryGroundingCache struct {
	entries *ttlMap[*models.GroundingResult]
}

func NewMemoryGroundingCache(ttl time.Duration) *MemoryGroundingCache {
	return &MemoryGroundingCache{entries: newTTLMap[*models.GroundingResult](ttl)}
}

// SetClock replaces the time source. Tests use it to step past the TTL.
func (c *MemoryGroundingCache) SetClock(now func() time.Time) {
	c.entries.mu.Lock()
	defer c.entries.mu.Unlock()
	c.entries.now = now
}

func (c *MemoryGroundingCache) Get(_ context.Context, key string) (*models.GroundingResult, bool, error) {
	v, ok := c.entries.get(key)
	return v, ok, nil
}

func (c *MemoryGroundingCache) Set(_ context.Context, key string, result *models.GroundingResult) error {
	c.entries.set(key, result)
	return nil
}

func (c *MemoryGroundingCache) Sweep() int {
	return c.entries.sweep()
}

func (c *MemoryGroundingCache) Len() int {
	return c.entries.len()
}

const minSweepInterval = time.Second

// StartSweeper removes expired entries every interval until ctx is done.
// Intervals below one second are raised to one second.
func (c *MemoryGroundingCache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(max(interval, minSweepInterval))
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
