// Package cache provides the hot-tier store for the latest BaselineStats per
// instrument: an in-memory TTL map by default, Redis when snapshots need to be
// shared across processes.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// SnapshotCache serves the latest BaselineStats per instrument without
// recomputation.
type SnapshotCache interface {
	Get(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, bool, error)
	Set(ctx context.Context, stats domain.BaselineStats) error
	Delete(ctx context.Context, key domain.InstrumentKey) error
	// PurgeOlderThan evicts entries whose stats were last updated before the
	// cutoff. Implementations relying on server-side TTL may no-op.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Size(ctx context.Context) (int, error)
}

// memoryEntry pairs a snapshot with its insertion time for TTL checks.
type memoryEntry struct {
	stats    domain.BaselineStats
	storedAt time.Time
}

// MemoryCache is a mutex-guarded in-process snapshot cache with TTL.
type MemoryCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[domain.InstrumentKey]memoryEntry
}

// NewMemoryCache creates an in-memory cache. ttl <= 0 disables expiry.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[domain.InstrumentKey]memoryEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, key domain.InstrumentKey) (*domain.BaselineStats, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	stats := entry.stats
	return &stats, true, nil
}

func (c *MemoryCache) Set(_ context.Context, stats domain.BaselineStats) error {
	c.mu.Lock()
	c.entries[stats.Instrument] = memoryEntry{stats: stats, storedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key domain.InstrumentKey) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.stats.LastUpdated.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) Size(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}
