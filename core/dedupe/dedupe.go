// Package dedupe provides packet deduplication across the mesh.
//
// It tracks recently seen packet_ids in a time-indexed set keyed on
// the wire format's own 128-bit packet_id; no content hashing is
// needed since packet_id is already globally unique.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxEntries bounds the cache by count.
	DefaultMaxEntries = 10000
	// DefaultMaxAge bounds the cache by age.
	DefaultMaxAge = time.Hour
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	id   uuid.UUID
	seen time.Time
}

// Cache is a bounded, time-indexed set of seen packet_ids used to
// suppress reprocessing and re-forwarding of the same packet.
type Cache struct {
	mu       sync.Mutex
	index    map[uuid.UUID]struct{}
	order    []entry
	maxCount int
	maxAge   time.Duration
	now      func() time.Time
}

// New creates a Cache with default capacity and age limits.
func New() *Cache {
	return NewWithLimits(DefaultMaxEntries, DefaultMaxAge)
}

// NewWithLimits creates a Cache with the given count and age ceilings.
func NewWithLimits(maxCount int, maxAge time.Duration) *Cache {
	return &Cache{
		index:    make(map[uuid.UUID]struct{}, maxCount),
		order:    make([]entry, 0, maxCount),
		maxCount: maxCount,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// HasSeen reports whether id has already been recorded. If it has not,
// it is recorded as seen and false is returned. If the cache is at
// capacity, entries older than the age bound are expired first, and
// the oldest half is evicted only if the cache is still full.
func (c *Cache) HasSeen(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; ok {
		return true
	}

	if len(c.order) >= c.maxCount {
		c.sweepAgeLocked()
		if len(c.order) >= c.maxCount {
			c.evictOldestHalfLocked()
		}
	}

	now := c.now()
	c.index[id] = struct{}{}
	c.order = append(c.order, entry{id: id, seen: now})
	return false
}

// Sweep removes entries older than the configured max age. It is safe
// to call concurrently with HasSeen and is intended to be driven by
// Run's periodic ticker, but can also be invoked directly in tests.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepAgeLocked()
}

func (c *Cache) sweepAgeLocked() {
	cutoff := c.now().Add(-c.maxAge)
	kept := c.order[:0]
	for _, e := range c.order {
		if e.seen.Before(cutoff) {
			delete(c.index, e.id)
			continue
		}
		kept = append(kept, e)
	}
	c.order = kept
}

// evictOldestHalfLocked drops the oldest half of tracked entries,
// used when an insert would otherwise exceed maxCount. order is kept
// sorted by insertion time, which is also seen-time order.
func (c *Cache) evictOldestHalfLocked() {
	n := len(c.order) / 2
	if n == 0 {
		n = 1
	}
	for _, e := range c.order[:n] {
		delete(c.index, e.id)
	}
	c.order = append(c.order[:0], c.order[n:]...)
}

// Run drives periodic age-based sweeping until ctx is canceled. Each
// tick first expires entries older than maxAge, then, if the cache is
// still at or over capacity, evicts the oldest half by insertion time.
func (c *Cache) Run(ctx context.Context) {
	c.RunWithInterval(ctx, DefaultSweepInterval)
}

// RunWithInterval is Run with an explicit sweep interval, exposed for tests.
func (c *Cache) RunWithInterval(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.sweepAgeLocked()
			if len(c.order) >= c.maxCount {
				c.evictOldestHalfLocked()
			}
			c.mu.Unlock()
		}
	}
}

// Len reports the current number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
