package snapshot

import (
	"slices"
	"sync"

	"github.com/moomindani/delta/metrics"
)

// EvictionPolicy picks which unreferenced cached snapshots to drop. It is
// only consulted for entries with a zero reference count.
type EvictionPolicy interface {
	// Evict receives the versions of unreferenced entries in ascending
	// order and returns the ones to drop.
	Evict(unreferenced []int64) []int64
}

// KeepNewest retains the N newest unreferenced snapshots.
type KeepNewest struct {
	N int
}

func (p KeepNewest) Evict(unreferenced []int64) []int64 {
	if len(unreferenced) <= p.N {
		return nil
	}
	return unreferenced[:len(unreferenced)-p.N]
}

type cacheEntry struct {
	snap *Snapshot
	refs int
}

// Cache holds reference-counted snapshots per version. A superseded snapshot
// becomes garbage once its last reference is released and the eviction
// policy lets go of it.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]*cacheEntry
	policy  EvictionPolicy
}

func NewCache(policy EvictionPolicy) *Cache {
	if policy == nil {
		policy = KeepNewest{N: 4}
	}
	return &Cache{
		entries: make(map[int64]*cacheEntry),
		policy:  policy,
	}
}

// Get returns the cached snapshot for a version with its reference count
// bumped. The caller must Release it.
func (c *Cache) Get(version int64) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[version]
	if !ok {
		metrics.SnapshotCacheMisses.Inc()
		return nil, false
	}
	e.refs++
	metrics.SnapshotCacheHits.Inc()
	return e.snap, true
}

// Put caches a snapshot with one reference held by the caller.
func (c *Cache) Put(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[snap.Version()]; ok {
		e.refs++
		return
	}
	c.entries[snap.Version()] = &cacheEntry{snap: snap, refs: 1}
}

// Release drops one reference and runs the eviction policy over entries
// that reached zero.
func (c *Cache) Release(version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[version]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 {
		return
	}

	var unreferenced []int64
	for v, entry := range c.entries {
		if entry.refs == 0 {
			unreferenced = append(unreferenced, v)
		}
	}
	slices.Sort(unreferenced)
	for _, v := range c.policy.Evict(unreferenced) {
		delete(c.entries, v)
	}
}

// Len reports the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
