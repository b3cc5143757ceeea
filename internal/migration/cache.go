package migration

import "sync"

// SnapshotCache is the single-slot per-node baseline cache (C7,
// SPEC_FULL.md §4.4): the last full memory image a node sent or received
// for a given module digest, kept so the next migration across the same
// edge can ship a delta instead of a full image. It is deliberately
// separate from C1's own in-store baseline, which tracks the *running*
// instance's last checkpoint rather than what was last exchanged with a
// peer.
//
// A cache holds at most one entry: a node runs one guest instance, so
// there is never more than one module digest worth remembering at a
// time. Putting a new digest simply replaces the slot.
type SnapshotCache struct {
	mu      sync.RWMutex
	digest  [32]byte
	present bool
	main    []byte
	snapify []byte
}

// NewSnapshotCache returns an empty cache.
func NewSnapshotCache() *SnapshotCache { return &SnapshotCache{} }

// Has reports whether the cache holds a baseline for digest, without
// copying the (potentially large) memory images. Used to answer the
// CheckSnapshotCache RPC.
func (c *SnapshotCache) Has(digest [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.present && c.digest == digest
}

// Get returns copies of the cached main/snapify images for digest, or
// ok=false if the cache is empty or holds a different module's baseline.
func (c *SnapshotCache) Get(digest [32]byte) (main, snapify []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.present || c.digest != digest {
		return nil, nil, false
	}
	return append([]byte(nil), c.main...), append([]byte(nil), c.snapify...), true
}

// Put replaces the cache's single slot with a new baseline, called only
// after a migration send or receive has fully succeeded (SPEC_FULL.md
// §4.4: "cache update on success only").
func (c *SnapshotCache) Put(digest [32]byte, main, snapify []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digest = digest
	c.present = true
	c.main = append([]byte(nil), main...)
	c.snapify = append([]byte(nil), snapify...)
}

// Clear empties the cache, used when a node sheds its guest instance.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c = SnapshotCache{}
}
