package cache

import (
	"fmt"
	"sort"
	"strings"
)

// EntrySnapshot is a point-in-time, read-only view of one entry, used by
// Dump and by admin.Server's DumpIndex/DumpDirtyList RPCs.
type EntrySnapshot struct {
	Addr      string
	Size      uint64
	ClassID   uint8
	Ring      int
	Dirty     bool
	Protected bool
	Pinned    bool
	Tag       string
}

// Dump returns a human-readable listing of every resident entry, in
// address order, per spec.md §4.1.1's dump(name) debug hook. name is
// included in the header line to distinguish multiple cache dumps in a
// combined log.
func (c *Cache) Dump(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := c.snapshotLocked()
	var b strings.Builder
	fmt.Fprintf(&b, "cache %q: %d entries, %d bytes (max %d, min_clean %d)\n",
		name, len(snaps), c.stats.IndexSize, c.maxSize, c.minCleanSize)
	for _, s := range snaps {
		fmt.Fprintf(&b, "  %-12s size=%-8d class=%-3d ring=%d dirty=%-5v protected=%-5v pinned=%-5v tag=%s\n",
			s.Addr, s.Size, s.ClassID, s.Ring, s.Dirty, s.Protected, s.Pinned, s.Tag)
	}
	return b.String()
}

// Snapshot returns the same per-entry data Dump renders, for programmatic
// consumers like admin.Server.
func (c *Cache) Snapshot() []EntrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() []EntrySnapshot {
	snaps := make([]EntrySnapshot, 0, len(c.index))
	for _, e := range c.index {
		tag := "-"
		if e.Tag.Defined() {
			tag = e.Tag.String()
		}
		snaps = append(snaps, EntrySnapshot{
			Addr:      e.Addr.String(),
			Size:      e.Size,
			ClassID:   uint8(e.ClassID),
			Ring:      e.Ring,
			Dirty:     e.dirty(),
			Protected: e.protected(),
			Pinned:    e.pinned(),
			Tag:       tag,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Addr < snaps[j].Addr })
	return snaps
}

// Validate walks the cache's internal structures checking the invariants
// spec.md §3 states (protected/pinned implies not on the plain LRU list,
// dirty implies present in the dirty list when it's enabled, a flush-dep
// child's ring is never outer to its parent's), per spec.md §4.1.1's
// validate() debug hook. Returns the first violation found, or nil.
func (c *Cache) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, e := range c.index {
		if e.Addr != addr {
			return &CorruptError{Addr: addr, Reason: "index key does not match entry address"}
		}
		if e.dirty() && c.dirty.enabled && !c.dirty.contains(addr) {
			return &CorruptError{Addr: addr, Reason: "dirty entry missing from dirty list"}
		}
		if !e.dirty() && c.dirty.enabled && c.dirty.contains(addr) {
			return &CorruptError{Addr: addr, Reason: "clean entry present in dirty list"}
		}
		if e.protected() && (e.lruPrev != nil || e.lruNext != nil || c.lruHead == e || c.lruTail == e) {
			return &CorruptError{Addr: addr, Reason: "protected entry still linked into LRU list"}
		}
		for ch := range e.deps.children {
			if ch.Ring < e.Ring {
				return &CorruptError{Addr: addr, Reason: "flush-dep child has an outer ring than its parent"}
			}
		}
	}

	var sumDirty uint64
	c.dirty.ascending(func(e *Entry) bool {
		sumDirty += e.Size
		return true
	})
	if sumDirty != c.dirtyBytes {
		return &CorruptError{Reason: "dirty-byte accounting drifted from dirty list contents"}
	}
	return nil
}
