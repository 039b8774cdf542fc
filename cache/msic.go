package cache

import (
	"context"

	"github.com/hdf5go/mdcache/class"
)

// maybeEvictLocked runs Make-Space-In-Cache (spec.md §4.1.3) whenever the
// cache is over max_cache_size or short of min_clean_size bytes of clean
// entries. A min-clean shortfall alone is met by writing dirty entries
// back, not by evicting. Caller holds c.mu.
func (c *Cache) maybeEvictLocked(ctx context.Context) error {
	if !c.evictionsEnabled {
		return nil
	}
	for c.overBudgetLocked() {
		evicted, err := c.evictOneLocked(ctx)
		if err != nil {
			return err
		}
		if !evicted {
			if c.stats.IndexSize <= c.maxSize {
				return nil // min-clean short, no dirty entry left to write back
			}
			c.stats.Oversize++
			return &OversizeError{IndexSize: c.stats.IndexSize, MaxSize: c.maxSize}
		}
	}
	return nil
}

func (c *Cache) overBudgetLocked() bool {
	cleanBytes := c.stats.IndexSize - c.dirtyBytes
	return c.stats.IndexSize > c.maxSize || cleanBytes < c.minCleanSize
}

// evictOneLocked walks the LRU tail inward looking for one evictable
// candidate, serializing it first if dirty; when only min-clean is
// short it writes back one dirty candidate and evicts nothing. It restarts the walk from
// the tail whenever a concurrent mutation (a class Serialize callback
// inserting, pinning, or resizing another entry) bumps c.epoch, per
// spec.md §4.1.3's scan-restart-epoch requirement. Returns false if the
// whole list was scanned with no progress.
func (c *Cache) evictOneLocked(ctx context.Context) (bool, error) {
	wantClean := c.stats.IndexSize <= c.maxSize // only min-clean is unsatisfied
	node := c.lruTail
	for node != nil {
		c.stats.MSICScans++
		if !node.evictable() {
			c.stats.MSICSkipped++
			node = node.lruPrev
			continue
		}
		if node.Flags.Has(FlagPrefetched) && node.dirty() {
			c.stats.MSICSkipped++
			node = node.lruPrev
			continue
		}
		if wantClean && !node.dirty() {
			c.stats.MSICSkipped++
			node = node.lruPrev
			continue
		}
		if wantClean {
			return true, c.flushEntryLocked(ctx, node)
		}

		if node.dirty() {
			epochBefore := c.epoch
			if err := c.flushEntryLocked(ctx, node); err != nil {
				return false, err
			}
			if c.epoch != epochBefore {
				c.stats.LRUScanRestarts++
				node = c.lruTail
				continue
			}
		}

		if vt, err := c.registry.Lookup(node.ClassID); err == nil && vt.Notify != nil {
			_ = vt.Notify(class.NotifyBeforeEvict, node.Obj)
		}
		c.removeEntryLocked(node, true)
		c.stats.MSICEvicted++
		return true, nil
	}
	return false, nil
}
