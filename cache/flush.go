package cache

import (
	"context"

	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
)

// FlushScope selects which entries Flush serializes, per spec.md §4.1.1's
// flush(scope={ALL, TAGGED(g), RING(r)}, invalidate?).
type FlushScope struct {
	kind scopeKind
	tag  format.Addr
	ring int
}

type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeTagged
	scopeRing
)

func FlushAll() FlushScope                 { return FlushScope{kind: scopeAll} }
func FlushTagged(tag format.Addr) FlushScope { return FlushScope{kind: scopeTagged, tag: tag} }
func FlushRing(ring int) FlushScope        { return FlushScope{kind: scopeRing, ring: ring} }

// Flush serializes and writes dirty entries matching scope, in ring
// order (outermost ring first, so that serializing an entry may only
// dirty entries in the same or an inner ring, per spec.md §4.1.4), and
// within a ring in ascending-address dirty-list order for a near-
// sequential write pattern. If invalidate is set, flushed entries are
// evicted afterward provided they are unprotected and unpinned.
func (c *Cache) Flush(ctx context.Context, scope FlushScope, invalidate bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serializationInProgress = true
	defer func() { c.serializationInProgress = false }()

	for ring := 0; ring < c.ringCount; ring++ {
		if scope.kind == scopeRing && ring != scope.ring {
			continue
		}
		if err := c.flushRingLocked(ctx, ring, scope, invalidate); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) flushRingLocked(ctx context.Context, ring int, scope FlushScope, invalidate bool) error {
	for {
		var target *Entry
		c.dirty.ascending(func(e *Entry) bool {
			if e.Ring != ring {
				return true
			}
			if scope.kind == scopeTagged && e.Tag != scope.tag {
				return true
			}
			if e.deps.nUnserializedChildren > 0 {
				return true
			}
			target = e
			return false
		})
		if target == nil {
			return nil
		}
		if err := c.flushEntryLocked(ctx, target); err != nil {
			return err
		}
		if invalidate && !target.protected() && !target.pinned() {
			c.removeEntryLocked(target, true)
		}
	}
}

// flushEntryLocked serializes one dirty entry and writes its image to
// the store, decrementing every flush-dep parent's
// n_unserialized_children count, per spec.md §4.1.5. Caller holds c.mu.
func (c *Cache) flushEntryLocked(ctx context.Context, e *Entry) error {
	vt, err := c.registry.Lookup(e.ClassID)
	if err != nil {
		return &CorruptError{Addr: e.Addr, Reason: err.Error()}
	}

	if vt.Notify != nil {
		_ = vt.Notify(class.NotifyBeforeFlush, e.Obj)
	}

	addr, size := e.Addr, e.Size
	if vt.PreSerialize != nil {
		newAddr, newSize, flags, err := vt.PreSerialize(ctx, e.Obj, addr, size)
		if err != nil {
			return &SerializeFailedError{Addr: e.Addr, Err: err}
		}
		if flags&class.SerializeMoved != 0 && newAddr != addr {
			delete(c.index, e.Addr)
			e.Addr = newAddr
			c.index[newAddr] = e
			addr = newAddr
		}
		if newSize != size {
			c.stats.IndexSize = c.stats.IndexSize - e.Size + newSize
			if e.dirty() {
				c.dirtyBytes = c.dirtyBytes - e.Size + newSize
			}
			e.Size = newSize
			size = newSize
		}
		c.epoch++
	} else {
		reportedSize, err := vt.ImageSize(e.Obj)
		if err != nil {
			return &SerializeFailedError{Addr: e.Addr, Err: err}
		}
		if reportedSize != size {
			c.stats.IndexSize = c.stats.IndexSize - e.Size + reportedSize
			if e.dirty() {
				c.dirtyBytes = c.dirtyBytes - e.Size + reportedSize
			}
			e.Size = reportedSize
			size = reportedSize
		}
	}

	image := make([]byte, size)
	if err := vt.Serialize(addr, image, e.Obj); err != nil {
		return &SerializeFailedError{Addr: e.Addr, Err: err}
	}
	if err := c.store.Write(ctx, uint64(addr), image); err != nil {
		return &FlushFailedError{Addr: e.Addr, Err: err}
	}

	c.markCleanLocked(e)
	e.Flags |= FlagImageUpToDate
	for p := range e.deps.parents {
		if p.deps.nUnserializedChildren > 0 {
			p.deps.nUnserializedChildren--
		}
	}
	if vt.Notify != nil {
		_ = vt.Notify(class.NotifyAfterFlush, e.Obj)
	}
	return nil
}
