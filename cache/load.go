package cache

import (
	"context"

	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
)

// loadLocked services a Protect miss: fetch the image from the store,
// verify its checksum (reading at most checksumRetries times in all, to tolerate
// a SWMR reader racing the writer, per spec.md §4.1.8), deserialize it,
// and insert the resulting entry clean. Caller holds c.mu.
func (c *Cache) loadLocked(ctx context.Context, addr format.Addr, classID format.ClassID, udata any) (*Entry, error) {
	vt, err := c.registry.Lookup(classID)
	if err != nil {
		return nil, &CorruptError{Addr: addr, Reason: err.Error()}
	}

	size, err := vt.InitialImageSize(udata)
	if err != nil {
		return nil, &SerializeFailedError{Addr: addr, Err: err}
	}

	var image []byte
	var lastErr error
	for attempt := 0; attempt < c.checksumRetries; attempt++ {
		image = make([]byte, size)
		if err := c.store.Read(ctx, uint64(addr), image); err != nil {
			return nil, &FlushFailedError{Addr: addr, Err: err}
		}
		c.stats.ImagesRead++

		if vt.FinalImageSize != nil {
			finalSize, err := vt.FinalImageSize(udata, image)
			if err != nil {
				return nil, &SerializeFailedError{Addr: addr, Err: err}
			}
			if finalSize != size {
				size = finalSize
				image = make([]byte, size)
				if err := c.store.Read(ctx, uint64(addr), image); err != nil {
					return nil, &FlushFailedError{Addr: addr, Err: err}
				}
				c.stats.ImagesRead++
			}
		}

		if err := vt.VerifyChecksum(image); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, &ChecksumMismatchError{Addr: addr}
	}

	obj, dflags, err := vt.Deserialize(image, addr, udata)
	if err != nil {
		return nil, &SerializeFailedError{Addr: addr, Err: err}
	}

	ring := c.classRings[classID]
	e := newEntry(addr, classID, obj, size, ring)
	e.Flags |= FlagImageUpToDate
	c.index[addr] = e
	c.stats.IndexSize += size
	c.stats.NumEntries++
	c.epoch++
	c.lruPushFront(e)

	if dflags&class.DirtyOnLoad != 0 {
		c.markDirtyLocked(e)
	}
	if vt.Notify != nil {
		_ = vt.Notify(class.NotifyAfterLoad, e.Obj)
	}
	return e, nil
}

// rebindPrefetchedLocked services the first Protect of a generic
// prefetched entry, per spec.md §4.1.9: it calls Deserialize on the
// image already resident from the bulk prefetch and swaps the entry over
// to its real class.
func (c *Cache) rebindPrefetchedLocked(e *Entry, classID format.ClassID, udata any) error {
	vt, err := c.registry.Lookup(classID)
	if err != nil {
		return &CorruptError{Addr: e.Addr, Reason: err.Error()}
	}
	image, ok := e.Obj.([]byte)
	if !ok {
		return &CorruptError{Addr: e.Addr, Reason: "prefetched entry has no staged image"}
	}
	if err := vt.VerifyChecksum(image); err != nil {
		return &ChecksumMismatchError{Addr: e.Addr}
	}
	obj, _, err := vt.Deserialize(image, e.Addr, udata)
	if err != nil {
		return &SerializeFailedError{Addr: e.Addr, Err: err}
	}
	e.Obj = obj
	e.ClassID = classID
	e.Flags &^= FlagPrefetched
	c.stats.PrefetchHits++
	if vt.Notify != nil {
		_ = vt.Notify(class.NotifyAfterLoad, e.Obj)
	}
	return nil
}
