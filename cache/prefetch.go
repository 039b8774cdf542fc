package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/hdf5go/mdcache/format"
)

// Image is a cache image: a contiguous on-disk region holding many
// serialized entries, written in one shot so a future open can prime
// the cache with a single bulk read instead of one read per entry, per
// spec.md §4.1.9. The ID is an opaque handle returned to the caller for
// diagnostics; Stats and Dump do not record it, and it plays no role in
// addressing.
type Image struct {
	ID    uuid.UUID
	Addr  format.Addr
	Size  uint64
	Count int
}

// CreateImage serializes every currently-resident entry into one
// contiguous buffer and writes it at addr, recording the event in the
// images_created counter. It does not mark the cache entries clean on
// its own: image writes are a bulk-prefetch optimization on top of the
// normal flush/write path, not a substitute for it.
func (c *Cache) CreateImage(ctx context.Context, addr format.Addr) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	type piece struct {
		off  uint64
		data []byte
	}
	var pieces []piece

	for _, e := range c.index {
		if e.isProxy {
			continue
		}
		vt, err := c.registry.Lookup(e.ClassID)
		if err != nil {
			return nil, &CorruptError{Addr: e.Addr, Reason: err.Error()}
		}
		size, err := vt.ImageSize(e.Obj)
		if err != nil {
			return nil, &SerializeFailedError{Addr: e.Addr, Err: err}
		}
		buf := make([]byte, size)
		if err := vt.Serialize(e.Addr, buf, e.Obj); err != nil {
			return nil, &SerializeFailedError{Addr: e.Addr, Err: err}
		}
		pieces = append(pieces, piece{off: total, data: buf})
		total += size
	}

	img := make([]byte, total)
	for _, p := range pieces {
		copy(img[p.off:], p.data)
	}
	if err := c.store.Write(ctx, uint64(addr), img); err != nil {
		return nil, &FlushFailedError{Addr: addr, Err: err}
	}

	c.stats.ImagesCreated++
	return &Image{ID: uuid.New(), Addr: addr, Size: total, Count: len(pieces)}, nil
}

// LoadImage reads size bytes at addr and stages them as a batch of
// generic "prefetched" entries at the given addresses, per spec.md
// §4.1.9: entries enter the cache with a saved prefetch_type_id and
// image_up_to_date=true, without being deserialized into their real
// in-core representation until the first Protect rebinds them.
func (c *Cache) LoadImage(ctx context.Context, addr format.Addr, size uint64, entries []PrefetchEntry) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, size)
	if err := c.store.Read(ctx, uint64(addr), buf); err != nil {
		return nil, &FlushFailedError{Addr: addr, Err: err}
	}
	c.stats.ImagesLoaded++

	for _, pe := range entries {
		if pe.Offset+pe.Size > size {
			return nil, &CorruptError{Addr: pe.Addr, Reason: "prefetch entry extends past image bounds"}
		}
		if _, exists := c.index[pe.Addr]; exists {
			continue
		}
		image := make([]byte, pe.Size)
		copy(image, buf[pe.Offset:pe.Offset+pe.Size])

		e := newEntry(pe.Addr, format.ClassPrefetched, image, pe.Size, c.classRings[pe.ActualClassID])
		e.Flags |= FlagPrefetched | FlagImageUpToDate
		e.prefetchTypeID = pe.ActualClassID
		c.index[pe.Addr] = e
		c.lruPushFront(e)
		c.stats.IndexSize += pe.Size
		c.stats.NumEntries++
		c.stats.Prefetches++
		c.epoch++
	}

	return &Image{ID: uuid.New(), Addr: addr, Size: size, Count: len(entries)}, nil
}

// PrefetchEntry describes one entry staged within a loaded cache image:
// its address, its byte range within the image, and the class id it will
// be rebound to on first Protect.
type PrefetchEntry struct {
	Addr          format.Addr
	Offset, Size  uint64
	ActualClassID format.ClassID
}
