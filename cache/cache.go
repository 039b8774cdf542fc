// Package cache implements the metadata cache of spec.md §4.1: the single
// authority for reading, writing, and caching all file metadata, backed
// by a hash index, an LRU list, a pinned-entry set, a protected-entry
// set, and an address-ordered dirty list, with ring-ordered flush and
// flush-dependency tracking. Grounded in the teacher's buffer pool
// (internal/storage/bufferpool.go: hash-indexed frames, LRU eviction,
// pin counts) generalized from fixed-size pages to variable-size,
// class-dispatched metadata entries.
package cache

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/store"
)

// InsertFlag controls Insert's initial entry state.
type InsertFlag uint32

const (
	InsertPin InsertFlag = 1 << iota
	// InsertClean marks a freshly inserted entry clean instead of the
	// default dirty; used when a class supplies an image that already
	// matches what would be written.
	InsertClean
)

// ProtectFlag controls Protect's access mode.
type ProtectFlag uint32

const (
	ProtectReadOnly ProtectFlag = 1 << iota
)

// UnprotectFlag controls Unprotect's state transition.
type UnprotectFlag uint32

const (
	UnprotectDirtied UnprotectFlag = 1 << iota
	UnprotectSizeChanged
	UnprotectPin
	UnprotectUnpin
	UnprotectDeleted
	UnprotectTakeOwnership
)

// Config bundles Cache construction parameters, per spec.md §4.1.1's
// create(store, class_registry, max_size, min_clean_size, ring_count, aux?).
type Config struct {
	Store        store.Store
	Registry     *class.Registry
	MaxSize      uint64
	MinCleanSize uint64
	RingCount    int

	// ClassRings maps a class id to the ring its entries belong in.
	// Classes absent from this map default to ring 0 (outermost).
	ClassRings map[format.ClassID]int

	// ChecksumRetries bounds the SWMR re-read loop of spec.md §4.1.8
	// ("detect updates by re-reading entries with a retry count").
	// Defaults to 3.
	ChecksumRetries int
}

// Stats mirrors the counters spec.md calls out across §4.1.3's MSIC scan
// counters, §4.1.9's prefetch counters, and the general access/hit
// counters resize.Controller samples.
type Stats struct {
	Accesses uint64
	Hits     uint64
	Misses   uint64
	Inserts  uint64

	IndexSize uint64
	NumEntries int

	SlistScanRestarts int
	LRUScanRestarts   int
	IndexScanRestarts int

	MSICScans   uint64
	MSICSkipped uint64
	MSICEvicted uint64
	Oversize    uint64

	ImagesCreated  uint64
	ImagesRead     uint64
	ImagesLoaded   uint64
	Prefetches     uint64
	DirtyPrefetches uint64
	PrefetchHits   uint64
}

// Cache is the metadata cache of spec.md §4.1.
type Cache struct {
	mu sync.Mutex

	store    store.Store
	registry *class.Registry

	maxSize      uint64
	minCleanSize uint64
	ringCount    int

	evictionsEnabled bool
	serializationInProgress bool

	index map[format.Addr]*Entry

	lruHead, lruTail *Entry
	pinned           map[format.Addr]*Entry
	protected        map[format.Addr]*Entry

	dirty *dirtyList

	tagCorked map[format.Addr]bool

	classRings      map[format.ClassID]int
	checksumRetries int
	dirtyBytes      uint64

	stats Stats

	// epoch bumps on every structural mutation of the index/LRU so MSIC's
	// scanner (cache/msic.go) can detect concurrent changes made by a
	// class callback during serialize and restart, per spec.md §4.1.3.
	epoch uint64
}

// New constructs a Cache per cfg. RingCount defaults to 1 if unset.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache: Config.Store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = class.Default()
	}
	if cfg.RingCount <= 0 {
		cfg.RingCount = 1
	}
	if cfg.ChecksumRetries <= 0 {
		cfg.ChecksumRetries = 3
	}
	classRings := cfg.ClassRings
	if classRings == nil {
		classRings = make(map[format.ClassID]int)
	}
	return &Cache{
		store:            cfg.Store,
		registry:         cfg.Registry,
		maxSize:          cfg.MaxSize,
		minCleanSize:     cfg.MinCleanSize,
		ringCount:        cfg.RingCount,
		evictionsEnabled: true,
		index:            make(map[format.Addr]*Entry),
		pinned:           make(map[format.Addr]*Entry),
		protected:        make(map[format.Addr]*Entry),
		dirty:            newDirtyList(),
		tagCorked:        make(map[format.Addr]bool),
		classRings:       classRings,
		checksumRetries:  cfg.ChecksumRetries,
	}, nil
}

// Insert adds a brand-new entry (no on-disk image yet), per spec.md
// §4.1.1. Dirty by default; pass InsertClean to override.
func (c *Cache) Insert(addr format.Addr, classID format.ClassID, obj any, size uint64, ring int, flags InsertFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[addr]; exists {
		return &AlreadyExistsError{Addr: addr}
	}
	if ring < 0 || ring >= c.ringCount {
		return &SystemStateError{Msg: "insert: ring out of range"}
	}

	e := newEntry(addr, classID, obj, size, ring)
	if flags&InsertClean == 0 {
		c.markDirtyLocked(e)
	}
	if flags&InsertPin != 0 {
		e.Flags |= FlagPinnedFromClient
	}

	c.index[addr] = e
	c.stats.Inserts++
	c.stats.IndexSize += size
	c.stats.NumEntries++
	c.epoch++

	if e.pinned() {
		c.pinned[addr] = e
	} else {
		c.lruPushFront(e)
	}

	if vt, err := c.registry.Lookup(classID); err == nil && vt.Notify != nil {
		_ = vt.Notify(class.NotifyAfterInsert, e.Obj)
	}

	if err := c.maybeEvictLocked(ctxBackground()); err != nil {
		return err
	}
	return nil
}

// Protect returns scoped access to the entry at addr, fetching and
// deserializing on a miss, per spec.md §4.1.1.
func (c *Cache) Protect(ctx context.Context, addr format.Addr, classID format.ClassID, udata any, flags ProtectFlag) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Accesses++

	e, ok := c.index[addr]
	if !ok {
		loaded, err := c.loadLocked(ctx, addr, classID, udata)
		if err != nil {
			c.stats.Misses++
			return nil, err
		}
		e = loaded
		c.stats.Misses++
	} else {
		c.stats.Hits++
		if e.Flags.Has(FlagPrefetched) {
			if err := c.rebindPrefetchedLocked(e, classID, udata); err != nil {
				return nil, err
			}
		}
	}

	if e.protected() && flags&ProtectReadOnly == 0 {
		return nil, &ProtectedError{Addr: addr}
	}
	if e.protected() && e.Flags.Has(FlagWriteProtected) {
		return nil, &ProtectedError{Addr: addr}
	}

	if !e.protected() {
		c.removeFromEvictableListsLocked(e)
		e.Flags |= FlagProtected
		c.protected[addr] = e
	}
	if flags&ProtectReadOnly != 0 {
		e.readOnlyRefCount++
	} else {
		e.Flags |= FlagWriteProtected
	}

	if !e.pinned() {
		c.lruTouch(e)
	}
	return e, nil
}

// Unprotect releases access obtained via Protect, applying the requested
// state transitions, per spec.md §4.1.1.
func (c *Cache) Unprotect(addr format.Addr, flags UnprotectFlag, newSize uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	if !e.protected() {
		return &SystemStateError{Msg: "unprotect: entry at " + addr.String() + " is not protected"}
	}

	if e.Flags.Has(FlagWriteProtected) {
		e.Flags &^= FlagWriteProtected
	} else if e.readOnlyRefCount > 0 {
		e.readOnlyRefCount--
	}

	stillHeld := e.readOnlyRefCount > 0 || e.Flags.Has(FlagWriteProtected)

	if flags&UnprotectDirtied != 0 {
		c.markDirtyLocked(e)
	}
	if flags&UnprotectSizeChanged != 0 && newSize != e.Size {
		c.stats.IndexSize = c.stats.IndexSize - e.Size + newSize
		if e.dirty() {
			c.dirtyBytes = c.dirtyBytes - e.Size + newSize
		}
		e.Size = newSize
	}
	if flags&UnprotectPin != 0 {
		e.Flags |= FlagPinnedFromClient
	}
	if flags&UnprotectUnpin != 0 {
		e.Flags &^= FlagPinnedFromClient
	}

	if !stillHeld {
		e.Flags &^= FlagProtected
		delete(c.protected, addr)

		if flags&UnprotectDeleted != 0 {
			c.removeEntryLocked(e, flags&UnprotectTakeOwnership == 0)
			return nil
		}

		if e.pinned() {
			c.pinned[addr] = e
		} else {
			c.lruPushFront(e)
		}
	}

	return c.maybeEvictLocked(ctxBackground())
}

// Pin applies a client-side pin independent of protection, per spec.md
// §4.1.1.
func (c *Cache) Pin(addr format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	wasPinned := e.pinned()
	e.Flags |= FlagPinnedFromClient
	if !wasPinned && !e.protected() {
		c.lruRemove(e)
		c.pinned[addr] = e
	}
	return nil
}

// Unpin releases a client-side pin.
func (c *Cache) Unpin(addr format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	e.Flags &^= FlagPinnedFromClient
	if !e.pinned() && !e.protected() {
		delete(c.pinned, addr)
		c.lruPushFront(e)
	}
	return c.maybeEvictLocked(ctxBackground())
}

// MoveEntry changes an entry's address, updating the hash index and
// dirty-list keys atomically, per spec.md §4.1.1.
func (c *Cache) MoveEntry(oldAddr, newAddr format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[oldAddr]
	if !ok {
		return &NotFoundError{Addr: oldAddr}
	}
	if _, exists := c.index[newAddr]; exists {
		return &AlreadyExistsError{Addr: newAddr}
	}
	wasDirty := e.Flags.Has(FlagInSlist)
	if wasDirty {
		c.dirty.remove(oldAddr)
	}
	delete(c.index, oldAddr)
	e.Addr = newAddr
	c.index[newAddr] = e
	if wasDirty {
		c.dirty.insert(e)
	}
	if e.pinned() {
		delete(c.pinned, oldAddr)
		c.pinned[newAddr] = e
	}
	if e.protected() {
		delete(c.protected, oldAddr)
		c.protected[newAddr] = e
	}
	c.epoch++
	return nil
}

// ResizeEntry updates size counters for an entry whose image size
// changed, triggering eviction if the cache is now over budget, per
// spec.md §4.1.1.
func (c *Cache) ResizeEntry(addr format.Addr, newSize uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	c.stats.IndexSize = c.stats.IndexSize - e.Size + newSize
	if e.dirty() {
		c.dirtyBytes = c.dirtyBytes - e.Size + newSize
	}
	e.Size = newSize
	return c.maybeEvictLocked(ctxBackground())
}

// Expunge forcibly evicts addr, per spec.md §4.1.1. The freeBytes
// argument has no effect: the cache releases no file space.
func (c *Cache) Expunge(addr format.Addr, freeBytes bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	if e.protected() {
		return &ProtectedError{Addr: addr}
	}
	if e.pinned() {
		return &PinnedEvictAttemptError{Addr: addr}
	}
	c.removeEntryLocked(e, true)
	return nil
}

// SetEvictionsEnabled toggles whether maybeEvict ever runs MSIC; used
// around bulk operations that must not trigger eviction mid-flight.
func (c *Cache) SetEvictionsEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictionsEnabled = on
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.NumEntries = len(c.index)
	return s
}

// Bounds returns the cache's current max_size and min_clean_size, per
// spec.md §4.1.7 — the values a resize.Report's old_max/old_min_clean
// fields are sampled against.
func (c *Cache) Bounds() (maxSize, minCleanSize uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize, c.minCleanSize
}

// SetBounds applies new cache-size bounds, per spec.md §4.1.7's
// auto-resize controller output (new_max, new_min_clean). Taking effect
// only changes future MSIC eviction targets; no entry is evicted here.
func (c *Cache) SetBounds(maxSize, minCleanSize uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	c.minCleanSize = minCleanSize
}

// Exists reports whether addr currently has a resident entry. Clients
// that lazily allocate child blocks (extensible/fixed array data blocks
// and pages) use this to decide whether to Insert a new block or
// Protect an existing one.
func (c *Cache) Exists(addr format.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[addr]
	return ok
}

// GetSerializationInProgress reports whether a Flush call is currently
// running, per spec.md §4.1.1 — classes may use this to avoid recursive
// dirtying during their own Serialize callback.
func (c *Cache) GetSerializationInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serializationInProgress
}

// CacheIsClean reports whether every entry at ring innerRing or deeper
// (innerRing..ringCount-1) is clean, per spec.md §4.1.1.
func (c *Cache) CacheIsClean(innerRing int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	clean := true
	c.dirty.ascending(func(e *Entry) bool {
		if e.Ring >= innerRing {
			clean = false
			return false
		}
		return true
	})
	return clean
}

func (c *Cache) removeEntryLocked(e *Entry, freeInCore bool) {
	delete(c.index, e.Addr)
	if e.Flags.Has(FlagInSlist) {
		c.dirty.remove(e.Addr)
	}
	delete(c.pinned, e.Addr)
	delete(c.protected, e.Addr)
	c.lruRemove(e)
	if e.dirty() {
		c.dirtyBytes -= e.Size
	}
	c.stats.IndexSize -= e.Size
	c.stats.NumEntries--
	c.epoch++

	if vt, err := c.registry.Lookup(e.ClassID); err == nil {
		if vt.Notify != nil {
			_ = vt.Notify(class.NotifyBeforeDestroy, e.Obj)
		}
		if freeInCore && vt.FreeInCore != nil {
			_ = vt.FreeInCore(e.Obj)
		}
	}
}

func (c *Cache) markDirtyLocked(e *Entry) {
	if e.dirty() {
		return
	}
	e.Flags |= FlagDirty
	c.dirty.insert(e)
	c.dirtyBytes += e.Size
	if e.Flags.Has(FlagPrefetched) {
		c.stats.DirtyPrefetches++
	}
	for p := range e.deps.parents {
		p.deps.nDirtyChildren++
	}
}

func (c *Cache) markCleanLocked(e *Entry) {
	if !e.dirty() {
		return
	}
	e.Flags &^= FlagDirty
	c.dirty.remove(e.Addr)
	c.dirtyBytes -= e.Size
	for p := range e.deps.parents {
		if p.deps.nDirtyChildren > 0 {
			p.deps.nDirtyChildren--
		}
	}
}

// ctxBackground avoids importing context in call sites that don't
// otherwise need it; store I/O triggered by eviction uses it.
func ctxBackground() context.Context { return context.Background() }
