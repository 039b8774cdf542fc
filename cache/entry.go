package cache

import (
	"github.com/hdf5go/mdcache/format"
)

// Flag bits on an Entry, per spec.md §3's Entry row: {dirty, protected,
// read-only-ref-count, pinned-from-client, pinned-from-cache, in-slist,
// image-up-to-date, prefetched, visited}.
type Flag uint32

const (
	FlagDirty Flag = 1 << iota
	FlagProtected
	FlagWriteProtected
	FlagPinnedFromClient
	FlagPinnedFromCache
	FlagInSlist
	FlagImageUpToDate
	FlagPrefetched
	FlagVisited
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// flushDep holds the parent/child bookkeeping spec.md §4.1.5 requires:
// n_children, n_dirty_children, n_unserialized_children on every parent,
// maintained as children dirty/clean/serialize.
type flushDep struct {
	parents             map[*Entry]struct{}
	children            map[*Entry]struct{}
	nChildren           int
	nDirtyChildren      int
	nUnserializedChildren int
}

// Entry is one resident cache entry: an address, a size, a class id, a
// ring, the in-core representation, flags, flush-dependency state, and
// its membership in the cache's intrusive lists, per spec.md §3.
type Entry struct {
	Addr    format.Addr
	Size    uint64
	ClassID format.ClassID
	Ring    int
	Obj     any
	Flags   Flag
	Tag     format.Addr // object-header group id; format.AddrUndef if untagged

	readOnlyRefCount int
	prefetchTypeID   format.ClassID // valid only when Flags has FlagPrefetched

	deps flushDep

	// LRU doubly-linked list siblings. Entries currently in the pinned or
	// protected sets are removed from this list (spec.md §4.1.2 item 2).
	lruPrev, lruNext *Entry

	// isProxy marks a zero-size shared flush-dep parent, spec.md §4.1.6.
	isProxy    bool
	proxyRefs  int
}

func newEntry(addr format.Addr, classID format.ClassID, obj any, size uint64, ring int) *Entry {
	return &Entry{
		Addr:    addr,
		Size:    size,
		ClassID: classID,
		Ring:    ring,
		Obj:     obj,
		Tag:     format.AddrUndef,
		deps: flushDep{
			parents:  make(map[*Entry]struct{}),
			children: make(map[*Entry]struct{}),
		},
	}
}

func (e *Entry) dirty() bool      { return e.Flags.Has(FlagDirty) }
func (e *Entry) protected() bool  { return e.Flags.Has(FlagProtected) }
func (e *Entry) pinned() bool {
	return e.Flags.Has(FlagPinnedFromClient) || e.Flags.Has(FlagPinnedFromCache)
}
func (e *Entry) evictable() bool {
	return !e.protected() && !e.pinned() && e.deps.nUnserializedChildren == 0
}
