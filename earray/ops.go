package earray

import (
	"context"
	"fmt"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/store"
)

// Register installs the extensible-array class vtables into reg. Callers
// building a cache for a file that contains extensible arrays must call
// this once (or register into class.Default(), the registry cache.New
// uses when Config.Registry is nil).
func Register(reg *class.Registry) error {
	if err := reg.Register(headerVtable()); err != nil {
		return err
	}
	if err := reg.Register(indexBlockVtable()); err != nil {
		return err
	}
	if err := reg.Register(dataBlockVtable()); err != nil {
		return err
	}
	if err := reg.Register(pageVtable()); err != nil {
		return err
	}
	return reg.Register(superBlockVtable())
}

type superBlockUdata struct {
	sblkIdx int
	nBits   int
}

func superBlockVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassEASuperBlock,
		Name: "earray-super-block",
		InitialImageSize: func(udata any) (uint64, error) {
			u := udata.(superBlockUdata)
			return uint64(format.BlockHeaderSize+u.nBits) + uint64(format.ChecksumSize), nil
		},
		VerifyChecksum: func(image []byte) error { return format.VerifyChecksum(image) },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			u := udata.(superBlockUdata)
			sb, err := unmarshalSuperBlock(image, u.sblkIdx, u.nBits)
			return sb, 0, err
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(marshalSuperBlock(obj.(*superBlock)))), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, marshalSuperBlock(obj.(*superBlock)))
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

type pageUdata struct{ size uint64 }

func pageVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassEADataBlockPage,
		Name: "earray-data-block-page",
		InitialImageSize: func(udata any) (uint64, error) {
			u := udata.(pageUdata)
			return u.size, nil
		},
		VerifyChecksum: func(image []byte) error { return nil },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			cp := make([]byte, len(image))
			copy(cp, image)
			return &page{elements: cp}, 0, nil
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(obj.(*page).elements)), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, obj.(*page).elements)
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

// headerUdata is passed to Protect when opening an existing header: the
// image length isn't known until the fixed-size prefix (fill value
// length) has been read, so InitialImageSize reads only that prefix and
// FinalImageSize computes the exact length from the fill-value length
// byte it contains.
type headerUdata struct{}

// headerFixedPrefixSize is BlockHeader + the 7 uint64 fields + the
// fill-value length byte; it never depends on FillValue's own length.
const headerFixedPrefixSize = format.BlockHeaderSize + 56 + 1

func headerVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassEAHeader,
		Name: "earray-header",
		InitialImageSize: func(udata any) (uint64, error) {
			return uint64(headerFixedPrefixSize), nil
		},
		FinalImageSize: func(udata any, image []byte) (uint64, error) {
			if len(image) < headerFixedPrefixSize {
				return 0, fmt.Errorf("earray: short header prefix")
			}
			fillLen := int(image[headerFixedPrefixSize-1])
			return uint64(headerFixedPrefixSize+fillLen) + uint64(format.ChecksumSize), nil
		},
		VerifyChecksum: func(image []byte) error { return format.VerifyChecksum(image) },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			h, err := unmarshalHeader(image)
			if err != nil {
				return nil, 0, err
			}
			h.addr = addr
			return h, 0, nil
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(marshalHeader(obj.(*Header)))), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, marshalHeader(obj.(*Header)))
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

type indexBlockUdata struct{ inlineLen int }

func indexBlockVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassEAIndexBlock,
		Name: "earray-index-block",
		InitialImageSize: func(udata any) (uint64, error) {
			u := udata.(indexBlockUdata)
			return uint64(format.BlockHeaderSize+u.inlineLen) + uint64(format.ChecksumSize), nil
		},
		VerifyChecksum: func(image []byte) error { return format.VerifyChecksum(image) },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			u := udata.(indexBlockUdata)
			ib, err := unmarshalIndexBlock(image, u.inlineLen)
			return ib, 0, err
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(marshalIndexBlock(obj.(*indexBlock)))), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, marshalIndexBlock(obj.(*indexBlock)))
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

type dataBlockUdata struct {
	elementSize, nelmts, pageNElmts uint64
	paged                           bool
}

func dataBlockVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassEADataBlock,
		Name: "earray-data-block",
		InitialImageSize: func(udata any) (uint64, error) {
			u := udata.(dataBlockUdata)
			if u.paged {
				npages := (u.nelmts + u.pageNElmts - 1) / u.pageNElmts
				return uint64(format.BlockHeaderSize) + npages + uint64(format.ChecksumSize), nil
			}
			return uint64(format.BlockHeaderSize) + u.elementSize*u.nelmts + uint64(format.ChecksumSize), nil
		},
		VerifyChecksum: func(image []byte) error { return format.VerifyChecksum(image) },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			u := udata.(dataBlockUdata)
			db, err := unmarshalDataBlock(image, u.elementSize, u.nelmts, u.paged, u.pageNElmts)
			return db, 0, err
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(marshalDataBlock(obj.(*dataBlock)))), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, marshalDataBlock(obj.(*dataBlock)))
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

// Handle is a reference to an open extensible array, per spec.md §4.2.2's
// open(...) -> Handle.
type Handle struct {
	c          *cache.Cache
	st         store.Store
	reg        *class.Registry
	headerAddr format.Addr
}

// Create allocates a header for a new extensible array and returns its
// address. The index block is lazily created on first Set, per spec.md
// §4.2.2.
func Create(ctx context.Context, c *cache.Cache, st store.Store, params CreateParams) (format.Addr, error) {
	if err := params.validate(); err != nil {
		return format.AddrUndef, err
	}
	alloc, ok := st.(store.Allocator)
	if !ok {
		return format.AddrUndef, &store.UnsupportedOperationError{Op: "Alloc"}
	}
	h := &Header{
		params:       params,
		sblkTable:    buildSuperBlockTable(params.DataBlkMinElmts, params.MaxSuperBlocks),
		idxBlockAddr: format.AddrUndef,
	}
	size := uint64(len(marshalHeader(h)))
	addr := format.Addr(alloc.Alloc(size))
	h.addr = addr
	if err := c.Insert(addr, format.ClassEAHeader, h, size, 0, 0); err != nil {
		return format.AddrUndef, err
	}
	return addr, nil
}

// Open protects the header and returns a Handle, bumping its reference
// count, per spec.md §4.2.2.
func Open(ctx context.Context, c *cache.Cache, reg *class.Registry, st store.Store, addr format.Addr) (*Handle, error) {
	e, err := c.Protect(ctx, addr, format.ClassEAHeader, headerUdata{}, cache.ProtectReadOnly)
	if err != nil {
		return nil, err
	}
	h := e.Obj.(*Header)
	if h.pendingDelete {
		c.Unprotect(addr, 0, 0)
		return nil, &PendingDeleteError{Addr: addr}
	}
	if len(h.sblkTable) == 0 {
		h.sblkTable = buildSuperBlockTable(h.params.DataBlkMinElmts, h.params.MaxSuperBlocks)
	}
	h.refCount++
	c.Unprotect(addr, 0, 0)
	return &Handle{c: c, st: st, reg: reg, headerAddr: addr}, nil
}

func (hd *Handle) withHeader(fn func(h *Header) (cache.UnprotectFlag, error)) error {
	e, err := hd.c.Protect(context.Background(), hd.headerAddr, format.ClassEAHeader, headerUdata{}, 0)
	if err != nil {
		return err
	}
	h := e.Obj.(*Header)
	flags, err := fn(h)
	uerr := hd.c.Unprotect(hd.headerAddr, flags, 0)
	if err != nil {
		return err
	}
	return uerr
}

// Get returns the element at i, or the array's fill value if
// i >= max_idx_set, per spec.md §4.2.2.
func (hd *Handle) Get(ctx context.Context, i uint64) ([]byte, error) {
	var headerSnapshot *Header
	if err := hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		headerSnapshot = h
		return 0, nil
	}); err != nil {
		return nil, err
	}
	h := headerSnapshot

	if i >= h.maxIdxSet {
		out := make([]byte, len(h.params.FillValue))
		copy(out, h.params.FillValue)
		return out, nil
	}

	loc, err := h.locate(i)
	if err != nil {
		return nil, err
	}
	if loc.inline {
		if !h.idxBlockAddr.Defined() {
			out := make([]byte, len(h.params.FillValue))
			copy(out, h.params.FillValue)
			return out, nil
		}
		e, err := hd.c.Protect(ctx, h.idxBlockAddr, format.ClassEAIndexBlock,
			indexBlockUdata{inlineLen: int(h.params.IdxBlkElmts * h.params.ElementSize)}, cache.ProtectReadOnly)
		if err != nil {
			return nil, err
		}
		defer hd.c.Unprotect(h.idxBlockAddr, 0, 0)
		ib := e.Obj.(*indexBlock)
		off := loc.inlineSlot * h.params.ElementSize
		out := make([]byte, h.params.ElementSize)
		copy(out, ib.inline[off:off+h.params.ElementSize])
		return out, nil
	}

	return hd.readFromDataBlock(ctx, h, loc)
}

func (hd *Handle) readFromDataBlock(ctx context.Context, h *Header, loc location) ([]byte, error) {
	info := h.sblkTable[loc.sblkIdx]
	dblkAddr := h.dataBlockAddrKey(loc.sblkIdx, loc.dblkLocalIdx)
	paged := h.params.DBlkPageNElmts > 0 && info.dblkNElmts > h.params.DBlkPageNElmts

	if !hd.c.Exists(dblkAddr) {
		out := make([]byte, len(h.params.FillValue))
		copy(out, h.params.FillValue)
		return out, nil
	}

	udata := dataBlockUdata{elementSize: h.params.ElementSize, nelmts: info.dblkNElmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
	e, err := hd.c.Protect(ctx, dblkAddr, format.ClassEADataBlock, udata, cache.ProtectReadOnly)
	if err != nil {
		return nil, err
	}
	db := e.Obj.(*dataBlock)
	hd.c.Unprotect(dblkAddr, 0, 0)

	if !paged {
		off := loc.elmtInDblk * h.params.ElementSize
		out := make([]byte, h.params.ElementSize)
		copy(out, db.elements[off:off+h.params.ElementSize])
		return out, nil
	}

	pageIdx := loc.elmtInDblk / h.params.DBlkPageNElmts
	elmtInPage := loc.elmtInDblk % h.params.DBlkPageNElmts
	bitIdx := loc.dblkLocalIdx*((info.dblkNElmts+h.params.DBlkPageNElmts-1)/h.params.DBlkPageNElmts) + pageIdx

	initialized := false
	if h.usesSuperBlock(loc.sblkIdx) {
		sbAddr := h.superBlockAddrKey(loc.sblkIdx)
		if hd.c.Exists(sbAddr) {
			pagesPerDblk := (info.dblkNElmts + h.params.DBlkPageNElmts - 1) / h.params.DBlkPageNElmts
			se, err := hd.c.Protect(ctx, sbAddr, format.ClassEASuperBlock,
				superBlockUdata{sblkIdx: loc.sblkIdx, nBits: int(info.nDataBlks * pagesPerDblk)}, cache.ProtectReadOnly)
			if err != nil {
				return nil, err
			}
			sb := se.Obj.(*superBlock)
			initialized = int(bitIdx) < len(sb.pageInit) && sb.pageInit[bitIdx]
			hd.c.Unprotect(sbAddr, 0, 0)
		}
	} else {
		initialized = int(pageIdx) < len(db.pageInit) && db.pageInit[pageIdx]
	}
	if !initialized {
		out := make([]byte, len(h.params.FillValue))
		copy(out, h.params.FillValue)
		return out, nil
	}
	pageAddr := h.pageAddrKey(dblkAddr, pageIdx)
	pe, err := hd.c.Protect(ctx, pageAddr, format.ClassEADataBlockPage, pageUdata{size: h.params.DBlkPageNElmts * h.params.ElementSize}, cache.ProtectReadOnly)
	if err != nil {
		return nil, err
	}
	defer hd.c.Unprotect(pageAddr, 0, 0)
	pg := pe.Obj.(*page)
	off := elmtInPage * h.params.ElementSize
	out := make([]byte, h.params.ElementSize)
	copy(out, pg.elements[off:off+h.params.ElementSize])
	return out, nil
}

// Set writes element at i, creating any missing index block, super
// block, data block, or page along the way, per spec.md §4.2.2.
func (hd *Handle) Set(ctx context.Context, i uint64, element []byte) error {
	return hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		if uint64(len(element)) != h.params.ElementSize {
			return 0, &ElementSizeError{Want: h.params.ElementSize, Got: uint64(len(element))}
		}

		if !h.idxBlockAddr.Defined() {
			if err := hd.createIndexBlockLocked(ctx, h); err != nil {
				return 0, err
			}
		}

		loc, err := h.locate(i)
		if err != nil {
			return 0, err
		}

		if loc.inline {
			if err := hd.writeInline(ctx, h, loc, element); err != nil {
				return 0, err
			}
		} else {
			if err := hd.writeToDataBlock(ctx, h, loc, element); err != nil {
				return 0, err
			}
		}

		if i >= h.maxIdxSet {
			h.maxIdxSet = i + 1
		}
		return cache.UnprotectDirtied, nil
	})
}

func (hd *Handle) createIndexBlockLocked(ctx context.Context, h *Header) error {
	ib := &indexBlock{inline: make([]byte, h.params.IdxBlkElmts*h.params.ElementSize)}
	for i := uint64(0); i < h.params.IdxBlkElmts; i++ {
		copy(ib.inline[i*h.params.ElementSize:], h.params.FillValue)
	}
	size := uint64(len(marshalIndexBlock(ib)))
	alloc, ok := hd.st.(store.Allocator)
	if !ok {
		return &store.UnsupportedOperationError{Op: "Alloc"}
	}
	addr := format.Addr(alloc.Alloc(size))
	if err := hd.c.Insert(addr, format.ClassEAIndexBlock, ib, size, 0, 0); err != nil {
		return err
	}
	h.idxBlockAddr = addr
	if !h.hasIdxDepend {
		if err := hd.c.FlushDepCreate(h.addr, addr); err == nil {
			h.hasIdxDepend = true
		}
	}
	return nil
}

// createSuperBlockLocked materializes the super block entity covering
// sblkIdx the first time any of its data blocks is written, per
// spec.md §4.2.1 ("for k ≥ nsblks the index block stores the
// super-block address and the super block stores data-block
// addresses").
func (hd *Handle) createSuperBlockLocked(h *Header, sblkIdx int, info sblkInfo, pagesPerDblk uint64) error {
	paged := h.params.DBlkPageNElmts > 0 && info.dblkNElmts > h.params.DBlkPageNElmts
	sb := &superBlock{sblkIdx: sblkIdx}
	if paged {
		sb.pageInit = make([]bool, info.nDataBlks*pagesPerDblk)
	}
	size := uint64(len(marshalSuperBlock(sb)))
	alloc, ok := hd.st.(store.Allocator)
	if !ok {
		return &store.UnsupportedOperationError{Op: "Alloc"}
	}
	_ = alloc.Alloc(size)
	sbAddr := h.superBlockAddrKey(sblkIdx)
	if err := hd.c.Insert(sbAddr, format.ClassEASuperBlock, sb, size, 0, 0); err != nil {
		return err
	}
	return hd.c.FlushDepCreate(h.addr, sbAddr)
}

// markSuperBlockPageInit flips a super block's page-init bit for a
// newly-created page, per the super block's role of §4.2's table
// ("page-init bitmap").
func (hd *Handle) markSuperBlockPageInit(ctx context.Context, h *Header, sblkIdx int, info sblkInfo, pagesPerDblk, bitIdx uint64) error {
	sbAddr := h.superBlockAddrKey(sblkIdx)
	se, err := hd.c.Protect(ctx, sbAddr, format.ClassEASuperBlock,
		superBlockUdata{sblkIdx: sblkIdx, nBits: int(info.nDataBlks * pagesPerDblk)}, 0)
	if err != nil {
		return err
	}
	sb := se.Obj.(*superBlock)
	if int(bitIdx) < len(sb.pageInit) {
		sb.pageInit[bitIdx] = true
	}
	return hd.c.Unprotect(sbAddr, cache.UnprotectDirtied, 0)
}

func (hd *Handle) writeInline(ctx context.Context, h *Header, loc location, element []byte) error {
	e, err := hd.c.Protect(ctx, h.idxBlockAddr, format.ClassEAIndexBlock,
		indexBlockUdata{inlineLen: int(h.params.IdxBlkElmts * h.params.ElementSize)}, 0)
	if err != nil {
		return err
	}
	ib := e.Obj.(*indexBlock)
	off := loc.inlineSlot * h.params.ElementSize
	copy(ib.inline[off:off+h.params.ElementSize], element)
	return hd.c.Unprotect(h.idxBlockAddr, cache.UnprotectDirtied, 0)
}

func (hd *Handle) writeToDataBlock(ctx context.Context, h *Header, loc location, element []byte) error {
	info := h.sblkTable[loc.sblkIdx]
	dblkAddr := h.dataBlockAddrKey(loc.sblkIdx, loc.dblkLocalIdx)
	paged := h.params.DBlkPageNElmts > 0 && info.dblkNElmts > h.params.DBlkPageNElmts
	pagesPerDblk := uint64(1)
	if paged {
		pagesPerDblk = (info.dblkNElmts + h.params.DBlkPageNElmts - 1) / h.params.DBlkPageNElmts
	}
	useSblk := h.usesSuperBlock(loc.sblkIdx)
	sbAddr := h.superBlockAddrKey(loc.sblkIdx)

	if useSblk && !hd.c.Exists(sbAddr) {
		if err := hd.createSuperBlockLocked(h, loc.sblkIdx, info, pagesPerDblk); err != nil {
			return err
		}
	}

	if !hd.c.Exists(dblkAddr) {
		db := &dataBlock{elementSize: h.params.ElementSize, nelmts: info.dblkNElmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
		if paged {
			if !useSblk {
				db.pageInit = make([]bool, pagesPerDblk)
			}
		} else {
			db.elements = make([]byte, info.dblkNElmts*h.params.ElementSize)
			for k := uint64(0); k < info.dblkNElmts; k++ {
				copy(db.elements[k*h.params.ElementSize:], h.params.FillValue)
			}
		}
		size := uint64(len(marshalDataBlock(db)))
		alloc, ok := hd.st.(store.Allocator)
		if !ok {
			return &store.UnsupportedOperationError{Op: "Alloc"}
		}
		_ = alloc.Alloc(size) // real space is owned by this package's synthetic addr; this records usage
		if err := hd.c.Insert(dblkAddr, format.ClassEADataBlock, db, size, 0, 0); err != nil {
			return err
		}
		depParent := h.addr
		if useSblk {
			depParent = sbAddr
		}
		if err := hd.c.FlushDepCreate(depParent, dblkAddr); err == nil && !useSblk {
			h.hasHdrDepend = true
		}
	}

	udata := dataBlockUdata{elementSize: h.params.ElementSize, nelmts: info.dblkNElmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
	e, err := hd.c.Protect(ctx, dblkAddr, format.ClassEADataBlock, udata, 0)
	if err != nil {
		return err
	}
	db := e.Obj.(*dataBlock)

	if !paged {
		off := loc.elmtInDblk * h.params.ElementSize
		copy(db.elements[off:off+h.params.ElementSize], element)
		return hd.c.Unprotect(dblkAddr, cache.UnprotectDirtied, 0)
	}

	if err := hd.c.Unprotect(dblkAddr, cache.UnprotectDirtied, 0); err != nil {
		return err
	}
	pageIdx := loc.elmtInDblk / h.params.DBlkPageNElmts
	elmtInPage := loc.elmtInDblk % h.params.DBlkPageNElmts
	bitIdx := loc.dblkLocalIdx*pagesPerDblk + pageIdx
	pageAddr := h.pageAddrKey(dblkAddr, pageIdx)
	if !hd.c.Exists(pageAddr) {
		pg := &page{elements: make([]byte, h.params.DBlkPageNElmts*h.params.ElementSize)}
		for k := uint64(0); k < h.params.DBlkPageNElmts; k++ {
			copy(pg.elements[k*h.params.ElementSize:], h.params.FillValue)
		}
		if err := hd.c.Insert(pageAddr, format.ClassEADataBlockPage, pg, uint64(len(pg.elements)), 0, 0); err != nil {
			return err
		}
		if useSblk {
			if err := hd.markSuperBlockPageInit(ctx, h, loc.sblkIdx, info, pagesPerDblk, bitIdx); err != nil {
				return err
			}
		} else {
			db.pageInit[pageIdx] = true
		}
	}
	pe, err := hd.c.Protect(ctx, pageAddr, format.ClassEADataBlockPage, pageUdata{size: h.params.DBlkPageNElmts * h.params.ElementSize}, 0)
	if err != nil {
		return err
	}
	pg := pe.Obj.(*page)
	off := elmtInPage * h.params.ElementSize
	copy(pg.elements[off:off+h.params.ElementSize], element)
	return hd.c.Unprotect(pageAddr, cache.UnprotectDirtied, 0)
}

// Iterate visits every index in 0..max_idx_set, invoking op; op returns
// false to stop the scan early, per spec.md §4.2.2.
func (hd *Handle) Iterate(ctx context.Context, op func(i uint64, element []byte) (bool, error)) error {
	var maxIdx uint64
	if err := hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		maxIdx = h.maxIdxSet
		return 0, nil
	}); err != nil {
		return err
	}
	for i := uint64(0); i < maxIdx; i++ {
		elem, err := hd.Get(ctx, i)
		if err != nil {
			return err
		}
		cont, err := op(i, elem)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Depend installs a flush-dep edge from the header into a caller-owned
// parent proxy, tying this array's lifetime to its owning object, per
// spec.md §4.2.2.
func (hd *Handle) Depend(parentProxy format.Addr) error {
	return hd.c.FlushDepCreate(parentProxy, hd.headerAddr)
}

// Close decrements the handle's reference; on last close, if
// pending_delete was set, the whole structure is deleted, per spec.md
// §4.2.2.
func (hd *Handle) Close(ctx context.Context) error {
	var shouldDelete bool
	err := hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		h.refCount--
		if h.refCount <= 0 && h.pendingDelete {
			shouldDelete = true
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if shouldDelete {
		return Delete(ctx, hd.c, hd.st, hd.headerAddr)
	}
	return nil
}

// Delete recursively expunges every block of the array at addr from the
// cache, per spec.md §4.2.2; no file space is returned to the store.
func Delete(ctx context.Context, c *cache.Cache, st store.Store, addr format.Addr) error {
	e, err := c.Protect(ctx, addr, format.ClassEAHeader, headerUdata{}, 0)
	if err != nil {
		return err
	}
	h := e.Obj.(*Header)
	if h.refCount > 0 {
		h.pendingDelete = true
		return c.Unprotect(addr, cache.UnprotectDirtied, 0)
	}
	if err := c.Unprotect(addr, 0, 0); err != nil {
		return err
	}

	if h.idxBlockAddr.Defined() && c.Exists(h.idxBlockAddr) {
		_ = c.Expunge(h.idxBlockAddr, true)
	}
	for sblkIdx := range h.sblkTable {
		info := h.sblkTable[sblkIdx]
		paged := h.params.DBlkPageNElmts > 0 && info.dblkNElmts > h.params.DBlkPageNElmts
		if h.usesSuperBlock(sblkIdx) {
			if sbAddr := h.superBlockAddrKey(sblkIdx); c.Exists(sbAddr) {
				_ = c.Expunge(sbAddr, true)
			}
		}
		for dblkIdx := uint64(0); dblkIdx < info.nDataBlks; dblkIdx++ {
			dblkAddr := h.dataBlockAddrKey(sblkIdx, dblkIdx)
			if !c.Exists(dblkAddr) {
				continue
			}
			if paged {
				npages := (info.dblkNElmts + h.params.DBlkPageNElmts - 1) / h.params.DBlkPageNElmts
				for pageIdx := uint64(0); pageIdx < npages; pageIdx++ {
					pageAddr := h.pageAddrKey(dblkAddr, pageIdx)
					if c.Exists(pageAddr) {
						_ = c.Expunge(pageAddr, true)
					}
				}
			}
			_ = c.Expunge(dblkAddr, true)
		}
	}
	return c.Expunge(addr, true)
}

// ElementSizeError reports a Set call whose element doesn't match the
// array's configured element size.
type ElementSizeError struct{ Want, Got uint64 }

func (e *ElementSizeError) Error() string {
	return "earray: element size mismatch"
}

// PendingDeleteError reports Open on a header already marked for
// deletion, per spec.md §4.2.2 ("refuses if header has pending_delete").
type PendingDeleteError struct{ Addr format.Addr }

func (e *PendingDeleteError) Error() string {
	return "earray: header at " + e.Addr.String() + " is pending delete"
}
