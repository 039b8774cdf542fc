package farray

import (
	"context"
	"fmt"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/store"
)

// Register installs the fixed-array class vtables into reg. Callers
// building a cache for a file that contains fixed arrays must call this
// once (or use class.Default()).
func Register(reg *class.Registry) error {
	if err := reg.Register(headerVtable()); err != nil {
		return err
	}
	if err := reg.Register(dataBlockVtable()); err != nil {
		return err
	}
	return reg.Register(pageVtable())
}

// headerUdata is passed to Protect when opening an existing header: the
// image length depends on FillValue's length, discovered the same
// two-phase way as earray's header.
type headerUdata struct{}

func headerVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassFAHeader,
		Name: "farray-header",
		InitialImageSize: func(udata any) (uint64, error) {
			return uint64(headerFixedPrefixSize), nil
		},
		FinalImageSize: func(udata any, image []byte) (uint64, error) {
			if len(image) < headerFixedPrefixSize {
				return 0, fmt.Errorf("farray: short header prefix")
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

type dataBlockUdata struct {
	elementSize, nelmts, pageNElmts uint64
	paged                           bool
}

func dataBlockVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassFADataBlock,
		Name: "farray-data-block",
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
		FSFSize: func(obj any) (uint64, error) {
			db := obj.(*dataBlock)
			return fsfRegionSize(CreateParams{
				ElementSize:    db.elementSize,
				Nelmts:         db.nelmts,
				DBlkPageNElmts: db.pageNElmts,
			}), nil
		},
	}
}

type pageUdata struct{ size uint64 }

func pageVtable() *class.Vtable {
	return &class.Vtable{
		ID:   format.ClassFADataBlockPage,
		Name: "farray-data-block-page",
		InitialImageSize: func(udata any) (uint64, error) {
			return udata.(pageUdata).size, nil
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

// Handle is a reference to an open fixed array, per spec.md §4.3's shape
// of open(...) -> Handle (mirroring earray's).
type Handle struct {
	c          *cache.Cache
	st         store.Store
	reg        *class.Registry
	headerAddr format.Addr
}

// Create allocates a header for a new fixed array and returns its
// address. The data block is lazily created on first Set, matching
// earray's laziness for structure that costs a store write.
func Create(ctx context.Context, c *cache.Cache, st store.Store, params CreateParams) (format.Addr, error) {
	if err := params.validate(); err != nil {
		return format.AddrUndef, err
	}
	alloc, ok := st.(store.Allocator)
	if !ok {
		return format.AddrUndef, &store.UnsupportedOperationError{Op: "Alloc"}
	}
	h := &Header{params: params, dataBlockAddr: format.AddrUndef}
	size := uint64(len(marshalHeader(h)))
	addr := format.Addr(alloc.Alloc(size))
	h.addr = addr
	if err := c.Insert(addr, format.ClassFAHeader, h, size, 0, 0); err != nil {
		return format.AddrUndef, err
	}
	return addr, nil
}

// Open protects the header and returns a Handle, bumping its reference
// count, per spec.md §4.3.
func Open(ctx context.Context, c *cache.Cache, reg *class.Registry, st store.Store, addr format.Addr) (*Handle, error) {
	e, err := c.Protect(ctx, addr, format.ClassFAHeader, headerUdata{}, cache.ProtectReadOnly)
	if err != nil {
		return nil, err
	}
	h := e.Obj.(*Header)
	if h.pendingDelete {
		c.Unprotect(addr, 0, 0)
		return nil, &PendingDeleteError{Addr: addr}
	}
	h.refCount++
	c.Unprotect(addr, 0, 0)
	return &Handle{c: c, st: st, reg: reg, headerAddr: addr}, nil
}

func (hd *Handle) withHeader(fn func(h *Header) (cache.UnprotectFlag, error)) error {
	e, err := hd.c.Protect(context.Background(), hd.headerAddr, format.ClassFAHeader, headerUdata{}, 0)
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

// Get returns the element at i, or the array's fill value if the data
// block, or i's page within it, was never written, per spec.md §4.3 /
// invariant I9.
func (hd *Handle) Get(ctx context.Context, i uint64) ([]byte, error) {
	var h *Header
	if err := hd.withHeader(func(hdr *Header) (cache.UnprotectFlag, error) {
		h = hdr
		return 0, nil
	}); err != nil {
		return nil, err
	}
	if i >= h.params.Nelmts {
		return nil, &OutOfRangeError{Index: i, Nelmts: h.params.Nelmts}
	}

	fill := func() []byte {
		out := make([]byte, len(h.params.FillValue))
		copy(out, h.params.FillValue)
		return out
	}

	dblkAddr := h.dataBlockAddrKey()
	if !hd.c.Exists(dblkAddr) {
		return fill(), nil
	}

	paged := h.params.paged()
	udata := dataBlockUdata{elementSize: h.params.ElementSize, nelmts: h.params.Nelmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
	e, err := hd.c.Protect(ctx, dblkAddr, format.ClassFADataBlock, udata, cache.ProtectReadOnly)
	if err != nil {
		return nil, err
	}
	db := e.Obj.(*dataBlock)
	hd.c.Unprotect(dblkAddr, 0, 0)

	if !paged {
		off := i * h.params.ElementSize
		out := make([]byte, h.params.ElementSize)
		copy(out, db.elements[off:off+h.params.ElementSize])
		return out, nil
	}

	pageIdx := i / h.params.DBlkPageNElmts
	elmtInPage := i % h.params.DBlkPageNElmts
	if int(pageIdx) >= len(db.pageInit) || !db.pageInit[pageIdx] {
		return fill(), nil
	}
	pageAddr := h.pageAddrKey(pageIdx)
	pe, err := hd.c.Protect(ctx, pageAddr, format.ClassFADataBlockPage, pageUdata{size: h.params.DBlkPageNElmts * h.params.ElementSize}, cache.ProtectReadOnly)
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

// Set writes element at i, creating the data block (and, if paged, the
// element's page) the first time either is needed, per spec.md §4.3.
func (hd *Handle) Set(ctx context.Context, i uint64, element []byte) error {
	return hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		if uint64(len(element)) != h.params.ElementSize {
			return 0, &ElementSizeError{Want: h.params.ElementSize, Got: uint64(len(element))}
		}
		if i >= h.params.Nelmts {
			return 0, &OutOfRangeError{Index: i, Nelmts: h.params.Nelmts}
		}
		if err := hd.createDataBlockLocked(h); err != nil {
			return 0, err
		}
		if err := hd.writeElement(ctx, h, i, element); err != nil {
			return 0, err
		}
		return cache.UnprotectDirtied, nil
	})
}

func (hd *Handle) createDataBlockLocked(h *Header) error {
	dblkAddr := h.dataBlockAddrKey()
	if hd.c.Exists(dblkAddr) {
		return nil
	}
	paged := h.params.paged()
	db := &dataBlock{elementSize: h.params.ElementSize, nelmts: h.params.Nelmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
	if paged {
		db.pageInit = make([]bool, h.params.npages())
	} else {
		db.elements = make([]byte, h.params.Nelmts*h.params.ElementSize)
		for k := uint64(0); k < h.params.Nelmts; k++ {
			copy(db.elements[k*h.params.ElementSize:], h.params.FillValue)
		}
	}
	alloc, ok := hd.st.(store.Allocator)
	if !ok {
		return &store.UnsupportedOperationError{Op: "Alloc"}
	}
	_ = alloc.Alloc(fsfRegionSize(h.params)) // reserves the whole contiguous extent up front
	size := uint64(len(marshalDataBlock(db)))
	if err := hd.c.Insert(dblkAddr, format.ClassFADataBlock, db, size, 0, 0); err != nil {
		return err
	}
	if !h.hasDepend {
		if err := hd.c.FlushDepCreate(h.addr, dblkAddr); err == nil {
			h.hasDepend = true
		}
	}
	h.dataBlockAddr = dblkAddr
	return nil
}

func (hd *Handle) writeElement(ctx context.Context, h *Header, i uint64, element []byte) error {
	dblkAddr := h.dataBlockAddrKey()
	paged := h.params.paged()
	udata := dataBlockUdata{elementSize: h.params.ElementSize, nelmts: h.params.Nelmts, paged: paged, pageNElmts: h.params.DBlkPageNElmts}
	e, err := hd.c.Protect(ctx, dblkAddr, format.ClassFADataBlock, udata, 0)
	if err != nil {
		return err
	}
	db := e.Obj.(*dataBlock)

	if !paged {
		off := i * h.params.ElementSize
		copy(db.elements[off:off+h.params.ElementSize], element)
		return hd.c.Unprotect(dblkAddr, cache.UnprotectDirtied, 0)
	}

	if err := hd.c.Unprotect(dblkAddr, cache.UnprotectDirtied, 0); err != nil {
		return err
	}
	pageIdx := i / h.params.DBlkPageNElmts
	elmtInPage := i % h.params.DBlkPageNElmts
	pageAddr := h.pageAddrKey(pageIdx)
	if !hd.c.Exists(pageAddr) {
		pg := &page{elements: make([]byte, h.params.DBlkPageNElmts*h.params.ElementSize)}
		for k := uint64(0); k < h.params.DBlkPageNElmts; k++ {
			copy(pg.elements[k*h.params.ElementSize:], h.params.FillValue)
		}
		if err := hd.c.Insert(pageAddr, format.ClassFADataBlockPage, pg, uint64(len(pg.elements)), 0, 0); err != nil {
			return err
		}
		if int(pageIdx) < len(db.pageInit) {
			db.pageInit[pageIdx] = true
		}
	}
	pe, err := hd.c.Protect(ctx, pageAddr, format.ClassFADataBlockPage, pageUdata{size: h.params.DBlkPageNElmts * h.params.ElementSize}, 0)
	if err != nil {
		return err
	}
	pg := pe.Obj.(*page)
	off := elmtInPage * h.params.ElementSize
	copy(pg.elements[off:off+h.params.ElementSize], element)
	return hd.c.Unprotect(pageAddr, cache.UnprotectDirtied, 0)
}

// Iterate visits every index in 0..Nelmts, invoking op; op returns false
// to stop the scan early.
func (hd *Handle) Iterate(ctx context.Context, op func(i uint64, element []byte) (bool, error)) error {
	var nelmts uint64
	if err := hd.withHeader(func(h *Header) (cache.UnprotectFlag, error) {
		nelmts = h.params.Nelmts
		return 0, nil
	}); err != nil {
		return err
	}
	for i := uint64(0); i < nelmts; i++ {
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
// parent proxy, tying this array's lifetime to its owning object.
func (hd *Handle) Depend(parentProxy format.Addr) error {
	return hd.c.FlushDepCreate(parentProxy, hd.headerAddr)
}

// Close decrements the handle's reference; on last close, if
// pending_delete was set, the whole structure is deleted.
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

// Delete recursively releases every block of the array at addr back to
// the cache, per spec.md §4.3.
func Delete(ctx context.Context, c *cache.Cache, st store.Store, addr format.Addr) error {
	e, err := c.Protect(ctx, addr, format.ClassFAHeader, headerUdata{}, 0)
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

	dblkAddr := h.dataBlockAddrKey()
	if c.Exists(dblkAddr) {
		if h.params.paged() {
			for pageIdx := uint64(0); pageIdx < h.params.npages(); pageIdx++ {
				pageAddr := h.pageAddrKey(pageIdx)
				if c.Exists(pageAddr) {
					_ = c.Expunge(pageAddr, true)
				}
			}
		}
		_ = c.Expunge(dblkAddr, true)
	}
	return c.Expunge(addr, true)
}

// ElementSizeError reports a Set call whose element doesn't match the
// array's configured element size.
type ElementSizeError struct{ Want, Got uint64 }

func (e *ElementSizeError) Error() string {
	return "farray: element size mismatch"
}

// OutOfRangeError reports an index outside [0, Nelmts).
type OutOfRangeError struct{ Index, Nelmts uint64 }

func (e *OutOfRangeError) Error() string {
	return "farray: index out of range"
}

// PendingDeleteError reports Open on a header already marked for
// deletion.
type PendingDeleteError struct{ Addr format.Addr }

func (e *PendingDeleteError) Error() string {
	return "farray: header at " + e.Addr.String() + " is pending delete"
}
