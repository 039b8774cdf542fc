// Package farray implements the Fixed Array of spec.md §4.3: like the
// extensible array but with its element count fixed at creation —
// header → single (optionally paged) data block, held as entries in a
// cache.Cache. Grounded in earray, generalized down from a growable
// super-block table to one data block whose size is known up front.
package farray

import (
	"fmt"

	"github.com/hdf5go/mdcache/format"
)

// CreateParams configures a new fixed array, per spec.md §4.3's
// create(store, params, ctx).
type CreateParams struct {
	ElementSize    uint64
	Nelmts         uint64 // total element count, fixed for the array's lifetime
	DBlkPageNElmts uint64 // 0 disables paging; otherwise the page size in elements
	FillValue      []byte // ElementSize bytes, returned by Get for any unwritten index
}

func (p CreateParams) validate() error {
	if p.ElementSize == 0 {
		return fmt.Errorf("farray: ElementSize must be > 0")
	}
	if p.Nelmts == 0 {
		return fmt.Errorf("farray: Nelmts must be > 0")
	}
	if uint64(len(p.FillValue)) != p.ElementSize {
		return fmt.Errorf("farray: FillValue must be exactly ElementSize bytes")
	}
	return nil
}

func (p CreateParams) paged() bool {
	return p.DBlkPageNElmts > 0 && p.Nelmts > p.DBlkPageNElmts
}

func (p CreateParams) npages() uint64 {
	if !p.paged() {
		return 0
	}
	return (p.Nelmts + p.DBlkPageNElmts - 1) / p.DBlkPageNElmts
}

// dataBlockAddrKey derives a synthetic, stable address for this array's
// single data block, used as the cache key for a block this package
// allocates lazily rather than up front. Real allocation goes through
// store.Allocator; this is the in-cache key before the backing bytes
// are committed.
func (h *Header) dataBlockAddrKey() format.Addr {
	return format.Addr(uint64(h.addr) ^ 0xFA00)
}

func (h *Header) pageAddrKey(pageIdx uint64) format.Addr {
	return format.Addr(uint64(h.addr) ^ (pageIdx << 4) ^ 0xFA01)
}
