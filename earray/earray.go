// Package earray implements the Extensible Array of spec.md §4.2: an
// array whose element count grows without bound, addressed through an
// index block, a table of super blocks, data blocks, and (optionally)
// paged data blocks, all held as entries in a cache.Cache. Grounded in
// the teacher's pager B-tree (internal/storage/pager, now removed)
// generalized from a fixed fan-out B+Tree to the EA's doubling super-
// block table.
package earray

import (
	"fmt"

	"github.com/hdf5go/mdcache/format"
)

// CreateParams configures a new extensible array, per spec.md §4.2's
// create(store, params, ctx).
type CreateParams struct {
	ElementSize       uint64
	IdxBlkElmts       uint64 // elements stored inline in the index block
	DataBlkMinElmts   uint64 // element count of the smallest data block
	SupBlkMinDataPtrs uint64 // number of super blocks addressed directly ("nsblks")
	DBlkPageNElmts    uint64 // 0 disables paging; otherwise the page size in elements
	MaxSuperBlocks    int    // bound on the super-block table, limits max index
	FillValue         []byte // ElementSize bytes, returned by Get past max_idx_set
}

func (p CreateParams) validate() error {
	if p.ElementSize == 0 {
		return fmt.Errorf("earray: ElementSize must be > 0")
	}
	if p.DataBlkMinElmts == 0 {
		return fmt.Errorf("earray: DataBlkMinElmts must be > 0")
	}
	if uint64(len(p.FillValue)) != p.ElementSize {
		return fmt.Errorf("earray: FillValue must be exactly ElementSize bytes")
	}
	if p.MaxSuperBlocks <= 0 {
		return fmt.Errorf("earray: MaxSuperBlocks must be > 0")
	}
	return nil
}

// sblkInfo describes one entry of the super-block table of spec.md
// §4.2.1: the logical start index it covers, the element count of each
// of its data blocks, and how many data blocks it holds. Growth doubles
// both dblkNElmts and nDataBlks every two table entries, the same
// doubling shape the real extensible array uses.
type sblkInfo struct {
	startIdx   uint64
	dblkNElmts uint64
	nDataBlks  uint64
}

func buildSuperBlockTable(dataBlkMinElmts uint64, count int) []sblkInfo {
	table := make([]sblkInfo, count)
	var start uint64
	for k := 0; k < count; k++ {
		pair := uint(k / 2)
		info := sblkInfo{
			startIdx:   start,
			dblkNElmts: dataBlkMinElmts << pair,
			nDataBlks:  uint64(1) << pair,
		}
		table[k] = info
		start += info.dblkNElmts * info.nDataBlks
	}
	return table
}

// locate resolves a logical element index i (spec.md §4.2.1) into either
// an inline-index-block slot, or a (superBlockIndex, dataBlockIndex,
// elementInBlock) triple.
type location struct {
	inline       bool
	inlineSlot   uint64
	sblkIdx      int
	dblkLocalIdx uint64
	elmtInDblk   uint64
}

func (h *Header) locate(i uint64) (location, error) {
	if i < h.params.IdxBlkElmts {
		return location{inline: true, inlineSlot: i}, nil
	}
	j := i - h.params.IdxBlkElmts
	for k, info := range h.sblkTable {
		span := info.dblkNElmts * info.nDataBlks
		if j < info.startIdx+span {
			local := j - info.startIdx
			return location{
				sblkIdx:      k,
				dblkLocalIdx: local / info.dblkNElmts,
				elmtInDblk:   local % info.dblkNElmts,
			}, nil
		}
	}
	return location{}, fmt.Errorf("earray: index %d exceeds the configured super-block table bound", i)
}

// dataBlockAddrKey derives a synthetic, stable address for a data block
// or page within this array's address space, used as the cache key for
// blocks this package allocates lazily rather than up front. Real
// allocation goes through store.Allocator; this is the in-cache key
// before the backing bytes are committed.
func (h *Header) dataBlockAddrKey(sblkIdx int, dblkLocalIdx uint64) format.Addr {
	return format.Addr(uint64(h.addr) ^ (uint64(sblkIdx+1) << 40) ^ (dblkLocalIdx << 8) ^ 0xEA00)
}

func (h *Header) pageAddrKey(dblkAddr format.Addr, pageIdx uint64) format.Addr {
	return format.Addr(uint64(dblkAddr) ^ (pageIdx << 4) ^ 0xEA01)
}

// superBlockAddrKey derives a synthetic address for the super block
// entity covering sblkIdx, used only when sblkIdx falls at or beyond
// params.SupBlkMinDataPtrs.
func (h *Header) superBlockAddrKey(sblkIdx int) format.Addr {
	return format.Addr(uint64(h.addr) ^ (uint64(sblkIdx+1) << 48) ^ 0xEA02)
}

// usesSuperBlock reports whether sblkIdx's data blocks are addressed
// through a separate super block entity rather than directly from the
// index block, per spec.md §4.2.1.
func (h *Header) usesSuperBlock(sblkIdx int) bool {
	return uint64(sblkIdx) >= h.params.SupBlkMinDataPtrs
}
