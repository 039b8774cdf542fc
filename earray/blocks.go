package earray

import (
	"encoding/binary"

	"github.com/hdf5go/mdcache/format"
)

// Header is the in-core representation of an EA header entry, and the
// handle through which every other operation in this package navigates
// the array.
type Header struct {
	addr          format.Addr
	params        CreateParams
	sblkTable     []sblkInfo
	maxIdxSet     uint64
	idxBlockAddr  format.Addr
	refCount      int
	pendingDelete bool
	hasHdrDepend  bool // true once the header depends on a data block, per spec.md §4.2.3
	hasIdxDepend  bool
}

// indexBlock holds the first params.IdxBlkElmts elements inline, per
// spec.md §4.2.1.
type indexBlock struct {
	inline []byte
}

// dataBlock holds nelmts contiguous elements, or — when paged — only a
// page-init bitmap; the pages themselves are separate cache entries.
type dataBlock struct {
	elementSize uint64
	nelmts      uint64
	paged       bool
	pageNElmts  uint64
	elements    []byte // len == nelmts*elementSize when !paged, else nil
	pageInit    []bool // len == ceil(nelmts/pageNElmts) when paged
}

// page holds one paged data block's worth of elements.
type page struct {
	elements []byte
}

// superBlock exists only for super-block indices at or beyond
// params.SupBlkMinDataPtrs, where addressing a data block directly from
// the index block "would be wasteful" (spec.md §4.2.1): it carries the
// page-init bitmap for all of that super block's data blocks.
type superBlock struct {
	sblkIdx  int
	pageInit []bool // len == nDataBlks*pagesPerDblk; empty when unpaged
}

const (
	magicHeader     = "EAHD"
	magicIndexBlock = "EAIB"
	magicSuperBlock = "EASB"
	magicDataBlock  = "EADB"
	bodyVersion     = 0
)

// marshalHeader encodes h's persistent fields, per spec.md §4.2.4: magic,
// version, class id, body (creation params, stats, index block address),
// checksum.
func marshalHeader(h *Header) []byte {
	body := make([]byte, 0, 64+len(h.params.FillValue))
	tmp := make([]byte, 8)

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp, v)
		body = append(body, tmp...)
	}
	putU64(h.params.ElementSize)
	putU64(h.params.IdxBlkElmts)
	putU64(h.params.DataBlkMinElmts)
	putU64(h.params.SupBlkMinDataPtrs)
	putU64(h.params.DBlkPageNElmts)
	putU64(h.maxIdxSet)
	putU64(uint64(h.idxBlockAddr))
	body = append(body, byte(len(h.params.FillValue)))
	body = append(body, h.params.FillValue...)

	buf := make([]byte, format.BlockHeaderSize+len(body)+format.ChecksumSize)
	format.PutBlockHeader(buf, format.BlockHeader{
		Magic:   format.MagicOf(magicHeader),
		Version: bodyVersion,
		Class:   format.ClassEAHeader,
	})
	copy(buf[format.BlockHeaderSize:], body)
	format.SetChecksum(buf)
	return buf
}

func unmarshalHeader(image []byte) (*Header, error) {
	bh, err := format.GetBlockHeader(image)
	if err != nil {
		return nil, err
	}
	if err := format.VerifyMagic(bh, magicHeader); err != nil {
		return nil, err
	}
	if err := format.VerifyChecksum(image); err != nil {
		return nil, err
	}
	body := image[format.BlockHeaderSize : len(image)-format.ChecksumSize]
	r := newReader(body)
	h := &Header{}
	h.params.ElementSize = r.u64()
	h.params.IdxBlkElmts = r.u64()
	h.params.DataBlkMinElmts = r.u64()
	h.params.SupBlkMinDataPtrs = r.u64()
	h.params.DBlkPageNElmts = r.u64()
	h.maxIdxSet = r.u64()
	h.idxBlockAddr = format.Addr(r.u64())
	n := r.u8()
	h.params.FillValue = r.bytes(int(n))
	return h, r.err
}

// marshalIndexBlock / unmarshalIndexBlock encode the inline elements.
func marshalIndexBlock(ib *indexBlock) []byte {
	buf := make([]byte, format.BlockHeaderSize+len(ib.inline)+format.ChecksumSize)
	format.PutBlockHeader(buf, format.BlockHeader{
		Magic:   format.MagicOf(magicIndexBlock),
		Version: bodyVersion,
		Class:   format.ClassEAIndexBlock,
	})
	copy(buf[format.BlockHeaderSize:], ib.inline)
	format.SetChecksum(buf)
	return buf
}

func unmarshalIndexBlock(image []byte, inlineLen int) (*indexBlock, error) {
	bh, err := format.GetBlockHeader(image)
	if err != nil {
		return nil, err
	}
	if err := format.VerifyMagic(bh, magicIndexBlock); err != nil {
		return nil, err
	}
	if err := format.VerifyChecksum(image); err != nil {
		return nil, err
	}
	body := image[format.BlockHeaderSize : len(image)-format.ChecksumSize]
	inline := make([]byte, inlineLen)
	copy(inline, body)
	return &indexBlock{inline: inline}, nil
}

// marshalDataBlock / unmarshalDataBlock encode either the raw element
// bytes (unpaged) or the page-init bitmap (paged), per spec.md §4.3's
// paged data block note (the same framing serves both packages).
func marshalDataBlock(db *dataBlock) []byte {
	var body []byte
	if db.paged {
		body = make([]byte, len(db.pageInit))
		for i, v := range db.pageInit {
			if v {
				body[i] = 1
			}
		}
	} else {
		body = db.elements
	}
	buf := make([]byte, format.BlockHeaderSize+len(body)+format.ChecksumSize)
	format.PutBlockHeader(buf, format.BlockHeader{
		Magic:   format.MagicOf(magicDataBlock),
		Version: bodyVersion,
		Class:   format.ClassEADataBlock,
	})
	copy(buf[format.BlockHeaderSize:], body)
	format.SetChecksum(buf)
	return buf
}

func unmarshalDataBlock(image []byte, elementSize, nelmts uint64, paged bool, pageNElmts uint64) (*dataBlock, error) {
	bh, err := format.GetBlockHeader(image)
	if err != nil {
		return nil, err
	}
	if err := format.VerifyMagic(bh, magicDataBlock); err != nil {
		return nil, err
	}
	if err := format.VerifyChecksum(image); err != nil {
		return nil, err
	}
	body := image[format.BlockHeaderSize : len(image)-format.ChecksumSize]
	db := &dataBlock{elementSize: elementSize, nelmts: nelmts, paged: paged, pageNElmts: pageNElmts}
	if paged {
		npages := int((nelmts + pageNElmts - 1) / pageNElmts)
		db.pageInit = make([]bool, npages)
		for i := 0; i < npages && i < len(body); i++ {
			db.pageInit[i] = body[i] != 0
		}
	} else {
		db.elements = make([]byte, len(body))
		copy(db.elements, body)
	}
	return db, nil
}

// marshalSuperBlock / unmarshalSuperBlock encode the page-init bitmap;
// the super block's own index and shape come from its creating Header
// and are supplied by the caller on load, not persisted redundantly.
func marshalSuperBlock(sb *superBlock) []byte {
	body := make([]byte, len(sb.pageInit))
	for i, v := range sb.pageInit {
		if v {
			body[i] = 1
		}
	}
	buf := make([]byte, format.BlockHeaderSize+len(body)+format.ChecksumSize)
	format.PutBlockHeader(buf, format.BlockHeader{
		Magic:   format.MagicOf(magicSuperBlock),
		Version: bodyVersion,
		Class:   format.ClassEASuperBlock,
	})
	copy(buf[format.BlockHeaderSize:], body)
	format.SetChecksum(buf)
	return buf
}

func unmarshalSuperBlock(image []byte, sblkIdx int, nBits int) (*superBlock, error) {
	bh, err := format.GetBlockHeader(image)
	if err != nil {
		return nil, err
	}
	if err := format.VerifyMagic(bh, magicSuperBlock); err != nil {
		return nil, err
	}
	if err := format.VerifyChecksum(image); err != nil {
		return nil, err
	}
	body := image[format.BlockHeaderSize : len(image)-format.ChecksumSize]
	sb := &superBlock{sblkIdx: sblkIdx, pageInit: make([]bool, nBits)}
	for i := 0; i < nBits && i < len(body); i++ {
		sb.pageInit[i] = body[i] != 0
	}
	return sb, nil
}

// reader is a tiny cursor over a byte slice, in the teacher's manual
// binary.LittleEndian style rather than an encoding/gob round trip.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.err = errShortRead
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.err = errShortRead
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.err = errShortRead
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

type readerError string

func (e readerError) Error() string { return string(e) }

const errShortRead = readerError("earray: short read while decoding image")
