package farray

import (
	"encoding/binary"

	"github.com/hdf5go/mdcache/format"
)

// Header is the in-core representation of an FA header entry, and the
// handle through which every other operation in this package navigates
// the array.
type Header struct {
	addr          format.Addr
	params        CreateParams
	dataBlockAddr format.Addr
	refCount      int
	pendingDelete bool
	hasDepend     bool // true once the header depends on the data block
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

const (
	magicHeader    = "FAHD"
	magicDataBlock = "FADB"
	bodyVersion    = 0
)

// marshalHeader encodes h's persistent fields: magic, version, class id,
// body (creation params, data block address), checksum.
func marshalHeader(h *Header) []byte {
	body := make([]byte, 0, 48+len(h.params.FillValue))
	tmp := make([]byte, 8)

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp, v)
		body = append(body, tmp...)
	}
	putU64(h.params.ElementSize)
	putU64(h.params.Nelmts)
	putU64(h.params.DBlkPageNElmts)
	putU64(uint64(h.dataBlockAddr))
	body = append(body, byte(len(h.params.FillValue)))
	body = append(body, h.params.FillValue...)

	buf := make([]byte, format.BlockHeaderSize+len(body)+format.ChecksumSize)
	format.PutBlockHeader(buf, format.BlockHeader{
		Magic:   format.MagicOf(magicHeader),
		Version: bodyVersion,
		Class:   format.ClassFAHeader,
	})
	copy(buf[format.BlockHeaderSize:], body)
	format.SetChecksum(buf)
	return buf
}

// headerFixedPrefixSize is BlockHeader + the 4 uint64 fields + the
// fill-value length byte; it never depends on FillValue's own length.
const headerFixedPrefixSize = format.BlockHeaderSize + 32 + 1

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
	h.params.Nelmts = r.u64()
	h.params.DBlkPageNElmts = r.u64()
	h.dataBlockAddr = format.Addr(r.u64())
	n := r.u8()
	h.params.FillValue = r.bytes(int(n))
	return h, r.err
}

// marshalDataBlock / unmarshalDataBlock encode either the raw element
// bytes (unpaged) or the page-init bitmap (paged), per spec.md §4.3
// ("when paged, the data block's on-disk body is just a page-init
// bitmap").
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
		Class:   format.ClassFADataBlock,
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

// fsfRegionSize computes the file-space size the data block's fsf_size
// hook reports: its own framed image plus, when paged, the framed size
// every one of its pages would occupy if all were written — the whole
// contiguous extent a free-space manager can release in one call, per
// spec.md §4.3 ("letting the free-space manager release the whole
// region at once on delete").
func fsfRegionSize(params CreateParams) uint64 {
	if !params.paged() {
		return uint64(format.BlockHeaderSize) + params.ElementSize*params.Nelmts + uint64(format.ChecksumSize)
	}
	bitmapSize := uint64(format.BlockHeaderSize) + params.npages() + uint64(format.ChecksumSize)
	pageFramedSize := uint64(format.BlockHeaderSize) + params.DBlkPageNElmts*params.ElementSize + uint64(format.ChecksumSize)
	return bitmapSize + params.npages()*pageFramedSize
}

// reader is a tiny cursor over a byte slice, mirroring earray's.
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

const errShortRead = readerError("farray: short read while decoding image")
