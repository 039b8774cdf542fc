// Package format defines the on-disk primitives shared by every metadata
// block the cache knows how to read and write: the common block framing
// (magic, version, class id, checksum) and the handful of file-level
// structures (superblock, FSINFO, FILL, SDSPACE) that are compatibility
// critical across format versions.
package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// FileSignature is the fixed 8-byte signature at offset 0 of every file.
var FileSignature = [8]byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// Addr is a file address. AddrUndef is the sentinel "no address" value.
type Addr uint64

// AddrUndef marks an unallocated / absent address.
const AddrUndef Addr = ^Addr(0)

// Defined reports whether the address refers to an actual location.
func (a Addr) Defined() bool { return a != AddrUndef }

// String renders the address in hex, with the undefined sentinel spelled
// out rather than printed as a wall of f's.
func (a Addr) String() string {
	if !a.Defined() {
		return "UNDEF"
	}
	return fmt.Sprintf("%#x", uint64(a))
}

// ClassID identifies the kind of metadata stored in a block.
type ClassID uint8

const (
	ClassSuperblock ClassID = iota
	ClassObjectHeader
	ClassGroupBTreeNode
	ClassLocalHeap
	ClassEAHeader
	ClassEAIndexBlock
	ClassEASuperBlock
	ClassEADataBlock
	ClassEADataBlockPage
	ClassFAHeader
	ClassFADataBlock
	ClassFADataBlockPage
	ClassPrefetched // generic staging class used by the prefetch path
)

// crcTable is the CRC32 (Castagnoli) table used by every block checksum,
// matching the polynomial the teacher's page-framing code uses.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockHeaderSize is the size, in bytes, of the common block header:
// 4-byte magic + 1-byte version + 1-byte class id.
const BlockHeaderSize = 6

// ChecksumSize is the size of the trailing checksum.
const ChecksumSize = 4

// Magic identifies the four-character tag a block class must encode at
// offset 0 of its serialized image (e.g. "EAHD", "EAIB", "FAHD").
type Magic [4]byte

func MagicOf(s string) Magic {
	var m Magic
	copy(m[:], s)
	return m
}

func (m Magic) String() string { return string(m[:]) }

// BlockHeader is the common prefix every metadata block image carries.
type BlockHeader struct {
	Magic   Magic
	Version uint8
	Class   ClassID
}

// PutBlockHeader writes the common header into the first BlockHeaderSize
// bytes of buf.
func PutBlockHeader(buf []byte, h BlockHeader) {
	if len(buf) < BlockHeaderSize {
		panic("format: buffer too small for block header")
	}
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Class)
}

// GetBlockHeader reads the common header from the first BlockHeaderSize
// bytes of buf.
func GetBlockHeader(buf []byte) (BlockHeader, error) {
	if len(buf) < BlockHeaderSize+ChecksumSize {
		return BlockHeader{}, fmt.Errorf("format: block too short: %d bytes", len(buf))
	}
	var h BlockHeader
	copy(h.Magic[:], buf[0:4])
	h.Version = buf[4]
	h.Class = ClassID(buf[5])
	return h, nil
}

// ComputeChecksum computes the checksum over buf[:len(buf)-ChecksumSize],
// i.e. every byte preceding the trailing checksum field, per spec: "ends
// with a 4-byte checksum computed over everything before it".
func ComputeChecksum(buf []byte) uint32 {
	if len(buf) < ChecksumSize {
		return 0
	}
	return crc32.Checksum(buf[:len(buf)-ChecksumSize], crcTable)
}

// SetChecksum writes the checksum into the last ChecksumSize bytes of buf.
func SetChecksum(buf []byte) {
	c := ComputeChecksum(buf)
	binary.LittleEndian.PutUint32(buf[len(buf)-ChecksumSize:], c)
}

// VerifyChecksum reports whether the trailing checksum matches the body.
func VerifyChecksum(buf []byte) error {
	if len(buf) < ChecksumSize {
		return fmt.Errorf("format: buffer too short for checksum")
	}
	stored := binary.LittleEndian.Uint32(buf[len(buf)-ChecksumSize:])
	computed := ComputeChecksum(buf)
	if stored != computed {
		return &ChecksumMismatchError{Stored: stored, Computed: computed}
	}
	return nil
}

// ChecksumMismatchError reports a stored/computed checksum disagreement.
type ChecksumMismatchError struct {
	Stored, Computed uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("format: checksum mismatch: stored=%08x computed=%08x", e.Stored, e.Computed)
}

// VerifyMagic checks that a just-read header carries the expected magic
// and returns BadMagicError otherwise.
func VerifyMagic(h BlockHeader, want string) error {
	if h.Magic.String() != want {
		return &BadMagicError{Got: h.Magic.String(), Want: want}
	}
	return nil
}

// BadMagicError reports an unexpected block magic.
type BadMagicError struct {
	Got, Want string
}

func (e *BadMagicError) Error() string {
	return fmt.Sprintf("format: bad magic %q, expected %q", e.Got, e.Want)
}

// UnknownVersionError reports a block version newer than this build knows.
type UnknownVersionError struct {
	Magic   string
	Version uint8
	Max     uint8
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("format: %s: unknown version %d (max known %d)", e.Magic, e.Version, e.Max)
}
