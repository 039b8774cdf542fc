package format

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock (versions 0-3)
// ───────────────────────────────────────────────────────────────────────────
//
// Layout mirrors the file-format specification's superblock, scaled down to
// the fields this module's subsystems actually consume (size-of-offsets,
// size-of-lengths, the root group/free-space-manager anchor, and, for v3,
// the file-consistency flags required for SWMR). Field offsets follow the
// teacher's fixed-offset layout style (see pager/superblock.go) rather than
// a self-describing TLV scheme, matching the real HDF5 superblock's own
// fixed layout.

// SuperblockVersion enumerates the supported superblock versions.
type SuperblockVersion uint8

const (
	SB0 SuperblockVersion = 0
	SB1 SuperblockVersion = 1
	SB2 SuperblockVersion = 2
	SB3 SuperblockVersion = 3 // adds file-locking / consistency flags (SWMR)
)

// ConsistencyFlag bits, valid for SuperblockVersion >= SB3.
type ConsistencyFlag uint8

const (
	FlagFileConsistent ConsistencyFlag = 1 << iota
	FlagSWMRWrite
)

// Superblock is the parsed superblock (page 0 equivalent).
type Superblock struct {
	Version          SuperblockVersion
	SizeOfOffsets    uint8 // typically 8
	SizeOfLengths    uint8 // typically 8
	ConsistencyFlags ConsistencyFlag
	BaseAddress      Addr
	EOA              Addr // end of allocated space at last write
	RootGroupAddr    Addr
	SuperExtAddr     Addr // v2/v3: superblock extension object header address
}

const superblockBodySize = 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 // version,sizeOff,sizeLen,flags,4 addrs

// MarshalSuperblock serializes a Superblock, including the leading file
// signature and trailing checksum (the checksum is written for every
// version, though UnmarshalSuperblock verifies it only for v2/v3; this module always targets v3 for
// newly created files, honoring v0-v2 only on read, per spec.md §6).
func MarshalSuperblock(sb Superblock) []byte {
	buf := make([]byte, 8+superblockBodySize+ChecksumSize)
	copy(buf[0:8], FileSignature[:])
	off := 8
	buf[off] = byte(sb.Version)
	buf[off+1] = sb.SizeOfOffsets
	buf[off+2] = sb.SizeOfLengths
	buf[off+3] = byte(sb.ConsistencyFlags)
	binary.LittleEndian.PutUint64(buf[off+4:], uint64(sb.BaseAddress))
	binary.LittleEndian.PutUint64(buf[off+12:], uint64(sb.EOA))
	binary.LittleEndian.PutUint64(buf[off+20:], uint64(sb.RootGroupAddr))
	binary.LittleEndian.PutUint64(buf[off+28:], uint64(sb.SuperExtAddr))
	SetChecksum(buf)
	return buf
}

// UnmarshalSuperblock parses a superblock image, validating the file
// signature and, for v2/v3, the checksum.
func UnmarshalSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < 8+superblockBodySize+ChecksumSize {
		return Superblock{}, fmt.Errorf("format: superblock image too short")
	}
	if string(buf[0:8]) != string(FileSignature[:]) {
		return Superblock{}, fmt.Errorf("format: bad file signature")
	}
	off := 8
	sb := Superblock{
		Version:          SuperblockVersion(buf[off]),
		SizeOfOffsets:    buf[off+1],
		SizeOfLengths:    buf[off+2],
		ConsistencyFlags: ConsistencyFlag(buf[off+3]),
		BaseAddress:      Addr(binary.LittleEndian.Uint64(buf[off+4:])),
		EOA:              Addr(binary.LittleEndian.Uint64(buf[off+12:])),
		RootGroupAddr:    Addr(binary.LittleEndian.Uint64(buf[off+20:])),
		SuperExtAddr:     Addr(binary.LittleEndian.Uint64(buf[off+28:])),
	}
	if sb.Version > SB3 {
		return Superblock{}, &UnknownVersionError{Magic: "superblock", Version: uint8(sb.Version), Max: uint8(SB3)}
	}
	if sb.Version >= SB2 {
		if err := VerifyChecksum(buf); err != nil {
			return Superblock{}, err
		}
	}
	return sb, nil
}

// RequireSWMR reports whether opening for SWMR-write is legal for this
// superblock version; SWMR requires v3's consistency-flag support.
func (sb Superblock) RequireSWMR() error {
	if sb.Version < SB3 {
		return fmt.Errorf("format: SWMR requires superblock version >= 3, have %d", sb.Version)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// FSINFO (free-space-manager info) message, version 1
// ───────────────────────────────────────────────────────────────────────────

// FSStrategy enumerates free-space management strategies.
type FSStrategy uint8

const (
	FSStrategyFSMAggr FSStrategy = iota
	FSStrategyPage
	FSStrategyAggr
	FSStrategyNone
)

// memory-type classes: 6 "small" + 6 "large" free-space-manager addresses.
const numFSMClasses = 12

// FSInfo is the parsed FSINFO message.
type FSInfo struct {
	Strategy           FSStrategy
	Persist             bool
	Threshold           uint64
	PageSize            uint32
	PageEndMetaThresh   uint32
	EOAPreFSMFSAlloc    Addr
	FSMAddrs            [numFSMClasses]Addr // only meaningful if Persist
}

// MarshalFSInfo encodes an FSINFO v1 message body (no common block header;
// object-header messages are framed by the object-header subsystem, which
// is out of scope per spec.md §1 — this just provides the byte layout).
func MarshalFSInfo(fi FSInfo) []byte {
	size := 1 + 1 + 8 + 4 + 4 + 8
	if fi.Persist {
		size += numFSMClasses * 8
	}
	buf := make([]byte, size)
	buf[0] = byte(fi.Strategy)
	if fi.Persist {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:], fi.Threshold)
	binary.LittleEndian.PutUint32(buf[10:], fi.PageSize)
	binary.LittleEndian.PutUint32(buf[14:], fi.PageEndMetaThresh)
	binary.LittleEndian.PutUint64(buf[18:], uint64(fi.EOAPreFSMFSAlloc))
	if fi.Persist {
		off := 26
		for i, a := range fi.FSMAddrs {
			binary.LittleEndian.PutUint64(buf[off+i*8:], uint64(a))
		}
	}
	return buf
}

// UnmarshalFSInfo decodes an FSINFO v1 message body.
func UnmarshalFSInfo(buf []byte) (FSInfo, error) {
	if len(buf) < 26 {
		return FSInfo{}, fmt.Errorf("format: FSINFO too short")
	}
	fi := FSInfo{
		Strategy:          FSStrategy(buf[0]),
		Persist:           buf[1] != 0,
		Threshold:         binary.LittleEndian.Uint64(buf[2:]),
		PageSize:          binary.LittleEndian.Uint32(buf[10:]),
		PageEndMetaThresh: binary.LittleEndian.Uint32(buf[14:]),
		EOAPreFSMFSAlloc:  Addr(binary.LittleEndian.Uint64(buf[18:])),
	}
	if fi.Persist {
		if len(buf) < 26+numFSMClasses*8 {
			return FSInfo{}, fmt.Errorf("format: FSINFO persist addrs truncated")
		}
		for i := range fi.FSMAddrs {
			fi.FSMAddrs[i] = Addr(binary.LittleEndian.Uint64(buf[26+i*8:]))
		}
	}
	return fi, nil
}

// ───────────────────────────────────────────────────────────────────────────
// FILL message, versions 1-3
// ───────────────────────────────────────────────────────────────────────────

// AllocTime enumerates when storage for a dataset's raw data is allocated.
type AllocTime uint8

const (
	AllocEarly AllocTime = iota
	AllocLate
	AllocIncr
)

// FillTime enumerates when the fill value is written.
type FillTime uint8

const (
	FillTimeAlloc FillTime = iota
	FillTimeNever
	FillTimeIfSet
)

// FillKind is the sum type spec.md §9 calls for in place of a
// "no fill / undefined / default / user bytes" size-sentinel encoding.
type FillKind uint8

const (
	FillUndefined FillKind = iota
	FillDefault
	FillUser
)

// Fill is a fully decoded fill-value message, independent of wire version.
type Fill struct {
	Kind      FillKind
	Bytes     []byte // only meaningful when Kind == FillUser
	AllocTime AllocTime
	FillTime  FillTime
}

const (
	fillFlagUndefined uint8 = 1 << 0
	fillFlagHaveValue uint8 = 1 << 1
)

// MarshalFillV3 encodes a FILL message using the version >= 3 flags-byte
// layout: 1 byte alloc/fill-time nibbles + 1 flags byte, followed by a
// 4-byte size and that many raw bytes when HAVE_VALUE is set.
func MarshalFillV3(f Fill) []byte {
	timeByte := byte(f.AllocTime) | byte(f.FillTime)<<4
	var flags uint8
	switch f.Kind {
	case FillUndefined:
		flags = fillFlagUndefined
	case FillUser:
		flags = fillFlagHaveValue
	case FillDefault:
		flags = 0
	}
	buf := []byte{timeByte, flags}
	if flags&fillFlagHaveValue != 0 {
		sz := make([]byte, 4)
		binary.LittleEndian.PutUint32(sz, uint32(len(f.Bytes)))
		buf = append(buf, sz...)
		buf = append(buf, f.Bytes...)
	}
	return buf
}

// UnmarshalFill decodes a FILL message of any version. Versions 1 and 2
// predate the flags byte and use a signed-size-sentinel layout instead;
// per spec.md §9's resolved open question, any pre-v3 byte pattern this
// function does not recognize decodes as FillUndefined rather than being
// guessed at.
func UnmarshalFill(version uint8, buf []byte) (Fill, error) {
	switch {
	case version >= 3:
		return unmarshalFillV3(buf)
	case version == 2, version == 1:
		return unmarshalFillLegacy(buf)
	default:
		return Fill{}, &UnknownVersionError{Magic: "FILL", Version: version, Max: 3}
	}
}

func unmarshalFillV3(buf []byte) (Fill, error) {
	if len(buf) < 2 {
		return Fill{}, fmt.Errorf("format: FILL v3 too short")
	}
	timeByte := buf[0]
	flags := buf[1]
	f := Fill{
		AllocTime: AllocTime(timeByte & 0x0f),
		FillTime:  FillTime((timeByte >> 4) & 0x0f),
	}
	switch {
	case flags&fillFlagHaveValue != 0:
		if len(buf) < 6 {
			return Fill{}, fmt.Errorf("format: FILL v3 HAVE_VALUE truncated")
		}
		size := binary.LittleEndian.Uint32(buf[2:])
		if uint32(len(buf)-6) < size {
			return Fill{}, fmt.Errorf("format: FILL v3 value truncated")
		}
		f.Kind = FillUser
		f.Bytes = append([]byte(nil), buf[6:6+size]...)
	case flags&fillFlagUndefined != 0:
		f.Kind = FillUndefined
	default:
		f.Kind = FillDefault
	}
	return f, nil
}

// unmarshalFillLegacy decodes the v1/v2 layout: a 4-byte signed size
// followed, if size > 0, by that many raw bytes. size == 0 means "no fill
// value defined" in v1; v2 additionally allows size == -1 to mean
// "explicitly undefined" (only partially documented historically — treated
// strictly here: any size that is not positive, 0 and -1 included,
// decodes as Undefined, never inferred as Default).
func unmarshalFillLegacy(buf []byte) (Fill, error) {
	if len(buf) < 4 {
		return Fill{}, fmt.Errorf("format: legacy FILL too short")
	}
	size := int32(binary.LittleEndian.Uint32(buf))
	switch {
	case size > 0:
		if len(buf[4:]) < int(size) {
			return Fill{}, fmt.Errorf("format: legacy FILL value truncated")
		}
		return Fill{Kind: FillUser, Bytes: append([]byte(nil), buf[4:4+size]...)}, nil
	default:
		return Fill{Kind: FillUndefined}, nil
	}
}

// ───────────────────────────────────────────────────────────────────────────
// SDSPACE (dataspace) message
// ───────────────────────────────────────────────────────────────────────────

// SpaceClass enumerates the dataspace class.
type SpaceClass uint8

const (
	SpaceScalar SpaceClass = iota
	SpaceSimple
	SpaceNull
)

// Unlimited is the sentinel dimension value for H5S_UNLIMITED.
const Unlimited uint64 = ^uint64(0)

// Dataspace is a parsed SDSPACE message.
type Dataspace struct {
	Class       SpaceClass
	CurrentDims []uint64
	MaxDims     []uint64 // nil if not present; entries may be Unlimited
}

// MarshalDataspace encodes an SDSPACE message body.
func MarshalDataspace(ds Dataspace) []byte {
	rank := len(ds.CurrentDims)
	hasMax := ds.MaxDims != nil
	buf := make([]byte, 2+rank*8)
	buf[0] = byte(ds.Class)
	if hasMax {
		buf[1] = 1
	}
	for i, d := range ds.CurrentDims {
		binary.LittleEndian.PutUint64(buf[2+i*8:], d)
	}
	if hasMax {
		extra := make([]byte, rank*8)
		for i, d := range ds.MaxDims {
			binary.LittleEndian.PutUint64(extra[i*8:], d)
		}
		buf = append(buf, extra...)
	}
	return buf
}

// UnmarshalDataspace decodes an SDSPACE message body. rank must be known
// from the surrounding message framing (as in the real format).
func UnmarshalDataspace(buf []byte, rank int) (Dataspace, error) {
	if len(buf) < 2+rank*8 {
		return Dataspace{}, fmt.Errorf("format: SDSPACE too short for rank %d", rank)
	}
	ds := Dataspace{Class: SpaceClass(buf[0])}
	hasMax := buf[1] != 0
	ds.CurrentDims = make([]uint64, rank)
	for i := range ds.CurrentDims {
		ds.CurrentDims[i] = binary.LittleEndian.Uint64(buf[2+i*8:])
	}
	if hasMax {
		off := 2 + rank*8
		if len(buf) < off+rank*8 {
			return Dataspace{}, fmt.Errorf("format: SDSPACE max dims truncated")
		}
		ds.MaxDims = make([]uint64, rank)
		for i := range ds.MaxDims {
			ds.MaxDims[i] = binary.LittleEndian.Uint64(buf[off+i*8:])
		}
	}
	return ds, nil
}
