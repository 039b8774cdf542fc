package format

import "testing"

func TestBlockHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, BlockHeaderSize+8+ChecksumSize)
	h := BlockHeader{Magic: MagicOf("EAHD"), Version: 0, Class: ClassEAHeader}
	PutBlockHeader(buf, h)
	copy(buf[BlockHeaderSize:], []byte("deadbeef"))
	SetChecksum(buf)

	got, err := GetBlockHeader(buf)
	if err != nil {
		t.Fatalf("GetBlockHeader: %v", err)
	}
	if got.Magic.String() != "EAHD" || got.Class != ClassEAHeader {
		t.Fatalf("unexpected header: %+v", got)
	}
	if err := VerifyChecksum(buf); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	buf := make([]byte, BlockHeaderSize+4+ChecksumSize)
	PutBlockHeader(buf, BlockHeader{Magic: MagicOf("FAHD"), Version: 0, Class: ClassFAHeader})
	SetChecksum(buf)
	buf[BlockHeaderSize] ^= 0xff // corrupt body
	if err := VerifyChecksum(buf); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestVerifyMagic(t *testing.T) {
	h := BlockHeader{Magic: MagicOf("EAIB")}
	if err := VerifyMagic(h, "EAIB"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyMagic(h, "EASB"); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := Superblock{
		Version:       SB3,
		SizeOfOffsets: 8,
		SizeOfLengths: 8,
		BaseAddress:   0,
		EOA:           4096,
		RootGroupAddr: 96,
	}
	buf := MarshalSuperblock(sb)
	got, err := UnmarshalSuperblock(buf)
	if err != nil {
		t.Fatalf("UnmarshalSuperblock: %v", err)
	}
	if got.EOA != 4096 || got.RootGroupAddr != 96 || got.Version != SB3 {
		t.Fatalf("unexpected superblock: %+v", got)
	}
	if err := got.RequireSWMR(); err != nil {
		t.Fatalf("expected SWMR allowed on v3: %v", err)
	}
}

func TestSuperblockBadSignature(t *testing.T) {
	buf := MarshalSuperblock(Superblock{Version: SB0})
	buf[0] = 'X'
	if _, err := UnmarshalSuperblock(buf); err == nil {
		t.Fatal("expected bad signature error")
	}
}

func TestFillV3RoundTrip(t *testing.T) {
	f := Fill{Kind: FillUser, Bytes: []byte{1, 2, 3, 4}, AllocTime: AllocLate, FillTime: FillTimeIfSet}
	buf := MarshalFillV3(f)
	got, err := UnmarshalFill(3, buf)
	if err != nil {
		t.Fatalf("UnmarshalFill: %v", err)
	}
	if got.Kind != FillUser || string(got.Bytes) != string(f.Bytes) {
		t.Fatalf("unexpected fill: %+v", got)
	}
	if got.AllocTime != AllocLate || got.FillTime != FillTimeIfSet {
		t.Fatalf("unexpected alloc/fill time: %+v", got)
	}
}

func TestFillLegacyUndefinedFallback(t *testing.T) {
	// A legacy (v1/v2) size field of 0 must decode as Undefined, never
	// inferred as Default, per the resolved open question.
	buf := make([]byte, 4)
	got, err := UnmarshalFill(2, buf)
	if err != nil {
		t.Fatalf("UnmarshalFill: %v", err)
	}
	if got.Kind != FillUndefined {
		t.Fatalf("expected FillUndefined, got %v", got.Kind)
	}
}

func TestDataspaceRoundTrip(t *testing.T) {
	ds := Dataspace{
		Class:       SpaceSimple,
		CurrentDims: []uint64{10, 20},
		MaxDims:     []uint64{Unlimited, 20},
	}
	buf := MarshalDataspace(ds)
	got, err := UnmarshalDataspace(buf, 2)
	if err != nil {
		t.Fatalf("UnmarshalDataspace: %v", err)
	}
	if got.MaxDims[0] != Unlimited || got.CurrentDims[0] != 10 {
		t.Fatalf("unexpected dataspace: %+v", got)
	}
}
