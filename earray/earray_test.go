package earray

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/internal/testutil"
)

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func newTestArray(t *testing.T, params CreateParams) (*cache.Cache, *testutil.MemStore, format.Addr) {
	t.Helper()
	st := testutil.NewMemStore()
	reg := class.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c, err := cache.New(cache.Config{Store: st, Registry: reg, MaxSize: 1 << 24, RingCount: 1})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	addr, err := Create(context.Background(), c, st, params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c, st, addr
}

func scenarioParams() CreateParams {
	return CreateParams{
		ElementSize:       8,
		IdxBlkElmts:       4,
		DataBlkMinElmts:   4,
		SupBlkMinDataPtrs: 4,
		MaxSuperBlocks:    32,
		FillValue:         u64Bytes(0xDEADBEEFDEADBEEF),
	}
}

func TestInlineGetSetRoundTrip(t *testing.T) {
	c, st, addr := newTestArray(t, scenarioParams())
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := hd.Set(ctx, 2, u64Bytes(99)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := hd.Get(ctx, 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 99 {
		t.Fatalf("Get(2) = %d, want 99", binary.LittleEndian.Uint64(got))
	}
	other, err := hd.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if binary.LittleEndian.Uint64(other) != 0xDEADBEEFDEADBEEF {
		t.Fatalf("Get(1) = %x, want fill value", other)
	}
}

// TestUnwrittenIndexReturnsFillValue is end-to-end scenario 4: reading an
// index that has never been written returns the fill value and never
// materializes the super block backing that region.
func TestUnwrittenIndexReturnsFillValue(t *testing.T) {
	c, st, addr := newTestArray(t, scenarioParams())
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	got, err := hd.Get(ctx, 10_000)
	if err != nil {
		t.Fatalf("Get(10000): %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 0xDEADBEEFDEADBEEF {
		t.Fatalf("Get(10000) = %x, want fill value", got)
	}

	var h *Header
	if err := hd.withHeader(func(hdr *Header) (cache.UnprotectFlag, error) {
		h = hdr
		return 0, nil
	}); err != nil {
		t.Fatalf("withHeader: %v", err)
	}
	loc, err := h.locate(10_000)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	sbAddr := h.superBlockAddrKey(loc.sblkIdx)
	if c.Exists(sbAddr) {
		t.Fatal("reading an unwritten index must not materialize its super block")
	}
}

// TestGrowThenRead is end-to-end scenario 5: writing a far index grows
// max_idx_set, leaves the neighboring unwritten index at the fill value,
// and a subsequent flush serializes the data block before its super
// block, and the super block before the header.
func TestGrowThenRead(t *testing.T) {
	t.Helper()
	mem := testutil.NewMemStore()
	cs := testutil.NewCountingStore(mem)
	reg := class.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c, err := cache.New(cache.Config{Store: cs, Registry: reg, MaxSize: 1 << 24, RingCount: 1})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	params := scenarioParams()
	addr, err := Create(context.Background(), c, mem, params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	hd, err := Open(context.Background(), c, nil, mem, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	if err := hd.Set(ctx, 10_000, u64Bytes(42)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := hd.Get(ctx, 10_000)
	if err != nil {
		t.Fatalf("Get(10000): %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 42 {
		t.Fatalf("Get(10000) = %d, want 42", binary.LittleEndian.Uint64(got))
	}
	neighbor, err := hd.Get(ctx, 9_999)
	if err != nil {
		t.Fatalf("Get(9999): %v", err)
	}
	if binary.LittleEndian.Uint64(neighbor) != 0xDEADBEEFDEADBEEF {
		t.Fatalf("Get(9999) = %x, want fill value", neighbor)
	}

	var maxIdx uint64
	var h *Header
	if err := hd.withHeader(func(hdr *Header) (cache.UnprotectFlag, error) {
		maxIdx = hdr.maxIdxSet
		h = hdr
		return 0, nil
	}); err != nil {
		t.Fatalf("withHeader: %v", err)
	}
	if maxIdx != 10_001 {
		t.Fatalf("max_idx_set = %d, want 10001", maxIdx)
	}

	loc, err := h.locate(10_000)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	dblkAddr := h.dataBlockAddrKey(loc.sblkIdx, loc.dblkLocalIdx)
	sbAddr := h.superBlockAddrKey(loc.sblkIdx)
	if !h.usesSuperBlock(loc.sblkIdx) {
		t.Fatal("index 10000 should fall in a super-block-addressed region")
	}

	if err := c.Flush(ctx, cache.FlushAll(), false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	firstWriteOf := func(addr format.Addr) int {
		for i, w := range cs.WriteLog {
			if w.Off == uint64(addr) {
				return i
			}
		}
		return -1
	}
	dblkPos, sbPos, hdrPos := firstWriteOf(dblkAddr), firstWriteOf(sbAddr), firstWriteOf(h.addr)
	if dblkPos < 0 || sbPos < 0 || hdrPos < 0 {
		t.Fatalf("flush should have written data block, super block, and header; got positions %d %d %d", dblkPos, sbPos, hdrPos)
	}
	if dblkPos >= sbPos {
		t.Fatalf("data block must flush before its super block: data at %d, super block at %d", dblkPos, sbPos)
	}
	if sbPos >= hdrPos {
		t.Fatalf("super block must flush before the header: super block at %d, header at %d", sbPos, hdrPos)
	}
}

func TestPagedDataBlockLazyCreation(t *testing.T) {
	params := CreateParams{
		ElementSize:       8,
		IdxBlkElmts:       2,
		DataBlkMinElmts:   2,
		SupBlkMinDataPtrs: 1,
		DBlkPageNElmts:    4,
		MaxSuperBlocks:    16,
		FillValue:         u64Bytes(0),
	}
	c, st, addr := newTestArray(t, params)
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	if err := hd.Set(ctx, 50, u64Bytes(7)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := hd.Get(ctx, 50)
	if err != nil {
		t.Fatalf("Get(50): %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 7 {
		t.Fatalf("Get(50) = %d, want 7", binary.LittleEndian.Uint64(got))
	}
	neighbor, err := hd.Get(ctx, 49)
	if err != nil {
		t.Fatalf("Get(49): %v", err)
	}
	if binary.LittleEndian.Uint64(neighbor) != 0 {
		t.Fatalf("Get(49) = %d, want fill (0)", binary.LittleEndian.Uint64(neighbor))
	}
}

func TestIterateVisitsInOrderAndStopsEarly(t *testing.T) {
	c, st, addr := newTestArray(t, scenarioParams())
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := uint64(0); i < 6; i++ {
		if err := hd.Set(ctx, i, u64Bytes(i*10)); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}

	var seen []uint64
	err = hd.Iterate(ctx, func(i uint64, element []byte) (bool, error) {
		seen = append(seen, i)
		return i < 3, nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []uint64{0, 1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("Iterate visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Iterate visited %v, want %v", seen, want)
		}
	}
}

func TestCloseDeletesOnLastReferenceAfterPendingDelete(t *testing.T) {
	c, st, addr := newTestArray(t, scenarioParams())
	ctx := context.Background()
	hd1, err := Open(ctx, c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	hd2, err := Open(ctx, c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}

	if err := Delete(ctx, c, st, addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !c.Exists(addr) {
		t.Fatal("header should still exist while references remain")
	}

	if err := hd1.Close(ctx); err != nil {
		t.Fatalf("Close 1: %v", err)
	}
	if !c.Exists(addr) {
		t.Fatal("header should still exist with one reference remaining")
	}

	if err := hd2.Close(ctx); err != nil {
		t.Fatalf("Close 2: %v", err)
	}
	if c.Exists(addr) {
		t.Fatal("header should be gone after the last Close following a pending delete")
	}
}

func TestOpenRejectsPendingDelete(t *testing.T) {
	c, st, addr := newTestArray(t, scenarioParams())
	ctx := context.Background()
	hd, err := Open(ctx, c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Delete(ctx, c, st, addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Open(ctx, c, nil, st, addr); err == nil {
		t.Fatal("Open should reject a header pending delete")
	}
	if err := hd.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
