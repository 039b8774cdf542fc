package farray

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

// TestFixedArrayLeavesUnwrittenIndicesAtFill is invariant I9: FA.create(N)
// followed by any mix of sets leaves get(i) == fill for every i never
// written.
func TestFixedArrayLeavesUnwrittenIndicesAtFill(t *testing.T) {
	params := CreateParams{ElementSize: 8, Nelmts: 100, FillValue: u64Bytes(0xDEADBEEF)}
	c, st, addr := newTestArray(t, params)
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	written := map[uint64]uint64{3: 30, 17: 170, 99: 990}
	for i, v := range written {
		if err := hd.Set(ctx, i, u64Bytes(v)); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}

	for i := uint64(0); i < 100; i++ {
		got, err := hd.Get(ctx, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		want, wasWritten := written[i]
		if !wasWritten {
			want = 0xDEADBEEF
		}
		if binary.LittleEndian.Uint64(got) != want {
			t.Fatalf("Get(%d) = %x, want %x", i, binary.LittleEndian.Uint64(got), want)
		}
	}
}

func TestGetRejectsOutOfRange(t *testing.T) {
	params := CreateParams{ElementSize: 8, Nelmts: 10, FillValue: u64Bytes(0)}
	c, st, addr := newTestArray(t, params)
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := hd.Get(context.Background(), 10); err == nil {
		t.Fatal("Get(10) on a 10-element array should fail")
	}
}

// TestPagedFixedArrayLazyPageCreation covers the paged data block
// described in spec.md §4.3: pages outside any written region stay
// unmaterialized and read back as fill.
func TestPagedFixedArrayLazyPageCreation(t *testing.T) {
	params := CreateParams{ElementSize: 8, Nelmts: 100, DBlkPageNElmts: 8, FillValue: u64Bytes(0)}
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
	neighbor, err := hd.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if binary.LittleEndian.Uint64(neighbor) != 0 {
		t.Fatalf("Get(1) = %d, want fill (0)", binary.LittleEndian.Uint64(neighbor))
	}

	pageAddr := func() format.Addr {
		var h *Header
		if err := hd.withHeader(func(hdr *Header) (cache.UnprotectFlag, error) {
			h = hdr
			return 0, nil
		}); err != nil {
			t.Fatalf("withHeader: %v", err)
		}
		return h.pageAddrKey(0)
	}()
	if c.Exists(pageAddr) {
		t.Fatal("page covering index 1 should not be materialized by an unrelated write")
	}
}

func TestIterateVisitsInOrderAndStopsEarly(t *testing.T) {
	params := CreateParams{ElementSize: 8, Nelmts: 10, FillValue: u64Bytes(0)}
	c, st, addr := newTestArray(t, params)
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
	params := CreateParams{ElementSize: 8, Nelmts: 10, FillValue: u64Bytes(0)}
	c, st, addr := newTestArray(t, params)
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
	params := CreateParams{ElementSize: 8, Nelmts: 10, FillValue: u64Bytes(0)}
	c, st, addr := newTestArray(t, params)
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

func TestDataBlockFSFSizeCoversWholeExtent(t *testing.T) {
	params := CreateParams{ElementSize: 8, Nelmts: 64, DBlkPageNElmts: 8, FillValue: u64Bytes(0)}
	c, st, addr := newTestArray(t, params)
	hd, err := Open(context.Background(), c, nil, st, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := hd.Set(context.Background(), 0, u64Bytes(1)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var h *Header
	if err := hd.withHeader(func(hdr *Header) (cache.UnprotectFlag, error) {
		h = hdr
		return 0, nil
	}); err != nil {
		t.Fatalf("withHeader: %v", err)
	}
	got := fsfRegionSize(h.params)
	want := fsfRegionSize(params)
	if got != want {
		t.Fatalf("fsfRegionSize = %d, want %d", got, want)
	}
	if got <= uint64(len(marshalDataBlock(&dataBlock{paged: true, pageInit: make([]bool, params.npages())}))) {
		t.Fatal("fsf region size should cover the bitmap plus all pages, not just the bitmap")
	}
}
