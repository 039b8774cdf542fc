package cache

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/internal/testutil"
)

// blob is the trivial in-core representation used throughout these
// tests: a byte slice whose length is its own image size.
type blob struct{ data []byte }

func blobRegistry() *class.Registry {
	r := class.NewRegistry()
	r.MustRegister(&class.Vtable{
		ID:   format.ClassObjectHeader,
		Name: "blob",
		InitialImageSize: func(udata any) (uint64, error) {
			return udata.(uint64), nil
		},
		VerifyChecksum: func(image []byte) error { return nil },
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, class.DeserializeFlags, error) {
			cp := make([]byte, len(image))
			copy(cp, image)
			return &blob{data: cp}, 0, nil
		},
		ImageSize: func(obj any) (uint64, error) {
			return uint64(len(obj.(*blob).data)), nil
		},
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			copy(image, obj.(*blob).data)
			return nil
		},
		Notify:     func(action class.NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	})
	return r
}

func newTestCache(t *testing.T, maxSize uint64) (*Cache, *testutil.MemStore) {
	t.Helper()
	st := testutil.NewMemStore()
	c, err := New(Config{Store: st, Registry: blobRegistry(), MaxSize: maxSize, RingCount: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, st
}

func TestInsertAndProtectRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	addr := format.Addr(64)
	data := []byte("hello-metadata")
	if err := c.Insert(addr, format.ClassObjectHeader, &blob{data: data}, uint64(len(data)), 0, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e, err := c.Protect(context.Background(), addr, format.ClassObjectHeader, uint64(len(data)), ProtectReadOnly)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if string(e.Obj.(*blob).data) != "hello-metadata" {
		t.Fatalf("Protect returned wrong data: %q", e.Obj.(*blob).data)
	}
	if !e.protected() {
		t.Fatal("entry should be protected")
	}
	if err := c.Unprotect(addr, 0, 0); err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if e.protected() {
		t.Fatal("entry should no longer be protected")
	}
}

func TestProtectMissReadsFromStore(t *testing.T) {
	c, st := newTestCache(t, 1<<20)
	payload := []byte("on-disk-image")
	if err := st.Write(context.Background(), 128, payload); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	e, err := c.Protect(context.Background(), format.Addr(128), format.ClassObjectHeader, uint64(len(payload)), ProtectReadOnly)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if string(e.Obj.(*blob).data) != string(payload) {
		t.Fatalf("Protect loaded %q, want %q", e.Obj.(*blob).data, payload)
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected one miss, stats = %+v", c.Stats())
	}
}

func TestFlushWritesDirtyEntry(t *testing.T) {
	c, st := newTestCache(t, 1<<20)
	addr := format.Addr(256)
	data := []byte("dirty-data")
	if err := c.Insert(addr, format.ClassObjectHeader, &blob{data: data}, uint64(len(data)), 0, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Flush(context.Background(), FlushAll(), false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(data))
	if err := st.Read(context.Background(), uint64(addr), got); err != nil {
		t.Fatalf("Read back: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("store has %q, want %q", got, data)
	}
	if !c.CacheIsClean(0) {
		t.Fatal("cache should be clean after flush")
	}
}

func TestPinPreventsEviction(t *testing.T) {
	c, _ := newTestCache(t, 32)

	addr1 := format.Addr(0)
	data1 := make([]byte, 16)
	if err := c.Insert(addr1, format.ClassObjectHeader, &blob{data: data1}, 16, 0, InsertPin); err != nil {
		t.Fatalf("Insert pinned: %v", err)
	}
	addr2 := format.Addr(64)
	data2 := make([]byte, 16)
	if err := c.Insert(addr2, format.ClassObjectHeader, &blob{data: data2}, 16, 0, InsertClean); err != nil {
		t.Fatalf("Insert second: %v", err)
	}
	addr3 := format.Addr(128)
	data3 := make([]byte, 16)
	if err := c.Insert(addr3, format.ClassObjectHeader, &blob{data: data3}, 16, 0, InsertClean); err != nil {
		t.Fatalf("Insert third: %v", err)
	}

	if _, err := c.Protect(context.Background(), addr1, format.ClassObjectHeader, uint64(16), ProtectReadOnly); err != nil {
		t.Fatalf("protect pinned entry should still be resident: %v", err)
	}
	c.Unprotect(addr1, 0, 0)
}

func TestFlushDepCycleRejected(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	a := format.Addr(8)
	b := format.Addr(16)
	if err := c.Insert(a, format.ClassObjectHeader, &blob{data: []byte("a")}, 1, 0, 0); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := c.Insert(b, format.ClassObjectHeader, &blob{data: []byte("b")}, 1, 1, 0); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if err := c.FlushDepCreate(a, b); err != nil {
		t.Fatalf("FlushDepCreate a<-b: %v", err)
	}
	if err := c.FlushDepCreate(b, a); err == nil {
		t.Fatal("expected cycle rejection for b<-a after a<-b")
	}
}

func TestMoveEntryUpdatesIndex(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	old := format.Addr(1)
	next := format.Addr(2)
	if err := c.Insert(old, format.ClassObjectHeader, &blob{data: []byte("x")}, 1, 0, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.MoveEntry(old, next); err != nil {
		t.Fatalf("MoveEntry: %v", err)
	}
	if _, err := c.Protect(context.Background(), next, format.ClassObjectHeader, uint64(1), ProtectReadOnly); err != nil {
		t.Fatalf("protect new address: %v", err)
	}
	c.Unprotect(next, 0, 0)
	if _, err := c.Protect(context.Background(), old, format.ClassObjectHeader, uint64(1), ProtectReadOnly); err == nil {
		t.Fatal("old address should be gone after move")
	}
}

func TestExpungeRejectsPinned(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	addr := format.Addr(4)
	if err := c.Insert(addr, format.ClassObjectHeader, &blob{data: []byte("p")}, 1, 0, InsertPin); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Expunge(addr, false); err == nil {
		t.Fatal("expected Expunge to reject a pinned entry")
	}
	if err := c.Unpin(addr); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if err := c.Expunge(addr, false); err != nil {
		t.Fatalf("Expunge after unpin: %v", err)
	}
}

func TestCorkPreventsEviction(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	addr := format.Addr(4096)
	tag := format.Addr(4096)
	if err := c.Insert(addr, format.ClassObjectHeader, &blob{data: []byte("tagged")}, 6, 0, InsertClean); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.SetTag(addr, tag); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	c.Cork(tag)
	if !c.IsCorked(tag) {
		t.Fatal("expected tag to be corked")
	}
	if err := c.Expunge(addr, false); err == nil {
		t.Fatal("corked entry should not be evictable")
	}
	c.Uncork(tag)
	if err := c.Expunge(addr, false); err != nil {
		t.Fatalf("Expunge after uncork: %v", err)
	}
}

func TestValidatePassesOnCleanCache(t *testing.T) {
	c, _ := newTestCache(t, 1<<20)
	addr := format.Addr(12)
	if err := c.Insert(addr, format.ClassObjectHeader, &blob{data: []byte("v")}, 1, 0, InsertClean); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestOversizeWhenEverythingPinned(t *testing.T) {
	c, _ := newTestCache(t, 8)
	for i := 0; i < 4; i++ {
		addr := format.Addr(i * 16)
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(i))
		err := c.Insert(addr, format.ClassObjectHeader, &blob{data: data}, 8, 0, InsertPin)
		if i == 0 && err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if _, oversize := err.(*OversizeError); i > 0 && !oversize {
			t.Fatalf("insert %d: got %v, want an OversizeError once pinned entries exceed max_size", i, err)
		}
	}
	if c.Stats().Oversize == 0 {
		t.Fatal("expected the cache to record an oversize event when every entry is pinned")
	}
}
