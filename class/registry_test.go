package class

import (
	"encoding/binary"
	"testing"

	"github.com/hdf5go/mdcache/format"
)

// fakeCounter is a trivial in-core representation used to exercise the
// registry: an 8-byte little-endian counter with a checksum-free image.
type fakeCounter struct {
	value uint64
}

func fakeVtable() *Vtable {
	return &Vtable{
		ID:   format.ClassEAHeader,
		Name: "fake-counter",
		InitialImageSize: func(udata any) (uint64, error) {
			return 8, nil
		},
		VerifyChecksum: func(image []byte) error {
			if len(image) != 8 {
				return &MissingCallbackError{Callback: "VerifyChecksum: bad length"}
			}
			return nil
		},
		Deserialize: func(image []byte, addr format.Addr, udata any) (any, DeserializeFlags, error) {
			return &fakeCounter{value: binary.LittleEndian.Uint64(image)}, 0, nil
		},
		ImageSize: func(obj any) (uint64, error) { return 8, nil },
		Serialize: func(addr format.Addr, image []byte, obj any) error {
			binary.LittleEndian.PutUint64(image, obj.(*fakeCounter).value)
			return nil
		},
		Notify:     func(action NotifyAction, obj any) error { return nil },
		FreeInCore: func(obj any) error { return nil },
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	v := fakeVtable()
	if err := r.Register(v); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup(format.ClassEAHeader)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != v {
		t.Fatalf("Lookup returned a different vtable")
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(fakeVtable()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(fakeVtable()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryUnknownClass(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup(format.ClassSuperblock); err == nil {
		t.Fatal("expected lookup of unregistered class to fail")
	} else if !AsUnknownClass(err) {
		t.Fatalf("expected UnknownClassError, got %v", err)
	}
}

func TestVtableValidateRejectsMissingCallback(t *testing.T) {
	v := fakeVtable()
	v.Serialize = nil
	if err := v.Validate(); err == nil {
		t.Fatal("expected Validate to catch missing Serialize")
	}
}

func TestRoundTripThroughVtable(t *testing.T) {
	v := fakeVtable()
	obj := &fakeCounter{value: 42}
	size, err := v.ImageSize(obj)
	if err != nil {
		t.Fatalf("ImageSize: %v", err)
	}
	image := make([]byte, size)
	if err := v.Serialize(format.Addr(0), image, obj); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := v.VerifyChecksum(image); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	got, flags, err := v.Deserialize(image, format.Addr(0), nil)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if flags != 0 {
		t.Fatalf("unexpected flags %v", flags)
	}
	if got.(*fakeCounter).value != 42 {
		t.Fatalf("round trip value = %d, want 42", got.(*fakeCounter).value)
	}
}
