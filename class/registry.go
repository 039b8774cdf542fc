// Package class implements the process-wide serialization registry:
// spec.md §2 item 2's table mapping a numeric class id to the set of
// callbacks the cache uses to move an entry between its on-disk image and
// its in-core representation, without ever knowing the in-core type
// itself. The cache package depends on this one; this one depends on
// nothing but format.
package class

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/hdf5go/mdcache/format"
)

// NotifyAction identifies the lifecycle event passed to a Vtable's Notify
// callback, per spec.md §2 item 2's "notify" entry.
type NotifyAction uint8

const (
	NotifyAfterInsert NotifyAction = iota
	NotifyAfterLoad
	NotifyBeforeFlush
	NotifyAfterFlush
	NotifyBeforeEvict
	NotifyBeforeDestroy
)

func (a NotifyAction) String() string {
	switch a {
	case NotifyAfterInsert:
		return "after-insert"
	case NotifyAfterLoad:
		return "after-load"
	case NotifyBeforeFlush:
		return "before-flush"
	case NotifyAfterFlush:
		return "after-flush"
	case NotifyBeforeEvict:
		return "before-evict"
	case NotifyBeforeDestroy:
		return "before-destroy"
	default:
		return fmt.Sprintf("class.NotifyAction(%d)", uint8(a))
	}
}

// DeserializeFlags are returned by Deserialize alongside the in-core
// object, letting a class tell the cache things about the entry it just
// loaded that the cache has no other way to know.
type DeserializeFlags uint8

const (
	// DirtyOnLoad marks the freshly deserialized entry dirty immediately,
	// used by classes that upgrade an on-disk image in place as part of
	// loading it (e.g. an old-version fill message rewritten to the
	// current version).
	DirtyOnLoad DeserializeFlags = 1 << iota
)

// SerializeFlags are returned by the optional PreSerialize hook.
type SerializeFlags uint8

const (
	// SerializeMoved indicates PreSerialize relocated the entry to a new
	// address and/or length; the cache must update its index and notify
	// any flush-dependency parents before calling Serialize.
	SerializeMoved SerializeFlags = 1 << iota
	// SerializeCompressed indicates the image PreSerialize produced is
	// smaller than ImageSize reported and the cache should shrink its
	// length bookkeeping to match.
	SerializeCompressed
)

// Vtable is the set of callbacks the cache uses for one class id. Exactly
// as spec.md §2 item 2 lists: initial_image_size, final_image_size
// (optional), verify_checksum, deserialize, image_size, pre_serialize
// (optional), serialize, notify, free_in_core, fsf_size (optional).
type Vtable struct {
	ID   format.ClassID
	Name string

	// InitialImageSize returns the number of bytes to read from the store
	// on a cache miss before the class has had a chance to look at the
	// image at all — e.g. a fixed header size that itself encodes the
	// full image's true length.
	InitialImageSize func(udata any) (uint64, error)

	// FinalImageSize, if non-nil, is called after the initial image has
	// been read and lets a class whose on-disk length isn't known until
	// it has parsed the initial bytes (e.g. an extensible or fixed array
	// header, whose length depends on its fill value) request a second,
	// larger read.
	FinalImageSize func(udata any, initialImage []byte) (uint64, error)

	// VerifyChecksum validates image's trailing checksum (and any other
	// self-consistency the class can check) before Deserialize runs.
	VerifyChecksum func(image []byte) error

	// Deserialize turns image into the in-core representation.
	Deserialize func(image []byte, addr format.Addr, udata any) (obj any, flags DeserializeFlags, err error)

	// ImageSize returns obj's current on-disk image size, used to size
	// the buffer Serialize will write into.
	ImageSize func(obj any) (uint64, error)

	// PreSerialize, if non-nil, runs before Serialize and lets the class
	// relocate or resize itself (e.g. a data block that outgrew its
	// original allocation) before the cache commits to an address/length
	// for the write.
	PreSerialize func(ctx context.Context, obj any, addr format.Addr, length uint64) (newAddr format.Addr, newLength uint64, flags SerializeFlags, err error)

	// Serialize writes obj's current state into image, which is exactly
	// ImageSize(obj) bytes (post PreSerialize, if any).
	Serialize func(addr format.Addr, image []byte, obj any) error

	// Notify informs obj of a lifecycle event; classes use this to
	// propagate flush-dependency state (e.g. decrementing a parent's
	// dirty-child count) or to free associated external resources.
	Notify func(action NotifyAction, obj any) error

	// FreeInCore releases obj's in-core resources. Called once the cache
	// has fully evicted or destroyed the entry.
	FreeInCore func(obj any) error

	// FSFSize, if non-nil, returns the number of bytes this entry's
	// on-disk image occupies for free-space-manager accounting purposes,
	// when that differs from ImageSize (e.g. an entry that shares a page
	// with others).
	FSFSize func(obj any) (uint64, error)
}

// Validate checks that a Vtable supplies every required callback.
func (v *Vtable) Validate() error {
	if v.InitialImageSize == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "InitialImageSize"}
	}
	if v.VerifyChecksum == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "VerifyChecksum"}
	}
	if v.Deserialize == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "Deserialize"}
	}
	if v.ImageSize == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "ImageSize"}
	}
	if v.Serialize == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "Serialize"}
	}
	if v.Notify == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "Notify"}
	}
	if v.FreeInCore == nil {
		return &MissingCallbackError{Class: v.ID, Callback: "FreeInCore"}
	}
	return nil
}

// Registry is the process-wide table mapping class id to Vtable. The
// zero value is usable; Default() returns a shared, lazily-populated
// instance for callers that don't need an isolated registry.
type Registry struct {
	mu     sync.RWMutex
	tables map[format.ClassID]*Vtable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[format.ClassID]*Vtable)}
}

// Register installs v under its own ID, failing if v is invalid or the
// slot is already taken.
func (r *Registry) Register(v *Vtable) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables == nil {
		r.tables = make(map[format.ClassID]*Vtable)
	}
	if _, exists := r.tables[v.ID]; exists {
		return &DuplicateClassError{Class: v.ID}
	}
	r.tables[v.ID] = v
	return nil
}

// MustRegister panics if Register fails; intended for package-level
// init() registration of built-in classes.
func (r *Registry) MustRegister(v *Vtable) {
	if err := r.Register(v); err != nil {
		panic(err)
	}
}

// Lookup returns the Vtable for id, or an error if no class was
// registered under it.
func (r *Registry) Lookup(id format.ClassID) (*Vtable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.tables[id]
	if !ok {
		return nil, &UnknownClassError{Class: id}
	}
	return v, nil
}

// defaultRegistry is the shared registry used by callers that don't build
// their own, analogous to the teacher's package-level default DB schema
// registration in internal/storage.
var defaultRegistry = NewRegistry()

// Default returns the process-wide shared Registry.
func Default() *Registry { return defaultRegistry }

// MissingCallbackError reports a Vtable missing a required callback.
type MissingCallbackError struct {
	Class    format.ClassID
	Callback string
}

func (e *MissingCallbackError) Error() string {
	return fmt.Sprintf("class: vtable for class %d missing required callback %s", e.Class, e.Callback)
}

// DuplicateClassError reports Register being called twice for one id.
type DuplicateClassError struct{ Class format.ClassID }

func (e *DuplicateClassError) Error() string {
	return fmt.Sprintf("class: class id %d already registered", e.Class)
}

// UnknownClassError reports a Lookup miss; the cache wraps this as a
// Corrupt error since it means the on-disk class id is not one any
// linked-in class knows how to handle.
type UnknownClassError struct{ Class format.ClassID }

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("class: no vtable registered for class id %d", e.Class)
}

// AsUnknownClass reports whether err wraps an UnknownClassError.
func AsUnknownClass(err error) bool {
	var target *UnknownClassError
	return errors.As(err, &target)
}
