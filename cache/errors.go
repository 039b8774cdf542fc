package cache

import "github.com/hdf5go/mdcache/format"

// Error kinds the cache returns, per spec.md §4.1.1: NotFound,
// AlreadyExists, Protected, FlushFailed(io_err), SerializeFailed(class_err),
// ChecksumMismatch, Corrupt(reason), Oversize, PinnedEvictAttempt,
// DependencyCycle, SystemState(msg).

type NotFoundError struct{ Addr format.Addr }

func (e *NotFoundError) Error() string { return "cache: entry not found at " + e.Addr.String() }

type AlreadyExistsError struct{ Addr format.Addr }

func (e *AlreadyExistsError) Error() string { return "cache: entry already exists at " + e.Addr.String() }

type ProtectedError struct{ Addr format.Addr }

func (e *ProtectedError) Error() string { return "cache: entry protected at " + e.Addr.String() }

type FlushFailedError struct {
	Addr format.Addr
	Err  error
}

func (e *FlushFailedError) Error() string {
	return "cache: flush failed at " + e.Addr.String() + ": " + e.Err.Error()
}
func (e *FlushFailedError) Unwrap() error { return e.Err }

type SerializeFailedError struct {
	Addr format.Addr
	Err  error
}

func (e *SerializeFailedError) Error() string {
	return "cache: serialize failed at " + e.Addr.String() + ": " + e.Err.Error()
}
func (e *SerializeFailedError) Unwrap() error { return e.Err }

type ChecksumMismatchError struct{ Addr format.Addr }

func (e *ChecksumMismatchError) Error() string {
	return "cache: checksum mismatch at " + e.Addr.String()
}

type CorruptError struct {
	Addr   format.Addr
	Reason string
}

func (e *CorruptError) Error() string {
	return "cache: corrupt entry at " + e.Addr.String() + ": " + e.Reason
}

// OversizeError reports MSIC giving up: every live entry was pinned or
// protected, so the cache exceeded max_cache_size rather than stall.
type OversizeError struct {
	IndexSize, MaxSize uint64
}

func (e *OversizeError) Error() string {
	return "cache: oversize, index_size exceeds max_cache_size and no entry could be evicted"
}

type PinnedEvictAttemptError struct{ Addr format.Addr }

func (e *PinnedEvictAttemptError) Error() string {
	return "cache: attempted to evict pinned entry at " + e.Addr.String()
}

type DependencyCycleError struct {
	Parent, Child format.Addr
}

func (e *DependencyCycleError) Error() string {
	return "cache: flush dependency from " + e.Parent.String() + " to " + e.Child.String() + " would create a cycle"
}

type SystemStateError struct{ Msg string }

func (e *SystemStateError) Error() string { return "cache: " + e.Msg }
