package store

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LocalFile is a Store backed by a local, seekable *os.File. It tracks the
// end-of-allocated-space pointer in memory and uses the OS advisory-locking
// primitive (flock) to guard against two writer sessions opening the same
// file concurrently — a requirement the teacher's pager never implemented
// because tinySQL serializes all access behind its own in-process mutex
// instead of an OS-level lock (see DESIGN.md).
type LocalFile struct {
	mu     sync.Mutex
	f      *os.File
	eoa    uint64
	locked bool
}

// OpenLocalFile opens (or creates) path and returns a LocalFile store. eoa
// is the caller-supplied initial end-of-allocated-space pointer (normally
// read back from the superblock for an existing file, or 0 for a new one).
func OpenLocalFile(path string, eoa uint64) (*LocalFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "store: open local file")
	}
	return &LocalFile{f: f, eoa: eoa}, nil
}

func (s *LocalFile) Read(ctx context.Context, off uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.ReadAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "store: read %d bytes at %#x", len(buf), off)
	}
	return nil
}

func (s *LocalFile) Write(ctx context.Context, off uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "store: write %d bytes at %#x", len(buf), off)
	}
	end := off + uint64(len(buf))
	if end > s.eoa {
		s.eoa = end
	}
	return nil
}

func (s *LocalFile) EOA() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eoa
}

func (s *LocalFile) SetEOA(off uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eoa = off
}

func (s *LocalFile) Alloc(size uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.eoa
	s.eoa += size
	return addr
}

func (s *LocalFile) Truncate(ctx context.Context, off uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Truncate(int64(off)); err != nil {
		return errors.Wrap(err, "store: truncate")
	}
	s.eoa = off
	return nil
}

// Lock acquires a whole-file advisory lock via flock(2). Shared (exclusive
// = false) locks permit multiple SWMR readers; exclusive locks guard the
// single-writer session.
func (s *LocalFile) Lock(exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(s.f.Fd()), how); err != nil {
		return errors.Wrap(err, "store: flock")
	}
	s.locked = true
	return nil
}

func (s *LocalFile) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return nil
	}
	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrap(err, "store: flock unlock")
	}
	s.locked = false
	return nil
}

func (s *LocalFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		_ = unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
		s.locked = false
	}
	return s.f.Close()
}
