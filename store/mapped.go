package store

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MappedFile is a read-only Store backed by a memory-mapped file, intended
// for the SWMR-reader path of spec.md §4.1.8 where a process only ever
// re-reads entries and never writes. Writes are rejected; open a LocalFile
// instead for the writer session.
type MappedFile struct {
	r   *mmap.ReaderAt
	eoa uint64
}

// OpenMappedFile memory-maps path for reading.
func OpenMappedFile(path string) (*MappedFile, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "store: mmap open")
	}
	return &MappedFile{r: r, eoa: uint64(r.Len())}, nil
}

func (s *MappedFile) Read(ctx context.Context, off uint64, buf []byte) error {
	if _, err := s.r.ReadAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "store: mmap read %d bytes at %#x", len(buf), off)
	}
	return nil
}

func (s *MappedFile) Write(ctx context.Context, off uint64, buf []byte) error {
	return errors.New("store: MappedFile is read-only")
}

func (s *MappedFile) EOA() uint64 { return s.eoa }

func (s *MappedFile) SetEOA(off uint64) { s.eoa = off }

func (s *MappedFile) Truncate(ctx context.Context, off uint64) error {
	return errors.New("store: MappedFile does not support truncate")
}

// Lock is a no-op for a read-only mapped store: readers never contend with
// each other, only with the single writer, which opens its own LocalFile.
func (s *MappedFile) Lock(exclusive bool) error {
	if exclusive {
		return errors.New("store: MappedFile cannot take an exclusive lock")
	}
	return nil
}

func (s *MappedFile) Unlock() error { return nil }

func (s *MappedFile) Close() error {
	return s.r.Close()
}
