// Package testutil holds fixtures shared by this module's package tests: an
// in-memory store.Store and a couple of fake metadata-entry classes,
// grounded in the teacher's own pattern of small, hand-written test helpers
// (see the now-removed internal/testhelper, whose YAML-fixture idea lives
// on in the config package instead).
package testutil

import (
	"context"
	"sync"
)

// MemStore is an in-memory store.Store, used by every package's tests so
// they don't need a filesystem.
type MemStore struct {
	mu     sync.Mutex
	buf    []byte
	eoa    uint64
	locked bool
}

func NewMemStore() *MemStore { return &MemStore{} }

func (m *MemStore) Read(ctx context.Context, off uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + uint64(len(buf))
	if end > uint64(len(m.buf)) {
		return &ShortReadError{Want: len(buf), Have: len(m.buf) - int(off)}
	}
	copy(buf, m.buf[off:end])
	return nil
}

func (m *MemStore) Write(ctx context.Context, off uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + uint64(len(buf))
	if end > uint64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], buf)
	if end > m.eoa {
		m.eoa = end
	}
	return nil
}

func (m *MemStore) EOA() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eoa
}

func (m *MemStore) SetEOA(off uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eoa = off
}

func (m *MemStore) Alloc(size uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.eoa
	m.eoa += size
	return addr
}

func (m *MemStore) Truncate(ctx context.Context, off uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < uint64(len(m.buf)) {
		m.buf = m.buf[:off]
	}
	m.eoa = off
	return nil
}

func (m *MemStore) Lock(exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked && exclusive {
		return &LockBusyError{}
	}
	m.locked = true
	return nil
}

func (m *MemStore) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	return nil
}

func (m *MemStore) Close() error { return nil }

// Bytes returns a copy of the store's current contents, for assertions.
func (m *MemStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// WriteCount/ReadCount style hooks are intentionally omitted here; tests
// that need call counting wrap MemStore with CountingStore below.

// ShortReadError reports a read past the end of the in-memory buffer.
type ShortReadError struct{ Want, Have int }

func (e *ShortReadError) Error() string { return "testutil: short read" }

// LockBusyError reports contention on MemStore's single advisory lock.
type LockBusyError struct{}

func (e *LockBusyError) Error() string { return "testutil: lock busy" }

// CountingStore wraps a Store and counts Read/Write calls, recording each
// write in WriteLog; earray's TestGrowThenRead uses it to check the order
// of store writes.
type CountingStore struct {
	Inner interface {
		Read(ctx context.Context, off uint64, buf []byte) error
		Write(ctx context.Context, off uint64, buf []byte) error
		EOA() uint64
		SetEOA(off uint64)
		Truncate(ctx context.Context, off uint64) error
		Lock(exclusive bool) error
		Unlock() error
		Close() error
	}
	mu         sync.Mutex
	Reads      int
	Writes     int
	WriteLog   []WriteCall
}

// WriteCall records one Write invocation's arguments.
type WriteCall struct {
	Off  uint64
	Data []byte
}

func NewCountingStore(inner *MemStore) *CountingStore {
	return &CountingStore{Inner: inner}
}

func (c *CountingStore) Read(ctx context.Context, off uint64, buf []byte) error {
	c.mu.Lock()
	c.Reads++
	c.mu.Unlock()
	return c.Inner.Read(ctx, off, buf)
}

func (c *CountingStore) Write(ctx context.Context, off uint64, buf []byte) error {
	c.mu.Lock()
	c.Writes++
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.WriteLog = append(c.WriteLog, WriteCall{Off: off, Data: cp})
	c.mu.Unlock()
	return c.Inner.Write(ctx, off, buf)
}

func (c *CountingStore) EOA() uint64           { return c.Inner.EOA() }
func (c *CountingStore) SetEOA(off uint64)     { c.Inner.SetEOA(off) }
func (c *CountingStore) Truncate(ctx context.Context, off uint64) error {
	return c.Inner.Truncate(ctx, off)
}
func (c *CountingStore) Lock(exclusive bool) error { return c.Inner.Lock(exclusive) }
func (c *CountingStore) Unlock() error             { return c.Inner.Unlock() }
func (c *CountingStore) Close() error              { return c.Inner.Close() }
