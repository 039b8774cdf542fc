package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// SplitterConfig configures a fan-out writer (spec.md §4.5): every write is
// dispatched to both a read/write channel and a write-only channel; reads
// go to the read/write channel only.
type SplitterConfig struct {
	RW Store // read/write channel — source of truth for reads
	WO Store // write-only channel — receives a byte-for-byte copy

	// IgnoreWOErrs controls whether W/O-channel errors are fatal (false)
	// or merely logged to LogFile (true), per spec.md §4.5.
	IgnoreWOErrs bool
	LogFile      string
}

// Splitter implements Store by fanning writes out to two underlying
// stores, used to produce a byte-for-byte copy during migration.
type Splitter struct {
	cfg    SplitterConfig
	mu     sync.Mutex
	logger *log.Logger
	logF   *os.File
}

// NewSplitter constructs a Splitter store from cfg. If IgnoreWOErrs is set
// and LogFile is non-empty, W/O errors are appended to that file instead of
// aborting the write.
func NewSplitter(cfg SplitterConfig) (*Splitter, error) {
	s := &Splitter{cfg: cfg}
	if cfg.IgnoreWOErrs && cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "store: splitter open log file")
		}
		s.logF = f
		s.logger = log.New(f, "", log.LstdFlags)
	}
	return s, nil
}

func (s *Splitter) Read(ctx context.Context, off uint64, buf []byte) error {
	return s.cfg.RW.Read(ctx, off, buf)
}

func (s *Splitter) Write(ctx context.Context, off uint64, buf []byte) error {
	if err := s.cfg.RW.Write(ctx, off, buf); err != nil {
		return errors.Wrap(err, "store: splitter RW write")
	}
	if err := s.cfg.WO.Write(ctx, off, buf); err != nil {
		woErr := fmt.Errorf("store: splitter WO write failed at %#x: %w", off, err)
		if !s.cfg.IgnoreWOErrs {
			return woErr
		}
		s.logWOError(woErr)
	}
	return nil
}

func (s *Splitter) logWOError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logger != nil {
		s.logger.Println(err.Error())
		return
	}
	log.Println(err.Error())
}

func (s *Splitter) EOA() uint64 { return s.cfg.RW.EOA() }

func (s *Splitter) SetEOA(off uint64) {
	s.cfg.RW.SetEOA(off)
	s.cfg.WO.SetEOA(off)
}

func (s *Splitter) Truncate(ctx context.Context, off uint64) error {
	if err := s.cfg.RW.Truncate(ctx, off); err != nil {
		return err
	}
	if err := s.cfg.WO.Truncate(ctx, off); err != nil {
		if !s.cfg.IgnoreWOErrs {
			return err
		}
		s.logWOError(err)
	}
	return nil
}

func (s *Splitter) Lock(exclusive bool) error { return s.cfg.RW.Lock(exclusive) }
func (s *Splitter) Unlock() error             { return s.cfg.RW.Unlock() }

func (s *Splitter) Close() error {
	if s.logF != nil {
		_ = s.logF.Close()
	}
	rwErr := s.cfg.RW.Close()
	woErr := s.cfg.WO.Close()
	if rwErr != nil {
		return rwErr
	}
	return woErr
}
