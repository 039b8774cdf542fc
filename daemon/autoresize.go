// Package daemon wires resize.Controller to a live cache.Cache on a
// cron schedule. It is the only place in this module that runs a
// background goroutine against a cache: spec.md §5 mandates a
// single-threaded, cooperative core, so AutoResizer never calls
// protect/unprotect/flush itself — only Stats() (a read) and
// SetBounds() (a plain field write under the cache's own mutex) — and
// relies on the caller to run it only when no other goroutine
// concurrently mutates the same cache. Grounded on the teacher's
// internal/storage/scheduler.go Scheduler: cron.Cron wrapping,
// NoOverlap-style single-flight guard, and log.Printf status lines,
// retargeted from executing SQL jobs to sampling cache.Stats() and
// applying resize.Controller's verdict.
package daemon

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/resize"
)

// AutoResizer periodically samples a cache.Cache's hit-rate counters,
// feeds the delta since the last sample into a resize.Controller, and
// applies the resulting bound change back to the cache.
type AutoResizer struct {
	c    *cache.Cache
	ctrl *resize.Controller
	cron *cron.Cron

	mu           sync.Mutex
	running      bool
	lastAccesses uint64
	lastHits     uint64

	onReport func(resize.Report)
}

// NewAutoResizer builds an AutoResizer seeded from c's current bounds.
// onReport, if non-nil, is invoked with every Sample's Report — tests
// use this to observe resize decisions without polling.
func NewAutoResizer(c *cache.Cache, cfg resize.Config, onReport func(resize.Report)) *AutoResizer {
	maxSize, minClean := c.Bounds()
	return &AutoResizer{
		c:        c,
		ctrl:     resize.New(cfg, maxSize, minClean),
		cron:     cron.New(cron.WithSeconds()),
		onReport: onReport,
	}
}

// Start registers the sampling job on the given cron schedule (six
// fields, seconds first, since the scheduler is built WithSeconds — e.g.
// "*/30 * * * * *" samples every 30 seconds; five-field expressions are
// rejected) and starts the scheduler. Safe to call once.
func (a *AutoResizer) Start(schedule string) error {
	_, err := a.cron.AddFunc(schedule, a.sampleOnce)
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop halts the scheduler, blocking until any in-flight sample
// finishes, per the teacher's Scheduler.Stop contract.
func (a *AutoResizer) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

// SampleNow runs one sampling pass synchronously, for callers (such as
// tests) that don't want to wait on cron.
func (a *AutoResizer) SampleNow(_ context.Context) resize.Report {
	return a.sample()
}

func (a *AutoResizer) sampleOnce() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		log.Printf("daemon: auto-resize sample already running, skipping (no_overlap)")
		return
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	report := a.sample()
	if report.Status != resize.StatusInSpec && report.Status != resize.StatusNotFull {
		log.Printf("daemon: auto-resize %s: max %d -> %d, min_clean %d -> %d",
			report.Status, report.OldMax, report.NewMax, report.OldMinClean, report.NewMinClean)
	}
}

func (a *AutoResizer) sample() resize.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.c.Stats()
	deltaAccesses := stats.Accesses - a.lastAccesses
	deltaHits := stats.Hits - a.lastHits
	a.lastAccesses = stats.Accesses
	a.lastHits = stats.Hits

	report := a.ctrl.Sample(deltaAccesses, deltaHits)
	if report.NewMax != report.OldMax || report.NewMinClean != report.OldMinClean {
		a.c.SetBounds(report.NewMax, report.NewMinClean)
	}
	if a.onReport != nil {
		a.onReport(report)
	}
	return report
}

