package daemon

import (
	"context"
	"testing"

	"github.com/hdf5go/mdcache/cache"
	"github.com/hdf5go/mdcache/class"
	"github.com/hdf5go/mdcache/format"
	"github.com/hdf5go/mdcache/internal/testutil"
	"github.com/hdf5go/mdcache/resize"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	st := testutil.NewMemStore()
	c, err := cache.New(cache.Config{Store: st, Registry: class.NewRegistry(), MaxSize: 4096, MinCleanSize: 1024})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func TestSampleNowAppliesIncreaseToCacheBounds(t *testing.T) {
	c := newTestCache(t)
	cfg := resize.Config{
		LowerHRThreshold: 0.9,
		UpperHRThreshold: 0.999,
		IncreaseMode:     resize.IncreaseThreshold,
		IncrementFactor:  2.0,
		DecreaseMode:     resize.DecreaseThreshold,
		DecrementFactor:  0.5,
		MinSize:          1024,
		MaxSize:          1 << 20,
		MinCleanFrac:     0.25,
	}
	var reports []resize.Report
	ar := NewAutoResizer(c, cfg, func(r resize.Report) { reports = append(reports, r) })

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		// Every address is absent and no class is registered, so each
		// call is a guaranteed Access without a Hit — driving the
		// sampled hit rate to 0, well below LowerHRThreshold.
		_, _ = c.Protect(ctx, format.Addr(i), 0, nil, cache.ProtectReadOnly)
	}

	report := ar.SampleNow(context.Background())
	if report.Status == resize.StatusInSpec || report.Status == resize.StatusNotFull {
		t.Fatalf("expected a hit-rate-driven verdict after an all-miss burst, got %v", report.Status)
	}
	maxSize, minClean := c.Bounds()
	if maxSize != report.NewMax || minClean != report.NewMinClean {
		t.Fatalf("cache bounds (%d,%d) do not match report (%d,%d)", maxSize, minClean, report.NewMax, report.NewMinClean)
	}
	if len(reports) != 1 {
		t.Fatalf("onReport fired %d times, want 1", len(reports))
	}
}

func TestNotFullSampleLeavesCacheBoundsUnchanged(t *testing.T) {
	c := newTestCache(t)
	cfg := resize.Config{
		LowerHRThreshold: 0.1,
		UpperHRThreshold: 0.999,
		IncreaseMode:     resize.IncreaseThreshold,
		IncrementFactor:  2.0,
		DecreaseMode:     resize.DecreaseThreshold,
		DecrementFactor:  0.5,
		MinSize:          1024,
		MaxSize:          1 << 20,
		MinCleanFrac:     0.25,
	}
	ar := NewAutoResizer(c, cfg, nil)

	oldMax, oldMinClean := c.Bounds()
	report := ar.SampleNow(context.Background())
	if report.Status != resize.StatusNotFull {
		t.Fatalf("Status = %v, want not_full on a zero-access window", report.Status)
	}
	newMax, newMinClean := c.Bounds()
	if newMax != oldMax || newMinClean != oldMinClean {
		t.Fatalf("bounds changed on a not_full sample")
	}
}
