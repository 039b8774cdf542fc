// Package resize implements the auto-resize controller of spec.md
// §4.1.7: a standalone observer with no knowledge of the cache it
// tunes. It consumes periodic {accesses, hits} samples plus a Config
// and emits a Report describing what bound change, if any, the sample
// calls for. Grounded on nothing teacher-specific (tinySQL has no
// analog); written fresh from spec.md's state-machine description, in
// the teacher's plain-struct-with-methods style used throughout the
// rest of this module (cache.Cache, earray.Header).
package resize

import "fmt"

// IncreaseMode selects how the controller reacts to a hit rate below
// LowerHRThreshold.
type IncreaseMode int

const (
	IncreaseOff IncreaseMode = iota
	IncreaseThreshold
)

// DecreaseMode selects how the controller reacts to a hit rate above
// UpperHRThreshold.
type DecreaseMode int

const (
	DecreaseOff DecreaseMode = iota
	DecreaseThreshold
	DecreaseAgeOut
	DecreaseAgeOutWithThreshold
)

// Status reports what a Sample call decided, per spec.md §4.1.7's
// report enum.
type Status int

const (
	StatusInSpec Status = iota
	StatusIncrease
	StatusFlashIncrease
	StatusDecrease
	StatusAtMax
	StatusAtMin
	StatusIncreaseDisabled
	StatusDecreaseDisabled
	StatusNotFull
)

func (s Status) String() string {
	switch s {
	case StatusInSpec:
		return "in_spec"
	case StatusIncrease:
		return "increase"
	case StatusFlashIncrease:
		return "flash_increase"
	case StatusDecrease:
		return "decrease"
	case StatusAtMax:
		return "at_max"
	case StatusAtMin:
		return "at_min"
	case StatusIncreaseDisabled:
		return "increase_disabled"
	case StatusDecreaseDisabled:
		return "decrease_disabled"
	case StatusNotFull:
		return "not_full"
	default:
		return fmt.Sprintf("resize.Status(%d)", int(s))
	}
}

// Config bundles the thresholds, modes, and limits spec.md §4.1.7
// describes as feeding the state machine.
type Config struct {
	LowerHRThreshold float64 // below this hit rate, consider increasing
	UpperHRThreshold float64 // above this hit rate, consider decreasing

	IncreaseMode    IncreaseMode
	IncrementFactor float64 // new_max = old_max * IncrementFactor, when increasing

	DecreaseMode    DecreaseMode
	DecrementFactor float64 // new_max = old_max * DecrementFactor, when decreasing
	AgeOutEpochs    int     // DecreaseAgeOut{,WithThreshold}: epochs of low-enough churn before a decrement fires

	MinSize      uint64
	MaxSize      uint64
	MinCleanFrac float64 // new_min_clean = new_max * MinCleanFrac

	// FlashIncreaseMode, when true, lets Sample react to a single sample
	// whose requested space exceeds FlashThreshold*current_max with an
	// immediate StatusFlashIncrease, bypassing the hit-rate check.
	FlashIncreaseMode bool
	FlashThreshold    float64
}

// Controller is the auto-resize state machine itself: cache-agnostic,
// holding only its own Config and the epoch counter DecreaseAgeOut
// needs. It never touches a cache.Cache directly — daemon.AutoResizer
// is the glue that reads cache.Stats() and applies the Report back.
type Controller struct {
	cfg Config

	curMax      uint64
	curMinClean uint64

	epochsSinceIncrease int
	epochsBelowUpper    int
}

// New constructs a Controller starting from the given current bounds.
func New(cfg Config, initialMax, initialMinClean uint64) *Controller {
	return &Controller{cfg: cfg, curMax: initialMax, curMinClean: initialMinClean}
}

// Report is the output of one Sample call, per spec.md §4.1.7.
type Report struct {
	Status                   Status
	OldMax, NewMax           uint64
	OldMinClean, NewMinClean uint64
}

// Sample feeds one {accesses, hits} observation through the state
// machine and returns what changed, per spec.md §4.1.7. accesses and
// hits are the counts for the window since the previous sample, not the
// cumulative cache.Stats() totals; callers derive them by tracking their
// own last-sampled totals, mirroring how the real H5C controller samples
// at a fixed access-count cadence rather than wall-clock time.
func (c *Controller) Sample(accesses, hits uint64) Report {
	old := Report{OldMax: c.curMax, OldMinClean: c.curMinClean, NewMax: c.curMax, NewMinClean: c.curMinClean}

	if accesses == 0 {
		old.Status = StatusNotFull
		return old
	}
	hitRate := float64(hits) / float64(accesses)

	if c.cfg.FlashIncreaseMode && c.cfg.MaxSize > 0 {
		requested := uint64(float64(c.curMax) * (1 + c.cfg.FlashThreshold))
		if requested > c.curMax && c.curMax < c.cfg.MaxSize {
			return c.grow(StatusFlashIncrease)
		}
	}

	switch {
	case hitRate < c.cfg.LowerHRThreshold:
		c.epochsBelowUpper = 0
		if c.cfg.IncreaseMode == IncreaseOff {
			old.Status = StatusIncreaseDisabled
			return old
		}
		if c.curMax >= c.cfg.MaxSize && c.cfg.MaxSize > 0 {
			old.Status = StatusAtMax
			return old
		}
		return c.grow(StatusIncrease)

	case hitRate > c.cfg.UpperHRThreshold:
		c.epochsBelowUpper++
		if c.cfg.DecreaseMode == DecreaseOff {
			old.Status = StatusDecreaseDisabled
			return old
		}
		if c.curMax <= c.cfg.MinSize {
			old.Status = StatusAtMin
			return old
		}
		switch c.cfg.DecreaseMode {
		case DecreaseThreshold:
			return c.shrink(StatusDecrease)
		case DecreaseAgeOut, DecreaseAgeOutWithThreshold:
			if c.epochsBelowUpper >= c.cfg.AgeOutEpochs {
				c.epochsBelowUpper = 0
				return c.shrink(StatusDecrease)
			}
			old.Status = StatusInSpec
			return old
		default:
			old.Status = StatusInSpec
			return old
		}

	default:
		c.epochsBelowUpper = 0
		old.Status = StatusInSpec
		return old
	}
}

func (c *Controller) grow(status Status) Report {
	old := Report{OldMax: c.curMax, OldMinClean: c.curMinClean}
	newMax := uint64(float64(c.curMax) * c.cfg.IncrementFactor)
	if c.cfg.MaxSize > 0 && newMax > c.cfg.MaxSize {
		newMax = c.cfg.MaxSize
	}
	if newMax <= c.curMax {
		newMax = c.curMax + 1
	}
	c.curMax = newMax
	c.curMinClean = uint64(float64(newMax) * c.cfg.MinCleanFrac)
	c.epochsSinceIncrease = 0
	return Report{Status: status, OldMax: old.OldMax, NewMax: c.curMax, OldMinClean: old.OldMinClean, NewMinClean: c.curMinClean}
}

func (c *Controller) shrink(status Status) Report {
	old := Report{OldMax: c.curMax, OldMinClean: c.curMinClean}
	newMax := uint64(float64(c.curMax) * c.cfg.DecrementFactor)
	if newMax < c.cfg.MinSize {
		newMax = c.cfg.MinSize
	}
	if newMax >= c.curMax && c.curMax > 0 {
		newMax = c.curMax - 1
	}
	c.curMax = newMax
	c.curMinClean = uint64(float64(newMax) * c.cfg.MinCleanFrac)
	return Report{Status: status, OldMax: old.OldMax, NewMax: c.curMax, OldMinClean: old.OldMinClean, NewMinClean: c.curMinClean}
}

// Bounds returns the controller's current notion of max_size and
// min_clean_size: the values given to New, or those set by the last
// Sample that changed them.
func (c *Controller) Bounds() (maxSize, minCleanSize uint64) {
	return c.curMax, c.curMinClean
}
