// Package config decodes YAML configuration for the cache, its index
// structures, and the auto-resize daemon, using the same gopkg.in/yaml.v3
// struct-tag style the teacher's internal/testhelper package used to
// load its tests/examples.yml fixture — generalized here from a
// test-only fixture format into a first-class runtime config loader for
// cmd/mdcctl.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hdf5go/mdcache/earray"
	"github.com/hdf5go/mdcache/farray"
	"github.com/hdf5go/mdcache/resize"
)

// CacheConfig is the top-level document cmd/mdcctl loads, mirroring the
// knobs cache.Config and resize.Config expose.
type CacheConfig struct {
	MaxSize      uint64 `yaml:"max_size"`
	MinCleanSize uint64 `yaml:"min_clean_size"`
	RingCount    int    `yaml:"ring_count"`

	ChecksumRetries int `yaml:"checksum_retries"`

	EArray     *EACreateParams   `yaml:"earray,omitempty"`
	FArray     *FACreateParams   `yaml:"farray,omitempty"`
	AutoResize *AutoResizeConfig `yaml:"auto_resize,omitempty"`
}

// EACreateParams mirrors earray.CreateParams for YAML decoding.
type EACreateParams struct {
	ElementSize       uint64 `yaml:"element_size"`
	IdxBlkElmts       uint64 `yaml:"idx_blk_elmts"`
	DataBlkMinElmts   uint64 `yaml:"data_blk_min_elmts"`
	SupBlkMinDataPtrs uint64 `yaml:"sup_blk_min_data_ptrs"`
	DBlkPageNElmts    uint64 `yaml:"dblk_page_nelmts"`
	MaxSuperBlocks    int    `yaml:"max_super_blocks"`
	FillValue         []byte `yaml:"fill_value,omitempty"`
}

// ToEarrayParams converts the YAML document into earray.CreateParams.
func (p EACreateParams) ToEarrayParams() earray.CreateParams {
	return earray.CreateParams{
		ElementSize:       p.ElementSize,
		IdxBlkElmts:       p.IdxBlkElmts,
		DataBlkMinElmts:   p.DataBlkMinElmts,
		SupBlkMinDataPtrs: p.SupBlkMinDataPtrs,
		DBlkPageNElmts:    p.DBlkPageNElmts,
		MaxSuperBlocks:    p.MaxSuperBlocks,
		FillValue:         p.FillValue,
	}
}

// FACreateParams mirrors farray.CreateParams for YAML decoding.
type FACreateParams struct {
	ElementSize    uint64 `yaml:"element_size"`
	Nelmts         uint64 `yaml:"nelmts"`
	DBlkPageNElmts uint64 `yaml:"dblk_page_nelmts"`
	FillValue      []byte `yaml:"fill_value,omitempty"`
}

// ToFarrayParams converts the YAML document into farray.CreateParams.
func (p FACreateParams) ToFarrayParams() farray.CreateParams {
	return farray.CreateParams{
		ElementSize:    p.ElementSize,
		Nelmts:         p.Nelmts,
		DBlkPageNElmts: p.DBlkPageNElmts,
		FillValue:      p.FillValue,
	}
}

// AutoResizeConfig mirrors resize.Config for YAML decoding, plus the
// cron schedule daemon.AutoResizer.Start needs.
type AutoResizeConfig struct {
	Schedule string `yaml:"schedule"`

	LowerHRThreshold float64 `yaml:"lower_hr_threshold"`
	UpperHRThreshold float64 `yaml:"upper_hr_threshold"`

	IncreaseMode    string  `yaml:"increase_mode"` // "off" | "threshold"
	IncrementFactor float64 `yaml:"increment_factor"`

	DecreaseMode    string  `yaml:"decrease_mode"` // "off" | "threshold" | "age_out" | "age_out_with_threshold"
	DecrementFactor float64 `yaml:"decrement_factor"`
	AgeOutEpochs    int     `yaml:"age_out_epochs"`

	MinSize      uint64  `yaml:"min_size"`
	MaxSize      uint64  `yaml:"max_size"`
	MinCleanFrac float64 `yaml:"min_clean_frac"`

	FlashIncreaseMode bool    `yaml:"flash_increase_mode"`
	FlashThreshold    float64 `yaml:"flash_threshold"`
}

// DefaultCacheConfig returns the baseline bounds spec.md §9's worked
// example uses, with auto-resize left unconfigured.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize:         4 << 20,
		MinCleanSize:    1 << 20,
		RingCount:       4,
		ChecksumRetries: 3,
	}
}

// DefaultEACreateParams returns a modest extensible-array shape suitable
// for interactive experimentation via cmd/mdcctl.
func DefaultEACreateParams() EACreateParams {
	return EACreateParams{
		ElementSize:       8,
		IdxBlkElmts:       4,
		DataBlkMinElmts:   4,
		SupBlkMinDataPtrs: 4,
		DBlkPageNElmts:    0,
		MaxSuperBlocks:    64,
	}
}

// DefaultFACreateParams returns a modest fixed-array shape.
func DefaultFACreateParams() FACreateParams {
	return FACreateParams{
		ElementSize:    8,
		Nelmts:         1024,
		DBlkPageNElmts: 0,
	}
}

// DefaultAutoResizeConfig mirrors the thresholds spec.md §4.1.7 names as
// the HDF5 library's own historical defaults.
func DefaultAutoResizeConfig() AutoResizeConfig {
	return AutoResizeConfig{
		Schedule:         "@every 30s",
		LowerHRThreshold: 0.9,
		UpperHRThreshold: 0.999,
		IncreaseMode:     "threshold",
		IncrementFactor:  2.0,
		DecreaseMode:     "age_out",
		DecrementFactor:  0.9,
		AgeOutEpochs:     3,
		MinSize:          1 << 20,
		MaxSize:          64 << 20,
		MinCleanFrac:     0.25,
	}
}

// ToResizeConfig translates the YAML-friendly string modes into
// resize.Config's enums, returning an error for an unrecognized mode
// name rather than silently falling back to "off".
func (a AutoResizeConfig) ToResizeConfig() (resize.Config, error) {
	var inc resize.IncreaseMode
	switch a.IncreaseMode {
	case "", "off":
		inc = resize.IncreaseOff
	case "threshold":
		inc = resize.IncreaseThreshold
	default:
		return resize.Config{}, fmt.Errorf("config: unknown increase_mode %q", a.IncreaseMode)
	}

	var dec resize.DecreaseMode
	switch a.DecreaseMode {
	case "", "off":
		dec = resize.DecreaseOff
	case "threshold":
		dec = resize.DecreaseThreshold
	case "age_out":
		dec = resize.DecreaseAgeOut
	case "age_out_with_threshold":
		dec = resize.DecreaseAgeOutWithThreshold
	default:
		return resize.Config{}, fmt.Errorf("config: unknown decrease_mode %q", a.DecreaseMode)
	}

	return resize.Config{
		LowerHRThreshold:  a.LowerHRThreshold,
		UpperHRThreshold:  a.UpperHRThreshold,
		IncreaseMode:      inc,
		IncrementFactor:   a.IncrementFactor,
		DecreaseMode:      dec,
		DecrementFactor:   a.DecrementFactor,
		AgeOutEpochs:      a.AgeOutEpochs,
		MinSize:           a.MinSize,
		MaxSize:           a.MaxSize,
		MinCleanFrac:      a.MinCleanFrac,
		FlashIncreaseMode: a.FlashIncreaseMode,
		FlashThreshold:    a.FlashThreshold,
	}, nil
}

// Load reads and decodes a CacheConfig document from path.
func Load(path string) (*CacheConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultCacheConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
