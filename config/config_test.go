package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hdf5go/mdcache/resize"
)

func TestLoadDecodesYAMLDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdcache.yaml")
	doc := `
max_size: 8192
min_clean_size: 2048
ring_count: 4
earray:
  element_size: 8
  idx_blk_elmts: 4
  data_blk_min_elmts: 4
  sup_blk_min_data_ptrs: 4
auto_resize:
  schedule: "@every 10s"
  lower_hr_threshold: 0.8
  upper_hr_threshold: 0.99
  increase_mode: threshold
  increment_factor: 2.0
  decrease_mode: age_out
  decrement_factor: 0.8
  age_out_epochs: 2
  min_size: 1024
  max_size: 65536
  min_clean_frac: 0.25
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSize != 8192 || cfg.MinCleanSize != 2048 {
		t.Fatalf("cfg bounds = %+v", cfg)
	}
	if cfg.EArray == nil || cfg.EArray.ElementSize != 8 {
		t.Fatalf("cfg.EArray = %+v", cfg.EArray)
	}
	if cfg.AutoResize == nil || cfg.AutoResize.Schedule != "@every 10s" {
		t.Fatalf("cfg.AutoResize = %+v", cfg.AutoResize)
	}
}

func TestToResizeConfigTranslatesModes(t *testing.T) {
	a := DefaultAutoResizeConfig()
	rc, err := a.ToResizeConfig()
	if err != nil {
		t.Fatalf("ToResizeConfig: %v", err)
	}
	if rc.IncreaseMode != resize.IncreaseThreshold {
		t.Fatalf("IncreaseMode = %v, want IncreaseThreshold", rc.IncreaseMode)
	}
	if rc.DecreaseMode != resize.DecreaseAgeOut {
		t.Fatalf("DecreaseMode = %v, want DecreaseAgeOut", rc.DecreaseMode)
	}
}

func TestToResizeConfigRejectsUnknownMode(t *testing.T) {
	a := DefaultAutoResizeConfig()
	a.DecreaseMode = "bogus"
	if _, err := a.ToResizeConfig(); err == nil {
		t.Fatalf("expected an error for an unknown decrease_mode")
	}
}

func TestEACreateParamsConvertsToEarrayParams(t *testing.T) {
	p := DefaultEACreateParams()
	ep := p.ToEarrayParams()
	if ep.ElementSize != p.ElementSize || ep.IdxBlkElmts != p.IdxBlkElmts {
		t.Fatalf("ToEarrayParams did not preserve fields: %+v vs %+v", ep, p)
	}
}

func TestFACreateParamsConvertsToFarrayParams(t *testing.T) {
	p := DefaultFACreateParams()
	fp := p.ToFarrayParams()
	if fp.ElementSize != p.ElementSize || fp.Nelmts != p.Nelmts {
		t.Fatalf("ToFarrayParams did not preserve fields: %+v vs %+v", fp, p)
	}
}
