package resize

import "testing"

func baseConfig() Config {
	return Config{
		LowerHRThreshold: 0.9,
		UpperHRThreshold: 0.999,
		IncreaseMode:     IncreaseThreshold,
		IncrementFactor:  2.0,
		DecreaseMode:     DecreaseThreshold,
		DecrementFactor:  0.5,
		MinSize:          1024,
		MaxSize:          1 << 20,
		MinCleanFrac:     0.25,
	}
}

func TestInSpecLeavesBoundsUnchanged(t *testing.T) {
	c := New(baseConfig(), 4096, 1024)
	r := c.Sample(1000, 950) // hit rate 0.95, between thresholds
	if r.Status != StatusInSpec {
		t.Fatalf("Status = %v, want in_spec", r.Status)
	}
	if r.NewMax != r.OldMax || r.NewMax != 4096 {
		t.Fatalf("bounds changed on an in-spec sample: %+v", r)
	}
}

func TestLowHitRateIncreases(t *testing.T) {
	c := New(baseConfig(), 4096, 1024)
	r := c.Sample(1000, 800) // hit rate 0.8 < 0.9
	if r.Status != StatusIncrease {
		t.Fatalf("Status = %v, want increase", r.Status)
	}
	if r.NewMax <= r.OldMax {
		t.Fatalf("NewMax = %d, want > OldMax = %d", r.NewMax, r.OldMax)
	}
	if r.NewMinClean != uint64(float64(r.NewMax)*0.25) {
		t.Fatalf("NewMinClean = %d, want 25%% of NewMax = %d", r.NewMinClean, r.NewMax)
	}
}

func TestHighHitRateDecreases(t *testing.T) {
	c := New(baseConfig(), 4096, 1024)
	r := c.Sample(1000, 1000) // hit rate 1.0 > 0.999
	if r.Status != StatusDecrease {
		t.Fatalf("Status = %v, want decrease", r.Status)
	}
	if r.NewMax >= r.OldMax {
		t.Fatalf("NewMax = %d, want < OldMax = %d", r.NewMax, r.OldMax)
	}
}

func TestIncreaseStopsAtMax(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSize = 8192
	c := New(cfg, 8192, 2048)
	r := c.Sample(1000, 100)
	if r.Status != StatusAtMax {
		t.Fatalf("Status = %v, want at_max", r.Status)
	}
	if r.NewMax != 8192 {
		t.Fatalf("NewMax = %d, want unchanged at MaxSize", r.NewMax)
	}
}

func TestDecreaseStopsAtMin(t *testing.T) {
	cfg := baseConfig()
	cfg.MinSize = 2048
	c := New(cfg, 2048, 512)
	r := c.Sample(1000, 1000)
	if r.Status != StatusAtMin {
		t.Fatalf("Status = %v, want at_min", r.Status)
	}
	if r.NewMax != 2048 {
		t.Fatalf("NewMax = %d, want unchanged at MinSize", r.NewMax)
	}
}

func TestIncreaseDisabledReportsStatus(t *testing.T) {
	cfg := baseConfig()
	cfg.IncreaseMode = IncreaseOff
	c := New(cfg, 4096, 1024)
	r := c.Sample(1000, 100)
	if r.Status != StatusIncreaseDisabled {
		t.Fatalf("Status = %v, want increase_disabled", r.Status)
	}
	if r.NewMax != r.OldMax {
		t.Fatalf("bounds changed despite increase being disabled: %+v", r)
	}
}

func TestDecreaseDisabledReportsStatus(t *testing.T) {
	cfg := baseConfig()
	cfg.DecreaseMode = DecreaseOff
	c := New(cfg, 4096, 1024)
	r := c.Sample(1000, 1000)
	if r.Status != StatusDecreaseDisabled {
		t.Fatalf("Status = %v, want decrease_disabled", r.Status)
	}
}

func TestAgeOutDecreaseWaitsForConsecutiveEpochs(t *testing.T) {
	cfg := baseConfig()
	cfg.DecreaseMode = DecreaseAgeOut
	cfg.AgeOutEpochs = 3
	c := New(cfg, 4096, 1024)
	for i := 0; i < 2; i++ {
		r := c.Sample(1000, 1000)
		if r.Status != StatusInSpec {
			t.Fatalf("epoch %d: Status = %v, want in_spec while aging out", i, r.Status)
		}
	}
	r := c.Sample(1000, 1000)
	if r.Status != StatusDecrease {
		t.Fatalf("epoch 3: Status = %v, want decrease once AgeOutEpochs reached", r.Status)
	}
}

func TestNotFullOnZeroAccesses(t *testing.T) {
	c := New(baseConfig(), 4096, 1024)
	r := c.Sample(0, 0)
	if r.Status != StatusNotFull {
		t.Fatalf("Status = %v, want not_full", r.Status)
	}
}
