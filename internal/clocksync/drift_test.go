package clocksync

import (
	"math"
	"testing"
	"time"
)

func TestDriftCorrector_MatchesJumpWithinOneBlock(t *testing.T) {
	d := NewDriftCorrector(DefaultDriftConfig())
	const block = 0.01

	local, external := 0.0, 0.0
	jumps := 0
	for i := 0; i < 200; i++ {
		if i == 100 {
			external += 3
		}
		c := d.Update(external, local)
		if c.Jump {
			local += c.Offset
			jumps++
		}
		if i >= 100 && math.Abs(external-local) > block {
			t.Fatalf("Expected the jump to be matched at block %d, offset %f", i, external-local)
		}
		local += block * (1 + c.SpeedComp/100)
		external += block
	}

	if jumps != 1 {
		t.Errorf("Expected exactly 1 jump, got %d", jumps)
	}
}

func TestDriftCorrector_ConvergesThroughJitterWithoutJumps(t *testing.T) {
	d := NewDriftCorrector(DriftConfig{
		SoftThreshold: 0.0003,
		Smoothing:     0.99,
		MinSamples:    50,
		NudgePercent:  0.5,
	})
	// One evaluation per complete frame pair at 25fps.
	const period = 0.08

	local, external := 0.0, 0.015
	jumps, nudges := 0, 0
	for i := 0; i < 20000; i++ {
		jitter := 0.02
		if i%2 == 1 {
			jitter = -0.02
		}
		c := d.Update(external+jitter, local)
		if c.Jump {
			jumps++
			local += c.Offset
		}
		if c.SpeedComp != 0 {
			nudges++
		}
		local += period * (1 + c.SpeedComp/100)
		external += period
	}

	if jumps != 0 {
		t.Errorf("Expected no jumps, got %d", jumps)
	}
	if nudges == 0 {
		t.Error("Expected the drift to be nudged")
	}
	if off := math.Abs(external - local); off > 0.001 {
		t.Errorf("Expected convergence within 1ms, got %fms", off*1000)
	}
}

func TestDriftCorrector_NudgesAfterMinSamples(t *testing.T) {
	d := NewDriftCorrector(DefaultDriftConfig())

	for i := 0; i < 49; i++ {
		if c := d.Correct(-0.5); c.SpeedComp != 0 || c.Jump {
			t.Fatalf("Expected no correction before 50 samples, got %+v at %d", c, i)
		}
	}
	c := d.Correct(-0.5)
	if c.SpeedComp != -1 {
		t.Errorf("Expected a -1%% nudge, got %f", c.SpeedComp)
	}
	if d.Average() != 0 {
		t.Errorf("Expected the average to be reset after a nudge, got %f", d.Average())
	}
	if c := d.Correct(-0.5); c.SpeedComp != 0 {
		t.Errorf("Expected the nudge to last one evaluation, got %f", c.SpeedComp)
	}
}

func TestDriftCorrector_Proportional(t *testing.T) {
	d := NewDriftCorrector(DriftConfig{HardThreshold: 1, Gain: 250, MaxSpeedComp: 10})

	tests := []struct {
		offset float64
		want   float64
	}{
		{0, 0},
		{0.01, 2.5},
		{-0.02, -5},
		{0.5, 10},
		{-0.9, -10},
	}
	for _, tt := range tests {
		c := d.Correct(tt.offset)
		if c.Jump {
			t.Errorf("offset %v: unexpected jump", tt.offset)
		}
		if math.Abs(c.SpeedComp-tt.want) > 1e-9 {
			t.Errorf("offset %v: expected speed comp %v, got %v", tt.offset, tt.want, c.SpeedComp)
		}
	}
}

func TestDriftCorrector_InhibitsJumps(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDriftCorrector(DriftConfig{HardThreshold: 1, Gain: 10, MaxSpeedComp: 10})
	d.now = func() time.Time { return now }

	d.InhibitJumpsUntil(now.Add(250 * time.Millisecond))
	if c := d.Correct(1.5); c.Jump || c.SpeedComp != 10 {
		t.Errorf("Expected a clamped nudge while inhibited, got %+v", c)
	}

	now = now.Add(300 * time.Millisecond)
	if c := d.Correct(1.5); !c.Jump || c.Offset != 1.5 {
		t.Errorf("Expected a jump once the inhibit expired, got %+v", c)
	}
}

func TestDriftCorrector_IgnoresInvalidOffsets(t *testing.T) {
	d := NewDriftCorrector(DefaultDriftConfig())
	if c := d.Correct(math.NaN()); c != (Correction{}) {
		t.Errorf("Expected no correction for NaN, got %+v", c)
	}
	if c := d.Correct(math.Inf(1)); c != (Correction{}) {
		t.Errorf("Expected no correction for Inf, got %+v", c)
	}
}
