// Package clocksync keeps the transport in step with external clocks:
// MIDI timecode from a synced device and an Ableton Link session.
package clocksync

import (
	"math"
	"sync/atomic"
	"time"
)

// DriftConfig tunes a DriftCorrector. Offsets and thresholds share the
// unit of whatever is being compared: seconds for timecode, beats for Link.
type DriftConfig struct {
	// HardThreshold is the offset above which the local clock jumps.
	HardThreshold float64 `mapstructure:"hard_threshold" yaml:"hard_threshold"`
	// SoftThreshold is the smoothed offset above which a nudge is applied.
	SoftThreshold float64 `mapstructure:"soft_threshold" yaml:"soft_threshold"`
	// Smoothing is the weight of the previous average in the moving average.
	Smoothing float64 `mapstructure:"smoothing" yaml:"smoothing"`
	// MinSamples is the number of offsets averaged before a nudge.
	MinSamples   int     `mapstructure:"min_samples" yaml:"min_samples"`
	NudgePercent float64 `mapstructure:"nudge_percent" yaml:"nudge_percent"`

	// Gain switches to proportional correction: every update sets the
	// speed compensation to offset×Gain, clamped to ±MaxSpeedComp.
	Gain         float64 `mapstructure:"gain" yaml:"gain"`
	MaxSpeedComp float64 `mapstructure:"max_speed_comp" yaml:"max_speed_comp"`
}

// DefaultDriftConfig returns the thresholds used for MIDI timecode.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		HardThreshold: 2.0,
		SoftThreshold: 0.05,
		Smoothing:     0.9,
		MinSamples:    50,
		NudgePercent:  1,
		MaxSpeedComp:  10,
	}
}

func (c DriftConfig) withDefaults() DriftConfig {
	d := DefaultDriftConfig()
	if c.HardThreshold <= 0 {
		c.HardThreshold = d.HardThreshold
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = d.SoftThreshold
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = d.Smoothing
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.NudgePercent <= 0 {
		c.NudgePercent = d.NudgePercent
	}
	if c.MaxSpeedComp <= 0 {
		c.MaxSpeedComp = d.MaxSpeedComp
	}
	return c
}

// Correction is what a DriftCorrector asks of the local clock.
type Correction struct {
	// Jump is set when the local clock should move by Offset at once.
	Jump   bool
	Offset float64
	// SpeedComp is the speed compensation in percent until the next update.
	SpeedComp float64
}

// DriftCorrector decides how to bring a local clock in line with an
// external reference. Large offsets are jumped over; small ones are
// averaged and corrected with a short speed nudge.
//
// Update must not be called concurrently. InhibitJumpsUntil may be called
// from any goroutine.
type DriftCorrector struct {
	cfg DriftConfig

	average float64
	samples int

	inhibitUntil atomic.Int64
	now          func() time.Time
}

func NewDriftCorrector(cfg DriftConfig) *DriftCorrector {
	return &DriftCorrector{cfg: cfg.withDefaults(), now: time.Now}
}

func (d *DriftCorrector) Config() DriftConfig { return d.cfg }

// Reset clears the moving average.
func (d *DriftCorrector) Reset() {
	d.average = 0
	d.samples = 0
}

// Average returns the smoothed offset.
func (d *DriftCorrector) Average() float64 { return d.average }

// InhibitJumpsUntil suppresses jumps until t. Large offsets are treated
// as soft drift in the meantime.
func (d *DriftCorrector) InhibitJumpsUntil(t time.Time) {
	d.inhibitUntil.Store(t.UnixNano())
}

func (d *DriftCorrector) jumpsInhibited() bool {
	return d.now().UnixNano() < d.inhibitUntil.Load()
}

// Update compares an external reading against the local clock.
func (d *DriftCorrector) Update(external, local float64) Correction {
	return d.Correct(external - local)
}

// Correct evaluates an offset of external minus local.
func (d *DriftCorrector) Correct(offset float64) Correction {
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return Correction{}
	}

	if math.Abs(offset) > d.cfg.HardThreshold && !d.jumpsInhibited() {
		d.Reset()
		return Correction{Jump: true, Offset: offset}
	}

	if d.cfg.Gain > 0 {
		sc := min(max(offset*d.cfg.Gain, -d.cfg.MaxSpeedComp), d.cfg.MaxSpeedComp)
		return Correction{Offset: offset, SpeedComp: sc}
	}

	d.average = d.average*d.cfg.Smoothing + offset*(1-d.cfg.Smoothing)
	d.samples++

	var sc float64
	if d.samples >= d.cfg.MinSamples && math.Abs(d.average) > d.cfg.SoftThreshold {
		sc = d.cfg.NudgePercent
		if d.average < 0 {
			sc = -sc
		}
		d.Reset()
	}
	return Correction{Offset: offset, SpeedComp: sc}
}
