package transport

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/audiolibrelab/jamengine/internal/tempo"
)

// SnapPolicy selects how a position is moved onto the snap grid.
type SnapPolicy int

const (
	SnapNone SnapPolicy = iota
	SnapNearest
	SnapUp
	SnapDown
)

// SnapKind is the unit of a snap grid.
type SnapKind int

const (
	SnapSeconds SnapKind = iota
	SnapBeats
	SnapBars
	SnapFrames
)

func (k SnapKind) String() string {
	switch k {
	case SnapSeconds:
		return "seconds"
	case SnapBeats:
		return "beats"
	case SnapBars:
		return "bars"
	case SnapFrames:
		return "frames"
	}
	return fmt.Sprintf("SnapKind(%d)", int(k))
}

// SnapType describes a snap grid, e.g. every beat or every 2 frames.
type SnapType struct {
	Kind     SnapKind
	Interval float64
	// FPS is only used for SnapFrames.
	FPS float64
}

// ParseSnapType reads the "kind:interval" form used in configuration files,
// e.g. "beats:1", "bars:2", "seconds:0.5" or "frames:1". A missing interval
// means 1.
func ParseSnapType(s string, fps float64) (SnapType, error) {
	kindStr, intervalStr, hasInterval := strings.Cut(strings.TrimSpace(s), ":")

	st := SnapType{Interval: 1, FPS: fps}
	switch strings.ToLower(kindStr) {
	case "seconds", "second", "s":
		st.Kind = SnapSeconds
	case "beats", "beat":
		st.Kind = SnapBeats
	case "bars", "bar":
		st.Kind = SnapBars
	case "frames", "frame":
		st.Kind = SnapFrames
	default:
		return SnapType{}, fmt.Errorf("unknown snap type %q", s)
	}

	if hasInterval {
		v, err := strconv.ParseFloat(intervalStr, 64)
		if err != nil || v <= 0 {
			return SnapType{}, fmt.Errorf("invalid snap interval %q", intervalStr)
		}
		st.Interval = v
	}
	return st, nil
}

func (s SnapType) String() string {
	return fmt.Sprintf("%s:%g", s.Kind, s.Interval)
}

// IsValid reports whether the grid has a usable step.
func (s SnapType) IsValid() bool {
	if s.Interval <= 0 {
		return false
	}
	return s.Kind != SnapFrames || s.FPS > 0
}

// step returns the grid spacing in seconds at the current tempo.
func (s SnapType) step(seq *tempo.Sequence) float64 {
	switch s.Kind {
	case SnapBeats:
		if seq == nil {
			return 0
		}
		return seq.BeatsToTime(s.Interval)
	case SnapBars:
		if seq == nil {
			return 0
		}
		return seq.BarLength() * s.Interval
	case SnapFrames:
		if s.FPS <= 0 {
			return 0
		}
		return s.Interval / s.FPS
	}
	return s.Interval
}

// snapTolerance keeps positions that are already on the grid from being
// pushed to the next line by rounding noise.
const snapTolerance = 1e-9

// Round moves t onto the grid according to policy.
func (s SnapType) Round(t float64, policy SnapPolicy, seq *tempo.Sequence) float64 {
	step := s.step(seq)
	if policy == SnapNone || step <= 0 {
		return t
	}

	n := t / step
	switch policy {
	case SnapUp:
		n = math.Ceil(n - snapTolerance)
	case SnapDown:
		n = math.Floor(n + snapTolerance)
	default:
		n = math.Round(n)
	}
	return n * step
}

// Next returns the first grid line strictly after t.
func (s SnapType) Next(t float64, seq *tempo.Sequence) float64 {
	step := s.step(seq)
	if step <= 0 {
		return t
	}
	return (math.Floor(t/step+snapTolerance) + 1) * step
}

// Previous returns the last grid line strictly before t.
func (s SnapType) Previous(t float64, seq *tempo.Sequence) float64 {
	step := s.step(seq)
	if step <= 0 {
		return t
	}
	return (math.Ceil(t/step-snapTolerance) - 1) * step
}
