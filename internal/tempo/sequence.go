// Package tempo holds the tempo and time signature used for beat-based
// operations such as snapping, the metronome and Link phase alignment.
package tempo

import (
	"math"
	"sync/atomic"
)

// Sequence is a single-tempo, single-time-signature map. The tempo may be
// changed at any time from a control goroutine and read lock-free from the
// audio thread.
type Sequence struct {
	bpmBits     atomic.Uint64
	numerator   atomic.Int32
	denominator atomic.Int32
}

// NewSequence returns a sequence at bpm in numerator/denominator time.
func NewSequence(bpm float64, numerator, denominator int) *Sequence {
	s := &Sequence{}
	s.SetBPM(bpm)
	s.SetTimeSignature(numerator, denominator)
	return s
}

// BPM returns the current tempo.
func (s *Sequence) BPM() float64 {
	return math.Float64frombits(s.bpmBits.Load())
}

// SetBPM changes the tempo. Non-positive values are ignored.
func (s *Sequence) SetBPM(bpm float64) {
	if bpm <= 0 || math.IsNaN(bpm) || math.IsInf(bpm, 0) {
		return
	}
	s.bpmBits.Store(math.Float64bits(bpm))
}

// SetTimeSignature changes the time signature. Invalid values fall back to 4/4.
func (s *Sequence) SetTimeSignature(numerator, denominator int) {
	if numerator <= 0 {
		numerator = 4
	}
	if denominator <= 0 {
		denominator = 4
	}
	s.numerator.Store(int32(numerator))
	s.denominator.Store(int32(denominator))
}

func (s *Sequence) Numerator() int   { return int(s.numerator.Load()) }
func (s *Sequence) Denominator() int { return int(s.denominator.Load()) }

// BeatsPerSecond returns the current beat rate.
func (s *Sequence) BeatsPerSecond() float64 {
	return s.BPM() / 60.0
}

// TimeToBeats converts seconds into a beat position.
func (s *Sequence) TimeToBeats(seconds float64) float64 {
	return seconds * s.BeatsPerSecond()
}

// BeatsToTime converts a beat position into seconds.
func (s *Sequence) BeatsToTime(beats float64) float64 {
	bps := s.BeatsPerSecond()
	if bps <= 0 {
		return 0
	}
	return beats / bps
}

// BarLength returns the length of one bar in seconds.
func (s *Sequence) BarLength() float64 {
	return s.BeatsToTime(float64(s.Numerator()))
}

// BarsAndBeats splits a time into a zero-based bar index and the beat
// offset within that bar.
func (s *Sequence) BarsAndBeats(seconds float64) (bar int, beat float64) {
	beats := s.TimeToBeats(seconds)
	num := float64(s.Numerator())
	b := math.Floor(beats / num)
	return int(b), beats - b*num
}
