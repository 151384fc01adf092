package graph

import (
	"math"
	"slices"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// AudioBuffer is a block of non-interleaved float32 channels.
type AudioBuffer struct {
	Channels [][]float32
}

// NewAudioBuffer allocates a zeroed buffer.
func NewAudioBuffer(numChannels, numSamples int) *AudioBuffer {
	b := &AudioBuffer{}
	b.SetSize(numChannels, numSamples)
	return b
}

// WrapChannels returns a buffer that shares the given channel slices.
func WrapChannels(channels [][]float32) *AudioBuffer {
	return &AudioBuffer{Channels: channels}
}

func (b *AudioBuffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

func (b *AudioBuffer) NumSamples() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// SetSize resizes the buffer, reusing existing storage where possible. It
// only allocates when growing beyond the previous capacity.
func (b *AudioBuffer) SetSize(numChannels, numSamples int) {
	if cap(b.Channels) < numChannels {
		chans := make([][]float32, numChannels)
		copy(chans, b.Channels)
		b.Channels = chans
	}
	b.Channels = b.Channels[:numChannels]

	for i := range b.Channels {
		if cap(b.Channels[i]) < numSamples {
			b.Channels[i] = make([]float32, numSamples)
		}
		b.Channels[i] = b.Channels[i][:numSamples]
	}
}

// Clear zeroes n samples of every channel starting at start.
func (b *AudioBuffer) Clear(start, n int) {
	if b == nil || n <= 0 {
		return
	}
	for _, ch := range b.Channels {
		clear(ch[start : start+n])
	}
}

// ClearAll zeroes the whole buffer.
func (b *AudioBuffer) ClearAll() {
	if b == nil {
		return
	}
	for _, ch := range b.Channels {
		clear(ch)
	}
}

// AddFrom adds n samples of src, starting at srcStart, into b at destStart.
// Source channels are reused cyclically when src has fewer channels than b.
func (b *AudioBuffer) AddFrom(destStart int, src *AudioBuffer, srcStart, n int) {
	if b == nil || src == nil || n <= 0 || src.NumChannels() == 0 {
		return
	}
	for i, d := range b.Channels {
		s := src.Channels[i%len(src.Channels)]
		addInto(d[destStart:destStart+n], s[srcStart:srcStart+n])
	}
}

// CopyFrom overwrites n samples of b at destStart with src from srcStart.
func (b *AudioBuffer) CopyFrom(destStart int, src *AudioBuffer, srcStart, n int) {
	if b == nil || src == nil || n <= 0 || src.NumChannels() == 0 {
		return
	}
	for i, d := range b.Channels {
		s := src.Channels[i%len(src.Channels)]
		copy(d[destStart:destStart+n], s[srcStart:srcStart+n])
	}
}

// ApplyGain multiplies n samples of every channel by gain.
func (b *AudioBuffer) ApplyGain(start, n int, gain float32) {
	if b == nil || n <= 0 || gain == 1 {
		return
	}
	for _, ch := range b.Channels {
		for i := start; i < start+n; i++ {
			ch[i] *= gain
		}
	}
}

// SanitizeNonNormals replaces NaN, infinite and denormal values with zero.
func (b *AudioBuffer) SanitizeNonNormals(start, n int) {
	if b == nil {
		return
	}
	for _, ch := range b.Channels {
		SanitizeNonNormals(ch[start : start+n])
	}
}

// SanitizeNonNormals replaces every value that is not a normal float
// (zero, subnormal, NaN or infinite) with zero.
func SanitizeNonNormals(samples []float32) {
	for i, v := range samples {
		if !isNormal(v) {
			samples[i] = 0
		}
	}
}

func isNormal(v float32) bool {
	bits := math.Float32bits(v)
	exp := (bits >> 23) & 0xff
	return exp != 0 && exp != 0xff
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// MidiEvent is a MIDI message stamped with a time in seconds relative to
// the start of the block it belongs to.
type MidiEvent struct {
	Time float64
	Msg  gomidi.Message
}

// MidiBuffer is an ordered collection of MidiEvents for one block.
type MidiBuffer struct {
	Events []MidiEvent
}

// NewMidiBuffer returns an empty buffer with room for capacity events.
func NewMidiBuffer(capacity int) *MidiBuffer {
	return &MidiBuffer{Events: make([]MidiEvent, 0, capacity)}
}

func (m *MidiBuffer) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Events)
}

// Clear removes all events, keeping the allocated capacity.
func (m *MidiBuffer) Clear() {
	if m == nil {
		return
	}
	m.Events = m.Events[:0]
}

// Add appends an event.
func (m *MidiBuffer) Add(msg gomidi.Message, time float64) {
	if m == nil {
		return
	}
	m.Events = append(m.Events, MidiEvent{Time: time, Msg: msg})
}

// MergeFrom appends every event of src shifted by offset seconds.
func (m *MidiBuffer) MergeFrom(src *MidiBuffer, offset float64) {
	if m == nil || src == nil {
		return
	}
	for _, e := range src.Events {
		m.Events = append(m.Events, MidiEvent{Time: e.Time + offset, Msg: e.Msg})
	}
}

// Sort orders the events by time, keeping the insertion order of events
// with equal times.
func (m *MidiBuffer) Sort() {
	if m == nil {
		return
	}
	slices.SortStableFunc(m.Events, func(a, b MidiEvent) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
}
