package graph

import (
	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// Continuity describes how a block relates to the one rendered before it.
type Continuity uint8

const (
	// Contiguous is set when the block directly follows the previous one.
	Contiguous Continuity = 1 << iota
	// PlayheadJumped is set when the position was moved since the last block.
	PlayheadJumped
	// LastBlockBeforeLoop marks the part of a block that ends at the loop end.
	LastBlockBeforeLoop
	// FirstBlockOfLoop marks the part of a block that starts at the loop start.
	FirstBlockOfLoop
)

// TimeRange is a half-open range in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

func (r TimeRange) Length() float64 { return r.End - r.Start }

// RenderContext describes one render call. It is a value owned by the
// caller for the duration of the call only and is never retained by nodes.
type RenderContext struct {
	// PlayHead maps ReferenceRange onto the timeline. It is nil for
	// free-running renders, in which case the reference range is used as
	// the timeline range directly.
	PlayHead *playhead.PlayHead

	// ReferenceRange is the device-clock sample range being rendered.
	ReferenceRange playhead.SampleRange
	// StreamTime is ReferenceRange in seconds.
	StreamTime TimeRange
	SampleRate float64

	// Dest is the destination audio buffer. It may be nil, in which case
	// only MIDI is rendered.
	Dest *AudioBuffer
	// DestChannels selects which channels of Dest to write. Nil means all.
	DestChannels []int
	// BufferStart and BufferNumSamples select the region of Dest to fill.
	BufferStart      int
	BufferNumSamples int

	// Midi receives MIDI output. It may be nil.
	Midi *MidiBuffer
	// MidiOffset is added to the time of every event written to Midi.
	MidiOffset float64

	Continuity  Continuity
	IsRendering bool
}

// NumChannels returns the number of destination channels that will be written.
func (rc *RenderContext) NumChannels() int {
	if rc.Dest == nil {
		return 0
	}
	if rc.DestChannels != nil {
		return len(rc.DestChannels)
	}
	return rc.Dest.NumChannels()
}

// Channel returns the destination region for the i-th active channel.
func (rc *RenderContext) Channel(i int) []float32 {
	ch := i
	if rc.DestChannels != nil {
		ch = rc.DestChannels[i]
	}
	return rc.Dest.Channels[ch][rc.BufferStart : rc.BufferStart+rc.BufferNumSamples]
}

// HasAudio reports whether there is audio work to do.
func (rc *RenderContext) HasAudio() bool {
	return rc.Dest != nil && rc.BufferNumSamples > 0
}

// ClearAudio zeroes the destination region.
func (rc *RenderContext) ClearAudio() {
	if !rc.HasAudio() {
		return
	}
	for i := 0; i < rc.NumChannels(); i++ {
		clear(rc.Channel(i))
	}
}

// ClearMidi removes every event from the destination MIDI buffer.
func (rc *RenderContext) ClearMidi() {
	rc.Midi.Clear()
}

// ClearAll clears both audio and MIDI destinations.
func (rc *RenderContext) ClearAll() {
	rc.ClearAudio()
	rc.ClearMidi()
}

// AddMidi writes msg at time seconds into the block, applying MidiOffset.
func (rc *RenderContext) AddMidi(e MidiEvent) {
	if rc.Midi == nil {
		return
	}
	rc.Midi.Add(e.Msg, e.Time+rc.MidiOffset)
}

func (rc *RenderContext) IsContiguousWithPreviousBlock() bool {
	return rc.Continuity&Contiguous != 0
}

func (rc *RenderContext) IsFirstBlockOfLoop() bool {
	return rc.Continuity&FirstBlockOfLoop != 0
}

func (rc *RenderContext) IsLastBlockBeforeLoop() bool {
	return rc.Continuity&LastBlockBeforeLoop != 0
}

// BlockDuration returns the length of the block in seconds.
func (rc *RenderContext) BlockDuration() float64 {
	if rc.SampleRate <= 0 {
		return 0
	}
	return float64(rc.BufferNumSamples) / rc.SampleRate
}

// TimelineRange returns the timeline range covered by the block, ignoring
// loop wrapping. Free-running renders use the reference range.
func (rc *RenderContext) TimelineRange() playhead.SampleRange {
	if rc.PlayHead == nil {
		return rc.ReferenceRange
	}
	return rc.PlayHead.ReferenceRangeToSourceRangeUnlooped(rc.ReferenceRange)
}

// SubContext returns a copy of rc covering numSamples samples starting
// offset samples into the current region. The reference range, stream time
// and MIDI offset are moved along with the buffer region.
func (rc *RenderContext) SubContext(offset, numSamples int) RenderContext {
	sub := *rc
	sub.BufferStart = rc.BufferStart + offset
	sub.BufferNumSamples = numSamples
	sub.ReferenceRange = playhead.RangeWithLength(rc.ReferenceRange.Start+int64(offset), int64(numSamples))
	if rc.SampleRate > 0 {
		off := float64(offset) / rc.SampleRate
		sub.MidiOffset = rc.MidiOffset + off
		sub.StreamTime = TimeRange{Start: rc.StreamTime.Start + off, End: rc.StreamTime.Start + off + float64(numSamples)/rc.SampleRate}
	}
	return sub
}
