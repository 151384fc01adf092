// Package graphtest provides simple nodes for exercising graphs in tests.
package graphtest

import (
	"sync/atomic"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// Leaf implements the lifecycle methods shared by the nodes in this
// package.
type Leaf struct {
	Channels int
	Audio    bool
	Midi     bool
	Prepared PlayInfoRecord
}

// PlayInfoRecord keeps the last PlayInfo a node was prepared with.
type PlayInfoRecord struct {
	Info  graph.PlayInfo
	Count int
}

func (l *Leaf) Properties() graph.Properties {
	return graph.Properties{HasAudio: l.Audio, HasMidi: l.Midi, NumChannels: l.Channels}
}

func (l *Leaf) Visit(func(graph.Node)) {}

func (l *Leaf) Purge(keepAudio, keepMidi bool) bool {
	return (keepAudio && l.Audio) || (keepMidi && l.Midi)
}

func (l *Leaf) Prepare(info graph.PlayInfo) {
	l.Prepared.Info = info
	l.Prepared.Count++
}

func (l *Leaf) Release()                                 {}
func (l *Leaf) PrepareForNextBlock(playhead.SampleRange) {}
func (l *Leaf) IsReady() bool                            { return true }

// Constant writes the same value to every sample.
type Constant struct {
	Leaf
	Value float32
}

func NewConstant(channels int, value float32) *Constant {
	return &Constant{Leaf: Leaf{Channels: channels, Audio: true}, Value: value}
}

func (c *Constant) RenderOver(rc *graph.RenderContext) {
	if !rc.HasAudio() {
		return
	}
	for ch := 0; ch < rc.NumChannels(); ch++ {
		dst := rc.Channel(ch)
		for i := range dst {
			dst[i] = c.Value
		}
	}
}

func (c *Constant) RenderAdding(rc *graph.RenderContext) {
	if !rc.HasAudio() {
		return
	}
	for ch := 0; ch < rc.NumChannels(); ch++ {
		dst := rc.Channel(ch)
		for i := range dst {
			dst[i] += c.Value
		}
	}
}

// Ramp writes the timeline position of each sample scaled by Scale, plus
// the channel index times ChannelStep, so every sample of a render is
// distinct and depends only on where it falls on the timeline.
type Ramp struct {
	Leaf
	Scale       float32
	ChannelStep float32
	adding      bool
}

func NewRamp(channels int) *Ramp {
	return &Ramp{Leaf: Leaf{Channels: channels, Audio: true}, Scale: 1.0 / 65536, ChannelStep: 0.5}
}

func (r *Ramp) RenderOver(rc *graph.RenderContext) {
	r.adding = false
	graph.InvokeSplitRender(rc, r)
}

func (r *Ramp) RenderAdding(rc *graph.RenderContext) {
	r.adding = true
	graph.InvokeSplitRender(rc, r)
}

func (r *Ramp) RenderSection(rc *graph.RenderContext, section playhead.SampleRange) {
	if !rc.HasAudio() {
		return
	}
	n := rc.BufferNumSamples
	for ch := 0; ch < rc.NumChannels(); ch++ {
		dst := rc.Channel(ch)
		for i := 0; i < n; i++ {
			v := float32(graph.SectionSampleToTimeline(section, i, n))*r.Scale + float32(ch)*r.ChannelStep
			if r.adding {
				dst[i] += v
			} else {
				dst[i] = v
			}
		}
	}
}

// Counting renders silence and records how it was called.
type Counting struct {
	Leaf
	Renders atomic.Int64
	Samples atomic.Int64
	Ranges  []playhead.SampleRange
}

func NewCounting(channels int) *Counting {
	return &Counting{Leaf: Leaf{Channels: channels, Audio: true}}
}

func (c *Counting) RenderOver(rc *graph.RenderContext) {
	c.record(rc)
	rc.ClearAudio()
}

func (c *Counting) RenderAdding(rc *graph.RenderContext) {
	c.record(rc)
}

func (c *Counting) record(rc *graph.RenderContext) {
	c.Renders.Add(1)
	c.Samples.Add(int64(rc.BufferNumSamples))
	c.Ranges = append(c.Ranges, rc.ReferenceRange)
}

// Panicking panics on every render.
type Panicking struct {
	Leaf
}

func NewPanicking(channels int) *Panicking {
	return &Panicking{Leaf: Leaf{Channels: channels, Audio: true}}
}

func (p *Panicking) RenderOver(*graph.RenderContext)   { panic("graphtest: render failed") }
func (p *Panicking) RenderAdding(*graph.RenderContext) { panic("graphtest: render failed") }

// NoteTicker emits a note-on every Interval timeline samples.
type NoteTicker struct {
	Leaf
	Interval   int64
	Key        uint8
	sampleRate float64
}

func NewNoteTicker(interval int64, key uint8) *NoteTicker {
	return &NoteTicker{Leaf: Leaf{Midi: true}, Interval: interval, Key: key}
}

func (n *NoteTicker) Prepare(info graph.PlayInfo) {
	n.Leaf.Prepare(info)
	n.sampleRate = info.SampleRate
}

func (n *NoteTicker) RenderOver(rc *graph.RenderContext)   { graph.InvokeSplitRender(rc, n) }
func (n *NoteTicker) RenderAdding(rc *graph.RenderContext) { graph.InvokeSplitRender(rc, n) }

func (n *NoteTicker) RenderSection(rc *graph.RenderContext, section playhead.SampleRange) {
	if n.Interval <= 0 || n.sampleRate <= 0 {
		return
	}
	first := (section.Start + n.Interval - 1) / n.Interval * n.Interval
	for pos := first; pos < section.End; pos += n.Interval {
		t := float64(graph.TimelineToSectionSample(section, pos, rc.BufferNumSamples)) / n.sampleRate
		rc.AddMidi(graph.MidiEvent{Time: t, Msg: gomidi.NoteOn(0, n.Key, 100)})
	}
}
