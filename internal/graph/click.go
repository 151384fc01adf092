package graph

import (
	"math"

	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

const (
	clickLength     = 0.02
	clickFreq       = 880.0
	clickAccentFreq = 1760.0
)

// ClickNode renders a metronome click on every beat of a tempo sequence,
// accenting the first beat of each bar.
type ClickNode struct {
	seq        *tempo.Sequence
	gain       float32
	sampleRate float64
	adding     bool
}

func NewClickNode(seq *tempo.Sequence, gain float32) *ClickNode {
	return &ClickNode{seq: seq, gain: gain}
}

func (c *ClickNode) Properties() Properties {
	return Properties{HasAudio: true, NumChannels: 1}
}

func (c *ClickNode) Visit(func(Node)) {}

func (c *ClickNode) Purge(keepAudio, _ bool) bool { return keepAudio }

func (c *ClickNode) Prepare(info PlayInfo) { c.sampleRate = info.SampleRate }

func (c *ClickNode) Release() {}

func (c *ClickNode) PrepareForNextBlock(playhead.SampleRange) {}

func (c *ClickNode) IsReady() bool { return true }

func (c *ClickNode) RenderOver(rc *RenderContext) {
	c.adding = false
	InvokeSplitRender(rc, c)
}

func (c *ClickNode) RenderAdding(rc *RenderContext) {
	c.adding = true
	InvokeSplitRender(rc, c)
}

func (c *ClickNode) RenderSection(rc *RenderContext, section playhead.SampleRange) {
	if !rc.HasAudio() {
		return
	}
	if !c.adding {
		rc.ClearAudio()
	}
	if c.sampleRate <= 0 {
		return
	}

	bps := c.seq.BeatsPerSecond()
	numerator := c.seq.Numerator()
	n := rc.BufferNumSamples

	for i := 0; i < n; i++ {
		t := float64(SectionSampleToTimeline(section, i, n)) / c.sampleRate
		beats := c.seq.TimeToBeats(t)
		beat := math.Floor(beats)
		since := (beats - beat) / bps
		if since >= clickLength {
			continue
		}

		freq := clickFreq
		if numerator > 0 && int(beat)%numerator == 0 {
			freq = clickAccentFreq
		}
		env := 1 - since/clickLength
		v := float32(math.Sin(2*math.Pi*freq*since)*env*env) * c.gain

		for ch := 0; ch < rc.NumChannels(); ch++ {
			rc.Channel(ch)[i] += v
		}
	}
}
