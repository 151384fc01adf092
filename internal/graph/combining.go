package graph

import (
	"math"

	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// combiningBucketSeconds is the length of the time buckets inputs are
// sorted into.
const combiningBucketSeconds = 8.0

type timedInput struct {
	// start and end are the timeline span in seconds.
	start, end float64
	node       Node

	samples playhead.SampleRange
}

// CombiningNode plays a set of inputs that each occupy a span of the
// timeline, such as the clips of a track. For each block only the inputs
// overlapping it are rendered, and each one only over the samples it
// overlaps.
type CombiningNode struct {
	inputs  []*timedInput
	buckets [][]*timedInput

	bucketLen int64
	sub       RenderContext
}

func NewCombiningNode() *CombiningNode {
	return &CombiningNode{}
}

// AddInput adds node playing between start and end seconds on the
// timeline. It must not be called while rendering.
func (c *CombiningNode) AddInput(start, end float64, node Node) {
	if end <= start || node == nil {
		return
	}
	c.inputs = append(c.inputs, &timedInput{start: start, end: end, node: node})
}

func (c *CombiningNode) NumInputs() int { return len(c.inputs) }

func (c *CombiningNode) Properties() Properties {
	var p Properties
	for _, in := range c.inputs {
		p = p.Merge(in.node.Properties())
	}
	return p
}

func (c *CombiningNode) Visit(fn func(Node)) {
	for _, in := range c.inputs {
		fn(in.node)
	}
}

func (c *CombiningNode) Purge(keepAudio, keepMidi bool) bool {
	kept := c.inputs[:0]
	for _, in := range c.inputs {
		if !in.node.Purge(keepAudio, keepMidi) {
			continue
		}
		p := in.node.Properties()
		if (keepAudio && p.HasAudio) || (keepMidi && p.HasMidi) {
			kept = append(kept, in)
		}
	}
	clear(c.inputs[len(kept):])
	c.inputs = kept
	return len(c.inputs) > 0
}

func (c *CombiningNode) Prepare(info PlayInfo) {
	for _, in := range c.inputs {
		in.node.Prepare(info)
	}

	rate := info.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	c.bucketLen = int64(combiningBucketSeconds * rate)

	var numBuckets int
	for _, in := range c.inputs {
		in.samples = playhead.TimeRangeToSamples(in.start, in.end, rate)
		numBuckets = max(numBuckets, c.bucketIndex(in.samples.End-1)+1)
	}

	c.buckets = make([][]*timedInput, numBuckets)
	for _, in := range c.inputs {
		first := c.bucketIndex(in.samples.Start)
		last := c.bucketIndex(in.samples.End - 1)
		for b := first; b <= last; b++ {
			c.buckets[b] = append(c.buckets[b], in)
		}
	}
}

func (c *CombiningNode) bucketIndex(pos int64) int {
	if pos <= 0 || c.bucketLen <= 0 {
		return 0
	}
	return int(pos / c.bucketLen)
}

func (c *CombiningNode) Release() {
	for _, in := range c.inputs {
		in.node.Release()
	}
	c.buckets = nil
}

func (c *CombiningNode) PrepareForNextBlock(r playhead.SampleRange) {
	for _, in := range c.inputs {
		in.node.PrepareForNextBlock(r)
	}
}

func (c *CombiningNode) IsReady() bool {
	for _, in := range c.inputs {
		if !in.node.IsReady() {
			return false
		}
	}
	return true
}

func (c *CombiningNode) RenderOver(rc *RenderContext) {
	if rc.BufferNumSamples <= 0 {
		return
	}
	rc.ClearAudio()
	c.RenderAdding(rc)
}

func (c *CombiningNode) RenderAdding(rc *RenderContext) {
	if rc.BufferNumSamples <= 0 || len(c.buckets) == 0 {
		return
	}
	InvokeSplitRender(rc, c)
}

// RenderSection renders every input overlapping section, each into the
// part of the block it covers.
func (c *CombiningNode) RenderSection(rc *RenderContext, section playhead.SampleRange) {
	n := rc.BufferNumSamples
	if n <= 0 || section.IsEmpty() {
		return
	}

	first := c.bucketIndex(section.Start)
	last := min(c.bucketIndex(section.End-1), len(c.buckets)-1)

	for b := first; b <= last; b++ {
		for _, in := range c.buckets[b] {
			// Inputs spanning several buckets are rendered from the first
			// one the section touches.
			if max(first, c.bucketIndex(in.samples.Start)) != b {
				continue
			}

			overlap := section.Intersection(in.samples)
			if overlap.IsEmpty() {
				continue
			}

			start := max(TimelineToSectionSample(section, overlap.Start, n), 0)
			end := min(TimelineToSectionSample(section, overlap.End, n), n)
			if end <= start {
				continue
			}

			c.sub = rc.SubContext(start, end-start)
			in.node.RenderAdding(&c.sub)
		}
	}
}

// Length returns the end of the last input in seconds.
func (c *CombiningNode) Length() float64 {
	var end float64
	for _, in := range c.inputs {
		end = math.Max(end, in.end)
	}
	return end
}
