package graph

import (
	"math"

	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// SectionRenderer is implemented by nodes that render according to the
// timeline position rather than the raw device clock.
type SectionRenderer interface {
	// RenderSection renders the block in rc, which covers the contiguous
	// timeline range section.
	RenderSection(rc *RenderContext, section playhead.SampleRange)
}

// InvokeSplitRender maps the block in rc onto the timeline and calls
// RenderSection once for each contiguous part. When a block wraps around
// the loop end, the first call covers the samples up to the loop end and
// the second covers the rest, starting from the loop start, with the buffer
// offset, reference range and MIDI offset moved accordingly. The sample
// counts of the two calls always add up to rc.BufferNumSamples.
func InvokeSplitRender(rc *RenderContext, r SectionRenderer) {
	if rc.BufferNumSamples <= 0 {
		return
	}

	if rc.PlayHead == nil {
		r.RenderSection(rc, rc.ReferenceRange)
		return
	}

	split := rc.PlayHead.SplitTimelineRange(rc.ReferenceRange)
	if !split.IsSplit {
		r.RenderSection(rc, split.First)
		return
	}

	total := rc.BufferNumSamples
	firstLen := split.First.Length()
	totalLen := split.Length()

	first := total
	if totalLen > 0 {
		first = int(math.Round(float64(firstLen) * float64(total) / float64(totalLen)))
	}
	first = min(max(first, 0), total)

	if first > 0 {
		part := rc.SubContext(0, first)
		part.Continuity = rc.Continuity | LastBlockBeforeLoop
		r.RenderSection(&part, split.First)
	}

	if first < total {
		part := rc.SubContext(first, total-first)
		part.Continuity = FirstBlockOfLoop
		r.RenderSection(&part, split.Second)
	}
}

// SectionSampleToTimeline returns the timeline position of sample i of a
// block of n samples covering section. It accounts for sections whose
// timeline length differs from the number of samples being rendered.
func SectionSampleToTimeline(section playhead.SampleRange, i, n int) int64 {
	l := section.Length()
	if int64(n) == l || n <= 0 {
		return section.Start + int64(i)
	}
	return section.Start + int64(math.Floor(float64(i)*float64(l)/float64(n)))
}

// TimelineToSectionSample is the inverse of SectionSampleToTimeline: it
// returns the block sample index at which timeline position pos falls.
func TimelineToSectionSample(section playhead.SampleRange, pos int64, n int) int {
	l := section.Length()
	if int64(n) == l || l <= 0 {
		return int(pos - section.Start)
	}
	return int(math.Ceil(float64(pos-section.Start) * float64(n) / float64(l)))
}
