package graph

import (
	"fmt"
	"math"
	"strings"

	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// FadeShape selects the gain curve of a fade.
type FadeShape int

const (
	FadeLinear FadeShape = iota
	FadeConvex
	FadeConcave
	FadeSCurve
)

func (s FadeShape) String() string {
	switch s {
	case FadeConvex:
		return "convex"
	case FadeConcave:
		return "concave"
	case FadeSCurve:
		return "scurve"
	}
	return "linear"
}

// ParseFadeShape converts a shape name as used in arrangement files.
func ParseFadeShape(name string) (FadeShape, error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return FadeLinear, nil
	case "convex":
		return FadeConvex, nil
	case "concave":
		return FadeConcave, nil
	case "scurve", "s-curve":
		return FadeSCurve, nil
	}
	return FadeLinear, fmt.Errorf("unknown fade shape: %s", name)
}

// Gain returns the fade-in gain at alpha in [0, 1]. A fade-out uses the
// same curve with alpha running from 1 to 0.
func (s FadeShape) Gain(alpha float64) float64 {
	alpha = min(max(alpha, 0), 1)
	switch s {
	case FadeConvex:
		return math.Sin(alpha * math.Pi / 2)
	case FadeConcave:
		return 1 - math.Cos(alpha*math.Pi/2)
	case FadeSCurve:
		return 0.5 - 0.5*math.Cos(alpha*math.Pi)
	}
	return alpha
}

// FadeNode applies a fade-in and a fade-out, given as timeline ranges, to
// its input. With clearExtra set, everything before the fade-in start and
// after the fade-out end is silenced as well.
type FadeNode struct {
	passthrough

	fadeIn, fadeOut       playhead.SampleRange
	shapeIn, shapeOut     FadeShape
	clearExtra            bool
	adding                bool
	scratch               AudioBuffer
	scratchRC             RenderContext
	currentSection        playhead.SampleRange
	renderOverWithGainsFn func(*RenderContext)
}

// NewFadeNode returns a node fading input in over fadeIn and out over
// fadeOut. Either range may be empty.
func NewFadeNode(input Node, fadeIn, fadeOut playhead.SampleRange, shapeIn, shapeOut FadeShape, clearExtra bool) *FadeNode {
	f := &FadeNode{
		passthrough: passthrough{input: input},
		fadeIn:      fadeIn,
		fadeOut:     fadeOut,
		shapeIn:     shapeIn,
		shapeOut:    shapeOut,
		clearExtra:  clearExtra,
	}
	f.renderOverWithGainsFn = f.renderOverWithGains
	return f
}

func (f *FadeNode) Prepare(info PlayInfo) {
	channels := max(info.NumChannels, f.input.Properties().NumChannels)
	f.scratch.SetSize(channels, info.BlockSize)
	f.input.Prepare(info)
}

func (f *FadeNode) RenderOver(rc *RenderContext) {
	f.adding = false
	InvokeSplitRender(rc, f)
}

func (f *FadeNode) RenderAdding(rc *RenderContext) {
	f.adding = true
	InvokeSplitRender(rc, f)
}

// RenderSection renders one contiguous timeline section.
func (f *FadeNode) RenderSection(rc *RenderContext, section playhead.SampleRange) {
	if rc.BufferNumSamples <= 0 {
		return
	}

	if f.silences(section) {
		if !f.adding {
			rc.ClearAudio()
		}
		return
	}

	if !f.affects(section) {
		if f.adding {
			f.input.RenderAdding(rc)
		} else {
			f.input.RenderOver(rc)
		}
		return
	}

	f.currentSection = section
	if f.adding {
		renderAddingViaScratch(rc, &f.scratch, &f.scratchRC, f.renderOverWithGainsFn)
		return
	}
	f.renderOverWithGains(rc)
}

func (f *FadeNode) renderOverWithGains(rc *RenderContext) {
	f.input.RenderOver(rc)
	if !rc.HasAudio() {
		return
	}

	n := rc.BufferNumSamples
	for i := 0; i < n; i++ {
		g := float32(f.gainAt(SectionSampleToTimeline(f.currentSection, i, n)))
		if g == 1 {
			continue
		}
		for ch := 0; ch < rc.NumChannels(); ch++ {
			rc.Channel(ch)[i] *= g
		}
	}
}

// silences reports whether the whole section lies outside the audible
// range of a clearExtra fade.
func (f *FadeNode) silences(section playhead.SampleRange) bool {
	if !f.clearExtra {
		return false
	}
	if !f.fadeIn.IsEmpty() && section.End <= f.fadeIn.Start {
		return true
	}
	if !f.fadeOut.IsEmpty() && section.Start >= f.fadeOut.End {
		return true
	}
	return false
}

// affects reports whether any sample of section gets a gain other than 1.
func (f *FadeNode) affects(section playhead.SampleRange) bool {
	if !f.fadeIn.IsEmpty() {
		if section.Intersects(f.fadeIn) || (f.clearExtra && section.Start < f.fadeIn.Start) {
			return true
		}
	}
	if !f.fadeOut.IsEmpty() {
		if section.Intersects(f.fadeOut) || (f.clearExtra && section.End > f.fadeOut.End) {
			return true
		}
	}
	return false
}

func (f *FadeNode) gainAt(pos int64) float64 {
	g := 1.0

	if !f.fadeIn.IsEmpty() {
		switch {
		case pos < f.fadeIn.Start:
			if f.clearExtra {
				return 0
			}
		case pos < f.fadeIn.End:
			alpha := float64(pos-f.fadeIn.Start) / float64(f.fadeIn.Length())
			g *= f.shapeIn.Gain(alpha)
		}
	}

	if !f.fadeOut.IsEmpty() {
		switch {
		case pos >= f.fadeOut.End:
			if f.clearExtra {
				return 0
			}
		case pos >= f.fadeOut.Start:
			alpha := float64(f.fadeOut.End-pos) / float64(f.fadeOut.Length())
			g *= f.shapeOut.Gain(alpha)
		}
	}

	return g
}
