// Package graph implements the audio node render protocol and the nodes
// that make up a playback graph.
//
// Every Node renders a block described by a RenderContext either over the
// destination (RenderOver) or additively into it (RenderAdding). Nodes
// never retain the context. Combinators wrap other nodes rather than
// extend them, so each one adds a single concern on top of its input.
package graph

import (
	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// Properties describes what a node produces.
type Properties struct {
	HasAudio    bool
	HasMidi     bool
	NumChannels int
}

// Merge combines the properties of two nodes.
func (p Properties) Merge(o Properties) Properties {
	return Properties{
		HasAudio:    p.HasAudio || o.HasAudio,
		HasMidi:     p.HasMidi || o.HasMidi,
		NumChannels: max(p.NumChannels, o.NumChannels),
	}
}

// PlayInfo is passed to Prepare before playback starts.
type PlayInfo struct {
	StartSample int64
	SampleRate  float64
	BlockSize   int
	NumChannels int
	PlayHead    *playhead.PlayHead
}

// Node is the render protocol every graph element implements.
type Node interface {
	// Properties reports what the node produces.
	Properties() Properties
	// Visit calls fn for each direct input of the node.
	Visit(fn func(Node))
	// Purge drops inputs that produce nothing the caller wants to keep and
	// reports whether the node still has anything to render.
	Purge(keepAudio, keepMidi bool) bool

	// Prepare allocates everything needed for rendering. It is called
	// from a non-realtime goroutine before the node is first rendered.
	Prepare(info PlayInfo)
	// Release frees resources allocated by Prepare.
	Release()

	// PrepareForNextBlock is called once per block before rendering.
	PrepareForNextBlock(referenceRange playhead.SampleRange)
	// IsReady reports whether the node can render the next block without
	// waiting.
	IsReady() bool

	// RenderOver overwrites the destination region.
	RenderOver(rc *RenderContext)
	// RenderAdding adds into the destination region without clearing it.
	RenderAdding(rc *RenderContext)
}

// Walk calls fn for n and then every node below it, depth first.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	n.Visit(func(child Node) {
		Walk(child, fn)
	})
}

// renderAddingViaScratch renders n over a scratch buffer and adds the result
// into rc. It is used by nodes that need exclusive access to the
// destination while rendering.
func renderAddingViaScratch(rc *RenderContext, scratch *AudioBuffer, sub *RenderContext, renderOver func(*RenderContext)) {
	if !rc.HasAudio() {
		renderOver(rc)
		return
	}

	n := rc.BufferNumSamples
	scratch.SetSize(rc.NumChannels(), max(n, scratch.NumSamples()))

	*sub = *rc
	sub.Dest = scratch
	sub.DestChannels = nil
	sub.BufferStart = 0

	renderOver(sub)

	for i := 0; i < rc.NumChannels(); i++ {
		addInto(rc.Channel(i), scratch.Channels[i][:n])
	}
}

// passthrough forwards the lifecycle calls of a single-input combinator.
type passthrough struct {
	input Node
}

func (p *passthrough) Properties() Properties { return p.input.Properties() }

func (p *passthrough) Visit(fn func(Node)) { fn(p.input) }

func (p *passthrough) Purge(keepAudio, keepMidi bool) bool {
	return p.input.Purge(keepAudio, keepMidi)
}

func (p *passthrough) Release() { p.input.Release() }

func (p *passthrough) PrepareForNextBlock(r playhead.SampleRange) {
	p.input.PrepareForNextBlock(r)
}

func (p *passthrough) IsReady() bool { return p.input.IsReady() }

// Input returns the wrapped node.
func (p *passthrough) Input() Node { return p.input }
