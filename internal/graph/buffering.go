package graph

import (
	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// BufferingNode renders its input in chunks larger than the device block
// and serves each block from the cached chunk. The chunk is a whole number
// of device blocks and at least as long as the requested minimum.
type BufferingNode struct {
	passthrough

	minChunk int
	chunk    int

	cache     AudioBuffer
	cacheMidi MidiBuffer
	chunkRC   RenderContext

	numSamplesLeft int
	nextStart      int64
	sampleRate     float64
}

// NewBufferingNode wraps input so it is rendered at least minChunkSamples
// samples at a time.
func NewBufferingNode(input Node, minChunkSamples int) *BufferingNode {
	return &BufferingNode{
		passthrough: passthrough{input: input},
		minChunk:    minChunkSamples,
	}
}

// ChunkSize returns the number of samples rendered per refill. It is only
// valid after Prepare.
func (b *BufferingNode) ChunkSize() int { return b.chunk }

func (b *BufferingNode) Prepare(info PlayInfo) {
	block := max(info.BlockSize, 1)
	blocks := max((b.minChunk+block-1)/block, 1)
	b.chunk = blocks * block

	channels := max(info.NumChannels, b.input.Properties().NumChannels)
	b.cache.SetSize(channels, b.chunk)
	if cap(b.cacheMidi.Events) == 0 {
		b.cacheMidi.Events = make([]MidiEvent, 0, 256)
	}
	b.numSamplesLeft = 0
	b.sampleRate = info.SampleRate

	b.input.Prepare(PlayInfo{
		StartSample: info.StartSample,
		SampleRate:  info.SampleRate,
		BlockSize:   b.chunk,
		NumChannels: channels,
		PlayHead:    info.PlayHead,
	})
}

// PrepareForNextBlock is forwarded to the input only when a new chunk is
// rendered.
func (b *BufferingNode) PrepareForNextBlock(playhead.SampleRange) {}

func (b *BufferingNode) RenderOver(rc *RenderContext) {
	b.render(rc, false)
}

func (b *BufferingNode) RenderAdding(rc *RenderContext) {
	b.render(rc, true)
}

func (b *BufferingNode) render(rc *RenderContext, adding bool) {
	n := rc.BufferNumSamples
	if n <= 0 {
		return
	}

	if n > b.chunk {
		b.numSamplesLeft = 0
		b.input.PrepareForNextBlock(rc.ReferenceRange)
		if adding {
			b.input.RenderAdding(rc)
		} else {
			b.input.RenderOver(rc)
		}
		return
	}

	discontinuous := rc.Continuity&PlayheadJumped != 0 ||
		rc.ReferenceRange.Start != b.nextStart ||
		b.numSamplesLeft < n
	if discontinuous {
		b.refill(rc)
	}

	offset := b.chunk - b.numSamplesLeft

	if rc.HasAudio() && b.cache.NumChannels() == 0 {
		// MIDI-only input prepared without audio channels
		if !adding {
			rc.ClearAudio()
		}
	} else if rc.HasAudio() {
		for ch := 0; ch < rc.NumChannels(); ch++ {
			src := b.cache.Channels[ch%b.cache.NumChannels()][offset : offset+n]
			if adding {
				addInto(rc.Channel(ch), src)
			} else {
				copy(rc.Channel(ch), src)
			}
		}
	}

	if rc.Midi != nil && b.sampleRate > 0 {
		start := float64(offset) / b.sampleRate
		end := float64(offset+n) / b.sampleRate
		for _, e := range b.cacheMidi.Events {
			if e.Time >= start && e.Time < end {
				rc.AddMidi(MidiEvent{Time: e.Time - start, Msg: e.Msg})
			}
		}
	}

	b.numSamplesLeft -= n
	b.nextStart = rc.ReferenceRange.End
}

func (b *BufferingNode) refill(rc *RenderContext) {
	r := playhead.RangeWithLength(rc.ReferenceRange.Start, int64(b.chunk))

	b.cacheMidi.Clear()
	b.chunkRC = *rc
	b.chunkRC.ReferenceRange = r
	b.chunkRC.Dest = &b.cache
	b.chunkRC.DestChannels = nil
	b.chunkRC.BufferStart = 0
	b.chunkRC.BufferNumSamples = b.chunk
	b.chunkRC.Midi = &b.cacheMidi
	b.chunkRC.MidiOffset = 0
	if rc.SampleRate > 0 {
		b.chunkRC.StreamTime = TimeRange{
			Start: rc.StreamTime.Start,
			End:   rc.StreamTime.Start + float64(b.chunk)/rc.SampleRate,
		}
	}

	b.input.PrepareForNextBlock(r)
	b.input.RenderOver(&b.chunkRC)
	b.cacheMidi.Sort()

	b.numSamplesLeft = b.chunk
}
