package graph

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// MixerNode sums the output of several inputs. When it has a Pool with
// workers, inputs are rendered in parallel, each one into a private
// scratch buffer that is then added into the destination under a short
// lock. The calling goroutine always takes part in the work.
type MixerNode struct {
	inputs []Node
	pool   *Pool
	use64  bool

	op      mixOperation
	scratch mixScratch

	panics atomic.Int64
}

// mixScratch is the per goroutine render target used for one input.
type mixScratch struct {
	audio AudioBuffer
	midi  MidiBuffer
	sub   RenderContext
}

// mixOperation is one parallel render of a mixer's inputs. It is owned by
// the mixer and reused for every block.
type mixOperation struct {
	mixer  *MixerNode
	rc     *RenderContext
	inputs []Node

	next    atomic.Int64
	pending atomic.Int64
	active  atomic.Int32
	done    chan struct{}

	sumMu   sync.Mutex
	acc     [][]float64
	hadMidi bool
}

// NewMixerNode returns a mixer over inputs. pool may be nil, in which case
// inputs are always rendered serially. use64 makes the mixer sum into a
// float64 accumulator and convert once per block.
func NewMixerNode(pool *Pool, use64 bool, inputs ...Node) *MixerNode {
	m := &MixerNode{
		inputs: inputs,
		pool:   pool,
		use64:  use64,
	}
	m.op.mixer = m
	m.op.done = make(chan struct{}, 1)
	return m
}

// AddInput appends an input. It must not be called while rendering.
func (m *MixerNode) AddInput(n Node) {
	m.inputs = append(m.inputs, n)
}

func (m *MixerNode) Inputs() []Node { return m.inputs }

// Panics returns how many input renders have panicked inside a parallel
// operation.
func (m *MixerNode) Panics() int64 { return m.panics.Load() }

func (m *MixerNode) Properties() Properties {
	var p Properties
	for _, in := range m.inputs {
		p = p.Merge(in.Properties())
	}
	return p
}

func (m *MixerNode) Visit(fn func(Node)) {
	for _, in := range m.inputs {
		fn(in)
	}
}

func (m *MixerNode) Purge(keepAudio, keepMidi bool) bool {
	kept := m.inputs[:0]
	for _, in := range m.inputs {
		if !in.Purge(keepAudio, keepMidi) {
			continue
		}
		p := in.Properties()
		if (keepAudio && p.HasAudio) || (keepMidi && p.HasMidi) {
			kept = append(kept, in)
		}
	}
	clear(m.inputs[len(kept):])
	m.inputs = kept
	return len(m.inputs) > 0
}

func (m *MixerNode) Prepare(info PlayInfo) {
	for _, in := range m.inputs {
		in.Prepare(info)
	}

	channels := max(info.NumChannels, m.Properties().NumChannels)
	m.scratch.audio.SetSize(channels, info.BlockSize)
	if cap(m.scratch.midi.Events) == 0 {
		m.scratch.midi.Events = make([]MidiEvent, 0, 64)
	}
	m.pool.reserve(channels, info.BlockSize)

	if m.use64 {
		if cap(m.op.acc) < channels {
			m.op.acc = make([][]float64, channels)
		}
		m.op.acc = m.op.acc[:channels]
		for i := range m.op.acc {
			if cap(m.op.acc[i]) < info.BlockSize {
				m.op.acc[i] = make([]float64, info.BlockSize)
			}
		}
	}
}

func (m *MixerNode) Release() {
	for _, in := range m.inputs {
		in.Release()
	}
}

func (m *MixerNode) PrepareForNextBlock(r playhead.SampleRange) {
	for _, in := range m.inputs {
		in.PrepareForNextBlock(r)
	}
}

func (m *MixerNode) IsReady() bool {
	for _, in := range m.inputs {
		if !in.IsReady() {
			return false
		}
	}
	return true
}

func (m *MixerNode) RenderOver(rc *RenderContext) {
	if rc.BufferNumSamples <= 0 {
		return
	}
	if len(m.inputs) == 1 && !m.use64 {
		m.inputs[0].RenderOver(rc)
		return
	}
	rc.ClearAudio()
	m.RenderAdding(rc)
}

func (m *MixerNode) RenderAdding(rc *RenderContext) {
	if rc.BufferNumSamples <= 0 || len(m.inputs) == 0 {
		return
	}

	parallel := len(m.inputs) > 1 && m.pool.NumThreads() > 0
	if !parallel && !m.use64 {
		for _, in := range m.inputs {
			in.RenderAdding(rc)
		}
		return
	}

	m.renderOperation(rc, parallel)
}

func (m *MixerNode) renderOperation(rc *RenderContext, parallel bool) {
	op := &m.op
	op.rc = rc
	op.inputs = m.inputs
	op.hadMidi = false
	if m.use64 {
		op.resetAccumulator(rc.NumChannels(), rc.BufferNumSamples)
	}

	op.pending.Store(int64(len(m.inputs)))
	op.next.Store(int64(len(m.inputs)))

	if parallel {
		m.pool.add(op)
	}

	for n := op.popNext(); n != nil; n = op.popNext() {
		op.process(n, &m.scratch)
	}

	<-op.done

	if parallel {
		m.pool.remove(op)
	}

	if m.use64 && rc.HasAudio() {
		for ch := 0; ch < rc.NumChannels(); ch++ {
			dst := rc.Channel(ch)
			src := op.acc[ch][:len(dst)]
			for i, v := range src {
				dst[i] += float32(v)
			}
		}
	}
	if op.hadMidi {
		rc.Midi.Sort()
	}

	op.rc = nil
	op.inputs = nil
}

func (op *mixOperation) resetAccumulator(channels, n int) {
	if len(op.acc) < channels {
		grown := make([][]float64, channels)
		copy(grown, op.acc)
		op.acc = grown
	}
	for i := 0; i < channels; i++ {
		if cap(op.acc[i]) < n {
			op.acc[i] = make([]float64, n)
		}
		op.acc[i] = op.acc[i][:n]
		clear(op.acc[i])
	}
}

// popNext returns the next input to render, or nil when every input has
// been handed out.
func (op *mixOperation) popNext() Node {
	i := op.next.Add(-1)
	if i < 0 {
		return nil
	}
	return op.inputs[i]
}

// process renders one input and adds it to the operation's destination.
// The pending count is always decremented, even if the input panics, so the
// mixer waiting on the operation can never hang.
func (op *mixOperation) process(n Node, s *mixScratch) {
	defer func() {
		if r := recover(); r != nil {
			op.mixer.panics.Add(1)
			slog.Error("Mixer input panicked", "panic", r)
		}
		if op.pending.Add(-1) == 0 {
			op.done <- struct{}{}
		}
	}()

	rc := op.rc
	s.sub = *rc
	s.sub.BufferStart = 0
	s.sub.DestChannels = nil
	s.sub.MidiOffset = 0

	if rc.HasAudio() {
		s.audio.SetSize(rc.NumChannels(), max(rc.BufferNumSamples, s.audio.NumSamples()))
		s.sub.Dest = &s.audio
	} else {
		s.sub.Dest = nil
	}

	if rc.Midi != nil {
		s.midi.Clear()
		s.sub.Midi = &s.midi
	} else {
		s.sub.Midi = nil
	}

	n.RenderOver(&s.sub)

	op.sum(s)
}

func (op *mixOperation) sum(s *mixScratch) {
	op.sumMu.Lock()
	defer op.sumMu.Unlock()

	rc := op.rc
	if rc.HasAudio() {
		num := rc.BufferNumSamples
		for ch := 0; ch < rc.NumChannels(); ch++ {
			src := s.audio.Channels[ch][:num]
			if op.acc != nil && op.mixer.use64 {
				acc := op.acc[ch]
				for i, v := range src {
					acc[i] += float64(v)
				}
				continue
			}
			addInto(rc.Channel(ch), src)
		}
	}

	if rc.Midi != nil && s.midi.Len() > 0 {
		rc.Midi.MergeFrom(&s.midi, rc.MidiOffset)
		op.hadMidi = true
	}
}
