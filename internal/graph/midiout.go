package graph

// MidiSink receives the MIDI produced for one output device. Event times
// are absolute stream times in seconds.
type MidiSink interface {
	CollectMidi(e MidiEvent)
}

// MidiOutputNode takes the MIDI produced by its input and hands it to a
// sink instead of passing it up the graph. Audio passes through unchanged.
type MidiOutputNode struct {
	passthrough
	sink MidiSink
	midi MidiBuffer
	sub  RenderContext
}

func NewMidiOutputNode(input Node, sink MidiSink) *MidiOutputNode {
	return &MidiOutputNode{
		passthrough: passthrough{input: input},
		sink:        sink,
	}
}

// SetSink replaces the sink. It must not be called while rendering.
func (m *MidiOutputNode) SetSink(sink MidiSink) { m.sink = sink }

func (m *MidiOutputNode) Properties() Properties {
	p := m.input.Properties()
	p.HasMidi = false
	return p
}

func (m *MidiOutputNode) Purge(keepAudio, _ bool) bool {
	// The input's MIDI is always needed here even if the caller only
	// keeps audio.
	return m.input.Purge(keepAudio, true)
}

func (m *MidiOutputNode) Prepare(info PlayInfo) {
	if cap(m.midi.Events) == 0 {
		m.midi.Events = make([]MidiEvent, 0, 256)
	}
	m.input.Prepare(info)
}

func (m *MidiOutputNode) RenderOver(rc *RenderContext) {
	m.render(rc, false)
}

func (m *MidiOutputNode) RenderAdding(rc *RenderContext) {
	m.render(rc, true)
}

func (m *MidiOutputNode) render(rc *RenderContext, adding bool) {
	if rc.BufferNumSamples <= 0 {
		return
	}

	m.midi.Clear()
	m.sub = *rc
	m.sub.Midi = &m.midi
	m.sub.MidiOffset = 0

	if adding {
		m.input.RenderAdding(&m.sub)
	} else {
		m.input.RenderOver(&m.sub)
	}

	if m.sink == nil {
		return
	}
	m.midi.Sort()
	for _, e := range m.midi.Events {
		m.sink.CollectMidi(MidiEvent{Time: rc.StreamTime.Start + e.Time, Msg: e.Msg})
	}
}
