package graph

import (
	"slices"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// Note is a MIDI note in a clip. Start and Length are in seconds relative
// to the start of the clip.
type Note struct {
	Start    float64
	Length   float64
	Channel  uint8
	Key      uint8
	Velocity uint8
}

type noteEvent struct {
	pos  int64
	on   bool
	note *Note
}

// MidiClipNode plays a list of notes placed on the timeline.
type MidiClipNode struct {
	notes      []Note
	start, end float64

	events     []noteEvent
	span       playhead.SampleRange
	sampleRate float64
	sounding   map[uint16]struct{}
}

// NewMidiClipNode returns a clip playing notes between start and end
// seconds. Notes past the clip end are cut off there.
func NewMidiClipNode(start, end float64, notes []Note) *MidiClipNode {
	return &MidiClipNode{
		notes:    slices.Clone(notes),
		start:    start,
		end:      end,
		sounding: make(map[uint16]struct{}, 16),
	}
}

func (m *MidiClipNode) Properties() Properties {
	return Properties{HasMidi: true}
}

func (m *MidiClipNode) Visit(func(Node)) {}

func (m *MidiClipNode) Purge(_, keepMidi bool) bool { return keepMidi && len(m.notes) > 0 }

func (m *MidiClipNode) Prepare(info PlayInfo) {
	m.sampleRate = info.SampleRate
	m.span = playhead.TimeRangeToSamples(m.start, m.end, info.SampleRate)

	m.events = m.events[:0]
	for i := range m.notes {
		n := &m.notes[i]
		on := playhead.TimeToSample(m.start+n.Start, info.SampleRate)
		off := min(playhead.TimeToSample(m.start+n.Start+n.Length, info.SampleRate), m.span.End)
		if on >= m.span.End || off <= on {
			continue
		}
		m.events = append(m.events, noteEvent{pos: on, on: true, note: n}, noteEvent{pos: off, note: n})
	}
	slices.SortStableFunc(m.events, func(a, b noteEvent) int {
		if a.pos != b.pos {
			if a.pos < b.pos {
				return -1
			}
			return 1
		}
		// Note-offs go first so a repeated key is retriggered.
		switch {
		case !a.on && b.on:
			return -1
		case a.on && !b.on:
			return 1
		}
		return 0
	})
	clear(m.sounding)
}

func (m *MidiClipNode) Release() {}

func (m *MidiClipNode) PrepareForNextBlock(playhead.SampleRange) {}

func (m *MidiClipNode) IsReady() bool { return true }

func (m *MidiClipNode) RenderOver(rc *RenderContext) {
	rc.ClearAudio()
	InvokeSplitRender(rc, m)
}

func (m *MidiClipNode) RenderAdding(rc *RenderContext) {
	InvokeSplitRender(rc, m)
}

func (m *MidiClipNode) RenderSection(rc *RenderContext, section playhead.SampleRange) {
	if rc.Midi == nil || m.sampleRate <= 0 {
		return
	}

	if rc.Continuity&(PlayheadJumped|FirstBlockOfLoop) != 0 {
		m.releaseSounding(rc)
	}

	n := rc.BufferNumSamples
	lo, _ := slices.BinarySearchFunc(m.events, section.Start, func(e noteEvent, pos int64) int {
		switch {
		case e.pos < pos:
			return -1
		case e.pos > pos:
			return 1
		}
		return 0
	})

	for _, e := range m.events[lo:] {
		if e.pos >= section.End {
			break
		}
		t := float64(TimelineToSectionSample(section, e.pos, n)) / m.sampleRate
		key := uint16(e.note.Channel)<<8 | uint16(e.note.Key)
		if e.on {
			rc.AddMidi(MidiEvent{Time: t, Msg: gomidi.NoteOn(e.note.Channel, e.note.Key, e.note.Velocity)})
			m.sounding[key] = struct{}{}
			continue
		}
		if _, ok := m.sounding[key]; ok {
			rc.AddMidi(MidiEvent{Time: t, Msg: gomidi.NoteOff(e.note.Channel, e.note.Key)})
			delete(m.sounding, key)
		}
	}
}

func (m *MidiClipNode) releaseSounding(rc *RenderContext) {
	for key := range m.sounding {
		rc.AddMidi(MidiEvent{Time: 0, Msg: gomidi.NoteOff(uint8(key>>8), uint8(key))})
		delete(m.sounding, key)
	}
}
