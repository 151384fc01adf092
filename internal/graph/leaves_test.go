package graph_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/graph/graphtest"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

func rampClip(rate float64, frames int) *graph.AudioClip {
	data := make([]float32, frames)
	for i := range data {
		data[i] = float32(i) / float32(frames)
	}
	return &graph.AudioClip{SampleRate: rate, Channels: [][]float32{data}}
}

func TestWaveFileNode_PlaysClipAtPosition(t *testing.T) {
	clip := rampClip(1000, 100)
	w := graph.NewWaveFileNode(clip, 0.01, 0, 0.002, 1)
	w.Prepare(graph.PlayInfo{SampleRate: 1000, BlockSize: 128, NumChannels: 2})

	rc := newContext(nil, 0, 128, 2)
	rc.SampleRate = 1000
	w.RenderOver(&rc)

	for ch := 0; ch < 2; ch++ {
		out := rc.Dest.Channels[ch]
		if out[9] != 0 {
			t.Errorf("Expected silence before clip start, got %v", out[9])
		}
		if out[10] != clip.Channels[0][2] {
			t.Errorf("Expected clip sample 2 at position 10, got %v", out[10])
		}
		if out[50] != clip.Channels[0][42] {
			t.Errorf("Expected clip sample 42 at position 50, got %v", out[50])
		}
		// 98 samples remain after the offset, so the clip ends at 108.
		if out[108] != 0 {
			t.Errorf("Expected silence after clip end, got %v", out[108])
		}
	}
}

func TestAudioClip_Resampled(t *testing.T) {
	clip := &graph.AudioClip{SampleRate: 1000, Channels: [][]float32{{0, 1, 0, 1}}}

	up := clip.Resampled(2000)
	if got := up.NumFrames(); got != 8 {
		t.Fatalf("Expected 8 frames, got %d", got)
	}
	if got := up.Channels[0][1]; got != 0.5 {
		t.Errorf("Expected interpolated 0.5, got %v", got)
	}
	if clip.Resampled(1000) != clip {
		t.Error("Expected same clip when rates match")
	}
}

func TestLoadWaveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	enc := wav.NewEncoder(f, 22050, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 22050},
		Data:           []int{0, 16384, -16384, 32767, 8192, -8192},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("Failed to write samples: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Failed to close encoder: %v", err)
	}
	f.Close()

	clip, err := graph.LoadWaveFile(path)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if clip.NumChannels() != 2 || clip.NumFrames() != 3 {
		t.Fatalf("Expected 2 channels of 3 frames, got %d of %d", clip.NumChannels(), clip.NumFrames())
	}
	if clip.SampleRate != 22050 {
		t.Errorf("Expected sample rate 22050, got %f", clip.SampleRate)
	}
	if got := clip.Channels[1][0]; math.Abs(float64(got)-0.5) > 1e-4 {
		t.Errorf("Expected 0.5, got %v", got)
	}
	if got := clip.Channels[0][1]; math.Abs(float64(got)+0.5) > 1e-4 {
		t.Errorf("Expected -0.5, got %v", got)
	}
}

func TestLoadWaveFile_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wave file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := graph.LoadWaveFile(path); err == nil {
		t.Error("Expected error for invalid file")
	}
}

func TestMidiClipNode_EmitsNotesAtTheirTimes(t *testing.T) {
	clip := graph.NewMidiClipNode(0.1, 1, []graph.Note{
		{Start: 0, Length: 0.05, Channel: 1, Key: 60, Velocity: 90},
		{Start: 0.2, Length: 2, Channel: 1, Key: 64, Velocity: 80},
	})
	clip.Prepare(graph.PlayInfo{SampleRate: 1000, BlockSize: 1200})

	rc := newContext(nil, 0, 1200, 0)
	rc.SampleRate = 1000
	rc.Dest = nil
	clip.RenderOver(&rc)

	type expected struct {
		on   bool
		key  uint8
		time float64
	}
	// The second note is cut off at the clip end.
	want := []expected{
		{true, 60, 0.1},
		{false, 60, 0.15},
		{true, 64, 0.3},
		{false, 64, 1},
	}
	if rc.Midi.Len() != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), rc.Midi.Len())
	}

	for i, w := range want {
		e := rc.Midi.Events[i]
		var ch, key, vel uint8
		isOn := e.Msg.GetNoteOn(&ch, &key, &vel)
		if isOn != w.on || key != w.key {
			if !e.Msg.GetNoteOff(&ch, &key, &vel) || w.on || key != w.key {
				t.Errorf("Event %d: unexpected message %s", i, e.Msg)
			}
		}
		if math.Abs(e.Time-w.time) > 1e-9 {
			t.Errorf("Event %d: expected time %f, got %f", i, w.time, e.Time)
		}
	}
}

func TestMidiClipNode_ReleasesNotesOnJump(t *testing.T) {
	clip := graph.NewMidiClipNode(0, 10, []graph.Note{{Start: 0, Length: 5, Key: 60, Velocity: 100}})
	clip.Prepare(graph.PlayInfo{SampleRate: 1000, BlockSize: 100})

	rc := newContext(nil, 0, 100, 0)
	rc.Dest = nil
	clip.RenderOver(&rc)

	rc = newContext(nil, 3000, 100, 0)
	rc.Dest = nil
	rc.Continuity = graph.PlayheadJumped
	clip.RenderOver(&rc)

	if rc.Midi.Len() != 1 {
		t.Fatalf("Expected a single note off after the jump, got %d events", rc.Midi.Len())
	}
	var ch, key, vel uint8
	if !rc.Midi.Events[0].Msg.GetNoteOff(&ch, &key, &vel) || key != 60 {
		t.Errorf("Expected note off for key 60, got %s", rc.Midi.Events[0].Msg)
	}
}

type collectingSink struct {
	events []graph.MidiEvent
}

func (c *collectingSink) CollectMidi(e graph.MidiEvent) {
	c.events = append(c.events, e)
}

func TestMidiOutputNode_SendsAbsoluteTimesToSink(t *testing.T) {
	sink := &collectingSink{}
	out := graph.NewMidiOutputNode(graphtest.NewNoteTicker(100, 60), sink)
	out.Prepare(graph.PlayInfo{SampleRate: 1000, BlockSize: 256})

	rc := newContext(nil, 0, 256, 1)
	rc.SampleRate = 1000
	rc.StreamTime = graph.TimeRange{Start: 5, End: 5.256}
	out.RenderOver(&rc)

	if rc.Midi.Len() != 0 {
		t.Errorf("Expected MIDI not to be passed up the graph, got %d events", rc.Midi.Len())
	}
	if len(sink.events) != 3 {
		t.Fatalf("Expected 3 events in sink, got %d", len(sink.events))
	}
	for i, want := range []float64{5, 5.1, 5.2} {
		if math.Abs(sink.events[i].Time-want) > 1e-9 {
			t.Errorf("Event %d: expected time %f, got %f", i, want, sink.events[i].Time)
		}
	}
	if out.Properties().HasMidi {
		t.Error("Expected output node not to report MIDI")
	}
}

func TestMuteNode(t *testing.T) {
	m := graph.NewMuteNode(graphtest.NewConstant(1, 1))

	rc := newContext(nil, 0, 16, 1)
	m.RenderOver(&rc)
	checkAll(t, rc.Dest, 1)

	m.SetMuted(true)
	m.RenderOver(&rc)
	checkAll(t, rc.Dest, 0)

	m.RenderAdding(&rc)
	checkAll(t, rc.Dest, 0)
}

func TestClickNode_ClicksOnBeats(t *testing.T) {
	seq := tempo.NewSequence(120, 4, 4)
	c := graph.NewClickNode(seq, 1)
	c.Prepare(graph.PlayInfo{SampleRate: 1000, BlockSize: 1000})

	rc := newContext(nil, 0, 1000, 1)
	rc.SampleRate = 1000
	c.RenderOver(&rc)

	out := rc.Dest.Channels[0]
	if out[1] == 0 {
		t.Error("Expected click right after the beat")
	}
	if out[100] != 0 {
		t.Errorf("Expected silence between beats, got %v", out[100])
	}
	if out[501] == 0 {
		t.Error("Expected click after the second beat")
	}
}

