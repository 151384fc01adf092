package graph_test

import (
	"math"
	"testing"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/graph/graphtest"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

const testRate = 44100.0

func newContext(ph *playhead.PlayHead, start int64, n, channels int) graph.RenderContext {
	return graph.RenderContext{
		PlayHead:         ph,
		ReferenceRange:   playhead.RangeWithLength(start, int64(n)),
		StreamTime:       graph.TimeRange{Start: float64(start) / testRate, End: float64(start+int64(n)) / testRate},
		SampleRate:       testRate,
		Dest:             graph.NewAudioBuffer(channels, n),
		BufferNumSamples: n,
		Midi:             graph.NewMidiBuffer(64),
		Continuity:       graph.Contiguous,
	}
}

func loopingPlayHead(loop playhead.SampleRange, position int64) *playhead.PlayHead {
	ph := playhead.New()
	ph.SetReferenceSampleRange(playhead.RangeWithLength(0, 0))
	ph.PlayRange(loop, true)
	ph.SetPosition(position)
	return ph
}

type sectionCall struct {
	section     playhead.SampleRange
	bufferStart int
	numSamples  int
	midiOffset  float64
	continuity  graph.Continuity
}

type recordingRenderer struct {
	calls []sectionCall
}

func (r *recordingRenderer) RenderSection(rc *graph.RenderContext, section playhead.SampleRange) {
	r.calls = append(r.calls, sectionCall{
		section:     section,
		bufferStart: rc.BufferStart,
		numSamples:  rc.BufferNumSamples,
		midiOffset:  rc.MidiOffset,
		continuity:  rc.Continuity,
	})
}

func TestInvokeSplitRender_SplitsAtLoopEnd(t *testing.T) {
	ph := loopingPlayHead(playhead.SampleRange{Start: 1000, End: 2000}, 1900)
	rc := newContext(ph, 0, 256, 2)

	r := &recordingRenderer{}
	graph.InvokeSplitRender(&rc, r)

	if len(r.calls) != 2 {
		t.Fatalf("Expected 2 section calls, got %d", len(r.calls))
	}

	first, second := r.calls[0], r.calls[1]
	if first.numSamples+second.numSamples != 256 {
		t.Errorf("Expected sample counts to sum to 256, got %d + %d", first.numSamples, second.numSamples)
	}
	if first.section != (playhead.SampleRange{Start: 1900, End: 2000}) {
		t.Errorf("Unexpected first section %+v", first.section)
	}
	if second.section != (playhead.SampleRange{Start: 1000, End: 1156}) {
		t.Errorf("Unexpected second section %+v", second.section)
	}
	if first.bufferStart != 0 || second.bufferStart != 100 {
		t.Errorf("Expected buffer starts 0 and 100, got %d and %d", first.bufferStart, second.bufferStart)
	}
	if want := 100 / testRate; math.Abs(second.midiOffset-want) > 1e-12 {
		t.Errorf("Expected second MIDI offset %f, got %f", want, second.midiOffset)
	}
	if first.continuity&graph.LastBlockBeforeLoop == 0 {
		t.Error("Expected first part to be flagged as last block before loop")
	}
	if second.continuity&graph.FirstBlockOfLoop == 0 {
		t.Error("Expected second part to be flagged as first block of loop")
	}
}

func TestInvokeSplitRender_NoSplitInsideLoop(t *testing.T) {
	ph := loopingPlayHead(playhead.SampleRange{Start: 1000, End: 2000}, 1200)
	rc := newContext(ph, 0, 256, 2)

	r := &recordingRenderer{}
	graph.InvokeSplitRender(&rc, r)

	if len(r.calls) != 1 {
		t.Fatalf("Expected 1 section call, got %d", len(r.calls))
	}
	if r.calls[0].section != (playhead.SampleRange{Start: 1200, End: 1456}) {
		t.Errorf("Unexpected section %+v", r.calls[0].section)
	}
}

func TestInvokeSplitRender_MatchesUnsplitRender(t *testing.T) {
	loop := playhead.SampleRange{Start: 1000, End: 2000}

	for _, blockSize := range []int{64, 100, 256, 333, 999} {
		ph := loopingPlayHead(loop, 1900)
		ramp := graphtest.NewRamp(2)

		var ref int64
		for block := 0; block < 12; block++ {
			rc := newContext(ph, ref, blockSize, 2)
			ph.SetReferenceSampleRange(rc.ReferenceRange)
			ramp.RenderOver(&rc)

			for ch := 0; ch < 2; ch++ {
				for i := 0; i < blockSize; i++ {
					pos := playhead.LinearToLoopPosition(1900+ref+int64(i), loop)
					want := float32(pos)*ramp.Scale + float32(ch)*ramp.ChannelStep
					if got := rc.Dest.Channels[ch][i]; got != want {
						t.Fatalf("Block size %d, block %d, channel %d, sample %d: expected %v, got %v",
							blockSize, block, ch, i, want, got)
					}
				}
			}
			ref += int64(blockSize)
		}
	}
}

func TestInvokeSplitRender_MidiOnlyContext(t *testing.T) {
	ph := loopingPlayHead(playhead.SampleRange{Start: 0, End: 1000}, 900)
	ticker := graphtest.NewNoteTicker(250, 60)
	ticker.Prepare(graph.PlayInfo{SampleRate: testRate, BlockSize: 256})

	rc := newContext(ph, 0, 256, 0)
	rc.Dest = nil
	ticker.RenderOver(&rc)

	// Timeline positions 900..999 then 0..155: only position 0 is on the grid.
	if rc.Midi.Len() != 1 {
		t.Fatalf("Expected 1 MIDI event, got %d", rc.Midi.Len())
	}
	if want := 100 / testRate; math.Abs(rc.Midi.Events[0].Time-want) > 1e-9 {
		t.Errorf("Expected event at %f, got %f", want, rc.Midi.Events[0].Time)
	}
}

type nopSink struct{}

func (nopSink) CollectMidi(graph.MidiEvent) {}

func TestRender_NonPositiveSampleCountLeavesBuffersUntouched(t *testing.T) {
	pool := graph.NewPool(2)
	defer pool.Close()

	clip := &graph.AudioClip{SampleRate: testRate, Channels: [][]float32{{1, 1, 1, 1}}}
	combining := graph.NewCombiningNode()
	combining.AddInput(0, 1, graphtest.NewConstant(2, 1))

	nodes := map[string]graph.Node{
		"mixer":     graph.NewMixerNode(pool, false, graphtest.NewConstant(2, 1), graphtest.NewConstant(2, 1)),
		"mixer64":   graph.NewMixerNode(nil, true, graphtest.NewConstant(2, 1), graphtest.NewConstant(2, 1)),
		"buffering": graph.NewBufferingNode(graphtest.NewRamp(2), 1024),
		"fade": graph.NewFadeNode(graphtest.NewConstant(2, 1),
			playhead.SampleRange{Start: 0, End: 100}, playhead.SampleRange{Start: 200, End: 300},
			graph.FadeLinear, graph.FadeLinear, true),
		"combining": combining,
		"mute":      graph.NewMuteNode(graphtest.NewConstant(2, 1)),
		"midiout":   graph.NewMidiOutputNode(graphtest.NewNoteTicker(10, 60), nopSink{}),
		"wave":      graph.NewWaveFileNode(clip, 0, 0, 0, 1),
		"click":     graph.NewClickNode(tempo.NewSequence(120, 4, 4), 1),
		"midiclip":  graph.NewMidiClipNode(0, 1, []graph.Note{{Start: 0, Length: 0.5, Key: 60, Velocity: 100}}),
	}

	for name, n := range nodes {
		n.Prepare(graph.PlayInfo{SampleRate: testRate, BlockSize: 256, NumChannels: 2})

		for _, count := range []int{0, -1} {
			rc := newContext(nil, 0, 256, 2)
			rc.BufferNumSamples = count
			for _, ch := range rc.Dest.Channels {
				for i := range ch {
					ch[i] = 0.25
				}
			}

			n.RenderOver(&rc)
			n.RenderAdding(&rc)

			for c, ch := range rc.Dest.Channels {
				for i, v := range ch {
					if v != 0.25 {
						t.Fatalf("%s with %d samples: channel %d sample %d changed to %v", name, count, c, i, v)
					}
				}
			}
			if rc.Midi.Len() != 0 {
				t.Errorf("%s with %d samples: expected no MIDI, got %d events", name, count, rc.Midi.Len())
			}
		}
	}
}
