package session

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/playback"
	"github.com/audiolibrelab/jamengine/internal/playhead"
)

// BuildOptions tunes the graph built for an arrangement.
type BuildOptions struct {
	Use64BitAccumulator bool
	// MinChunkSamples, when positive, renders each audio track ahead in
	// chunks of at least this many samples.
	MinChunkSamples int
}

// Builder returns a playback.GraphBuilder for the arrangement. Each call
// of the builder creates a fresh graph; track mutes are carried over.
func (s *Session) Builder(opts BuildOptions) playback.GraphBuilder {
	return func(env *playback.BuildEnv) (graph.Node, error) {
		return s.build(env, opts)
	}
}

func (s *Session) build(env *playback.BuildEnv, opts BuildOptions) (graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mixer := graph.NewMixerNode(env.Pool, opts.Use64BitAccumulator)
	mutes := make(map[string]*graph.MuteNode, len(s.Tracks))

	for i, t := range s.Tracks {
		node, err := s.buildTrack(env, t, opts)
		if err != nil {
			return nil, fmt.Errorf("tracks[%d] '%s': %w", i, t.Name, err)
		}
		if node == nil {
			continue
		}
		mute := graph.NewMuteNode(node)
		mute.SetMuted(s.muted[t.Name])
		mutes[t.Name] = mute
		mixer.AddInput(mute)
	}

	if s.Click.Enabled && env.Tempo != nil {
		mixer.AddInput(graph.NewClickNode(env.Tempo, dbToGain(s.Click.GainDB)))
	}

	s.mutes = mutes

	slog.Debug("Arrangement graph built", "session", s.Name, "tracks", len(mutes), "click", s.Click.Enabled)
	return mixer, nil
}

func (s *Session) buildTrack(env *playback.BuildEnv, t Track, opts BuildOptions) (graph.Node, error) {
	trackGain := dbToGain(t.GainDB)

	var audio *graph.CombiningNode
	if len(t.Clips) > 0 {
		audio = graph.NewCombiningNode()
		for j, c := range t.Clips {
			clip, ok := s.clips[s.resolve(c.File)]
			if !ok {
				return nil, fmt.Errorf("clips[%d]: audio file %s is not loaded", j, c.File)
			}
			length := s.clipLength(c)
			node, err := clipNode(clip, c, length, trackGain, env.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("clips[%d]: %w", j, err)
			}
			audio.AddInput(c.Start, c.Start+length, node)
		}
	}

	var midiNode graph.Node
	if len(t.MidiClips) > 0 {
		sink := env.DefaultMidiOutput()
		if t.MidiOutput != "" {
			sink = env.MidiOutput(t.MidiOutput)
		}
		if sink == nil {
			slog.Warn("No MIDI output for track, MIDI clips will not play", "track", t.Name, "output", t.MidiOutput)
		} else {
			midi := graph.NewCombiningNode()
			for _, m := range t.MidiClips {
				midi.AddInput(m.Start, m.Start+m.Length, graph.NewMidiClipNode(m.Start, m.Start+m.Length, clipNotes(m)))
			}
			midiNode = graph.NewMidiOutputNode(midi, sink)
		}
	}

	var trackNode graph.Node
	if audio != nil {
		trackNode = audio
		if opts.MinChunkSamples > 0 {
			trackNode = graph.NewBufferingNode(audio, opts.MinChunkSamples)
		}
	}

	switch {
	case trackNode == nil:
		return midiNode, nil
	case midiNode == nil:
		return trackNode, nil
	}
	return graph.NewMixerNode(nil, opts.Use64BitAccumulator, trackNode, midiNode), nil
}

func clipNode(clip *graph.AudioClip, c Clip, length float64, trackGain float32, sampleRate float64) (graph.Node, error) {
	var node graph.Node = graph.NewWaveFileNode(clip, c.Start, length, c.Offset, dbToGain(c.GainDB)*trackGain)
	if c.FadeIn <= 0 && c.FadeOut <= 0 {
		return node, nil
	}

	shapeIn, err := graph.ParseFadeShape(c.FadeInShape)
	if err != nil {
		return nil, err
	}
	shapeOut, err := graph.ParseFadeShape(c.FadeOutShape)
	if err != nil {
		return nil, err
	}

	end := c.Start + length
	var fadeIn, fadeOut playhead.SampleRange
	if c.FadeIn > 0 {
		fadeIn = playhead.TimeRangeToSamples(c.Start, c.Start+c.FadeIn, sampleRate)
	}
	if c.FadeOut > 0 {
		fadeOut = playhead.TimeRangeToSamples(end-c.FadeOut, end, sampleRate)
	}
	return graph.NewFadeNode(node, fadeIn, fadeOut, shapeIn, shapeOut, false), nil
}

func clipNotes(m MidiClip) []graph.Note {
	notes := make([]graph.Note, 0, len(m.Notes))
	for _, n := range m.Notes {
		ch := 0
		if n.Channel > 0 {
			ch = n.Channel - 1
		}
		notes = append(notes, graph.Note{
			Start:    n.Start,
			Length:   n.Length,
			Channel:  uint8(ch),
			Key:      uint8(n.Key),
			Velocity: uint8(n.Velocity),
		})
	}
	return notes
}
