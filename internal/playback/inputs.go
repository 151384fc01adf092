package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/jamengine/internal/audio"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
)

// TakeKind says what a take recorded.
type TakeKind string

const (
	TakeAudio TakeKind = "audio"
	TakeMidi  TakeKind = "midi"
)

// Take is a recorded file and where it belongs on the timeline.
type Take struct {
	Kind    TakeKind `json:"kind"`
	Input   string   `json:"input"`
	Path    string   `json:"path"`
	PunchIn float64  `json:"punch_in"`
	Length  float64  `json:"length"`
}

// WaveInput selects device input channels to record together.
type WaveInput struct {
	Name     string
	Channels []int
}

type waveTake struct {
	input   WaveInput
	rec     *audio.WaveRecorder
	view    [][]float32
	silence []float32
}

type midiTake struct {
	input string
	rec   *midi.Recorder
}

// inputSet tracks the armed inputs of a context and the takes being
// recorded from them.
type inputSet struct {
	c *Context

	mu         sync.Mutex
	waves      []WaveInput
	midiArmed  []string
	midiRecs   map[string]*midi.Recorder
	recording  bool
	punchIn    float64
	midiActive []midiTake
	takes      []Take

	active atomic.Pointer[[]*waveTake]
	now    func() time.Time
}

func (s *inputSet) init(c *Context) {
	s.c = c
	s.midiRecs = make(map[string]*midi.Recorder)
	s.now = time.Now
}

// ArmWaveInput arms the given device input channels for recording.
func (c *Context) ArmWaveInput(in WaveInput) error {
	if in.Name == "" {
		return errors.New("input name is required")
	}
	if len(in.Channels) == 0 {
		return fmt.Errorf("input %s has no channels", in.Name)
	}
	available := c.host.InputChannels()
	for _, ch := range in.Channels {
		if ch < 0 || ch >= available {
			return fmt.Errorf("input %s: channel %d out of range (device has %d inputs)", in.Name, ch+1, available)
		}
	}

	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waves {
		if w.Name == in.Name {
			s.waves[i] = in
			return nil
		}
	}
	s.waves = append(s.waves, in)
	return nil
}

// ArmMidiInput arms the named MIDI input for recording.
func (c *Context) ArmMidiInput(name string) error {
	var dev *midi.InputDevice
	for _, d := range c.host.MidiInputs() {
		if d.Name() == name {
			dev = d
			break
		}
	}
	if dev == nil {
		return fmt.Errorf("MIDI input not found: %s", name)
	}

	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.midiRecs[name]; !ok {
		rec := midi.NewRecorder()
		dev.AddHandler(rec.Handle)
		s.midiRecs[name] = rec
	}
	for _, n := range s.midiArmed {
		if n == name {
			return nil
		}
	}
	s.midiArmed = append(s.midiArmed, name)
	return nil
}

// Disarm disarms the named wave or MIDI input.
func (c *Context) Disarm(name string) {
	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waves {
		if w.Name == name {
			s.waves = append(s.waves[:i], s.waves[i+1:]...)
			break
		}
	}
	for i, n := range s.midiArmed {
		if n == name {
			s.midiArmed = append(s.midiArmed[:i], s.midiArmed[i+1:]...)
			break
		}
	}
}

func (c *Context) ArmedInputs() int {
	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waves) + len(s.midiArmed)
}

// Takes returns the takes kept by the last recording.
func (c *Context) Takes() []Take {
	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Take(nil), s.takes...)
}

// StartRecording starts a take on every armed input. Playback starts at
// prerollStart and material before punchIn is not kept.
func (c *Context) StartRecording(prerollStart, punchIn float64) error {
	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return errors.New("already recording")
	}

	stamp := s.now().Format("20060102_150405")
	rate := c.host.SampleRate()
	block := c.host.BlockSize()

	var started []*waveTake
	for _, in := range s.waves {
		rec := audio.NewWaveRecorder(audio.WaveRecorderConfig{
			Directory:    c.opts.RecordDirectory,
			SampleRate:   rate,
			Channels:     len(in.Channels),
			ChannelNames: channelNames(in),
			BitDepth:     c.opts.BitDepth,
			MaxBlockSize: block,
		})
		err := rec.StartReady(takeName(stamp, in.Name))
		if err == nil {
			err = rec.StartRecording(punchIn)
		}
		if err != nil {
			for _, w := range started {
				w.rec.Stop(true)
			}
			return fmt.Errorf("failed to start recording %s: %w", in.Name, err)
		}
		started = append(started, &waveTake{
			input:   in,
			rec:     rec,
			view:    make([][]float32, len(in.Channels)),
			silence: make([]float32, block),
		})
	}

	delay := punchIn - prerollStart + c.host.OutputLatency().Seconds()
	s.midiActive = s.midiActive[:0]
	for _, name := range s.midiArmed {
		rec := s.midiRecs[name]
		rec.Start(time.Duration(delay * float64(time.Second)))
		s.midiActive = append(s.midiActive, midiTake{input: name, rec: rec})
	}

	s.recording = true
	s.punchIn = punchIn
	s.active.Store(&started)

	slog.Info("Recording inputs", "audio", len(started), "midi", len(s.midiActive), "punch_in", punchIn)
	return nil
}

// StopRecording finishes every take. Kept takes are trimmed to recorded.
func (c *Context) StopRecording(recorded graph.TimeRange, discard bool) error {
	s := &c.inputs
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return nil
	}
	s.recording = false

	var waves []*waveTake
	if p := s.active.Swap(nil); p != nil {
		waves = *p
	}

	var errs []error
	s.takes = s.takes[:0]
	for _, w := range waves {
		path, err := w.rec.Stop(discard)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.input.Name, err))
			continue
		}
		if path != "" {
			s.takes = append(s.takes, Take{Kind: TakeAudio, Input: w.input.Name, Path: path, PunchIn: s.punchIn, Length: recorded.Length()})
		}
	}

	stamp := s.now().Format("20060102_150405")
	for _, m := range s.midiActive {
		events := m.rec.Stop()
		if discard {
			continue
		}
		kept := events[:0]
		for _, e := range events {
			if e.Time <= recorded.Length() {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			continue
		}

		path := filepath.Join(c.opts.RecordDirectory, takeName(stamp, m.input)+".mid")
		if err := midi.WriteSMF(path, kept, c.opts.Tempo.BPM()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.input, err))
			continue
		}
		s.takes = append(s.takes, Take{Kind: TakeMidi, Input: m.input, Path: path, PunchIn: s.punchIn, Length: recorded.Length()})
	}
	s.midiActive = s.midiActive[:0]

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !discard {
		slog.Info("Recording stopped", "takes", len(s.takes), "length", recorded.Length())
	}
	return nil
}

// push hands one block of device input to the active wave takes.
func (s *inputSet) push(in [][]float32, n int, editStart float64) {
	p := s.active.Load()
	if p == nil {
		return
	}
	for _, w := range *p {
		for i, ch := range w.input.Channels {
			if ch < len(in) && len(in[ch]) >= n {
				w.view[i] = in[ch][:n]
			} else {
				w.view[i] = w.silence[:min(n, len(w.silence))]
			}
		}
		w.rec.Push(w.view, min(n, len(w.silence)), editStart)
	}
}

// abort discards whatever is being recorded.
func (s *inputSet) abort() {
	s.c.StopRecording(graph.TimeRange{}, true)
}

func takeName(stamp, input string) string {
	return "take_" + stamp + "_" + strings.ReplaceAll(input, " ", "_")
}

func channelNames(in WaveInput) []string {
	names := make([]string, len(in.Channels))
	for i, ch := range in.Channels {
		names[i] = fmt.Sprintf("%s:in_%d", in.Name, ch+1)
	}
	return names
}
