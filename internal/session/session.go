// Package session loads arrangement files and builds their playback graph.
//
// An arrangement is a YAML document listing tracks. Each track holds audio
// clips read from WAV files and MIDI clips given as note lists:
//
//	name: demo
//	tempo: {bpm: 96, numerator: 4, denominator: 4}
//	click: {enabled: true, gain_db: -6}
//	tracks:
//	  - name: drums
//	    clips:
//	      - file: drums.wav
//	        start: 0
//	        fade_in: 0.01
//	  - name: bass
//	    midi_output: "IAC Bus 1"
//	    midi_clips:
//	      - start: 4
//	        length: 8
//	        notes:
//	          - {start: 0, length: 0.5, key: 36, velocity: 100}
//
// Relative file paths are resolved against the arrangement's directory.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

var ErrNoTracks = errors.New("arrangement has no tracks")

type TempoConfig struct {
	BPM         float64 `yaml:"bpm"`
	Numerator   int     `yaml:"numerator"`
	Denominator int     `yaml:"denominator"`
}

type ClickConfig struct {
	Enabled bool    `yaml:"enabled"`
	GainDB  float64 `yaml:"gain_db"`
}

// Session is a loaded arrangement.
type Session struct {
	Name   string      `yaml:"name"`
	Tempo  TempoConfig `yaml:"tempo"`
	Click  ClickConfig `yaml:"click"`
	Tracks []Track     `yaml:"tracks"`

	dir   string
	clips map[string]*graph.AudioClip

	mu    sync.Mutex
	mutes map[string]*graph.MuteNode
	muted map[string]bool
}

type Track struct {
	Name       string     `yaml:"name"`
	GainDB     float64    `yaml:"gain_db"`
	Mute       bool       `yaml:"mute"`
	MidiOutput string     `yaml:"midi_output,omitempty"`
	Clips      []Clip     `yaml:"clips,omitempty"`
	MidiClips  []MidiClip `yaml:"midi_clips,omitempty"`
}

// Clip places a section of a WAV file on the timeline. Times are in
// seconds. A zero Length plays to the end of the file.
type Clip struct {
	File         string  `yaml:"file"`
	Start        float64 `yaml:"start"`
	Length       float64 `yaml:"length,omitempty"`
	Offset       float64 `yaml:"offset,omitempty"`
	GainDB       float64 `yaml:"gain_db,omitempty"`
	FadeIn       float64 `yaml:"fade_in,omitempty"`
	FadeOut      float64 `yaml:"fade_out,omitempty"`
	FadeInShape  string  `yaml:"fade_in_shape,omitempty"`
	FadeOutShape string  `yaml:"fade_out_shape,omitempty"`
}

type MidiClip struct {
	Start  float64 `yaml:"start"`
	Length float64 `yaml:"length"`
	Notes  []Note  `yaml:"notes"`
}

// Note times are relative to the start of their clip. Channel is 1-based.
type Note struct {
	Start    float64 `yaml:"start"`
	Length   float64 `yaml:"length"`
	Channel  int     `yaml:"channel,omitempty"`
	Key      int     `yaml:"key"`
	Velocity int     `yaml:"velocity"`
}

// Load reads an arrangement file and decodes every audio file it uses.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read arrangement: %w", err)
	}

	s, err := Parse(bytes.NewReader(data), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if err := s.LoadAudio(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes and validates an arrangement without touching its audio
// files. dir is used to resolve relative file paths.
func Parse(r io.Reader, dir string) (*Session, error) {
	s := &Session{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse arrangement: %w", err)
	}

	s.init(dir)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ForFile returns an arrangement that plays a single WAV file from the
// start, with its audio decoded.
func ForFile(path string) (*Session, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s := &Session{
		Name:   name,
		Tracks: []Track{{Name: name, Clips: []Clip{{File: filepath.Base(path)}}}},
	}
	s.init(filepath.Dir(path))
	if err := s.LoadAudio(); err != nil {
		return nil, err
	}
	return s, nil
}

// init applies defaults after decoding.
func (s *Session) init(dir string) {
	s.dir = dir
	s.clips = make(map[string]*graph.AudioClip)
	s.mutes = make(map[string]*graph.MuteNode)
	s.muted = make(map[string]bool)

	if s.Tempo.BPM == 0 {
		s.Tempo.BPM = 120
	}
	if s.Tempo.Numerator == 0 {
		s.Tempo.Numerator = 4
	}
	if s.Tempo.Denominator == 0 {
		s.Tempo.Denominator = 4
	}
	for i := range s.Tracks {
		t := &s.Tracks[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("Track %d", i+1)
		}
		s.muted[t.Name] = t.Mute
	}
}

// Validate checks the arrangement for values that cannot be played.
func (s *Session) Validate() error {
	if len(s.Tracks) == 0 {
		return ErrNoTracks
	}
	if s.Tempo.BPM <= 0 || s.Tempo.BPM > 999 {
		return fmt.Errorf("tempo.bpm must be between 0 and 999, got %g", s.Tempo.BPM)
	}
	if s.Tempo.Numerator < 1 {
		return fmt.Errorf("tempo.numerator must be positive, got %d", s.Tempo.Numerator)
	}
	switch s.Tempo.Denominator {
	case 1, 2, 4, 8, 16, 32:
	default:
		return fmt.Errorf("tempo.denominator must be a power of two, got %d", s.Tempo.Denominator)
	}

	names := make(map[string]bool, len(s.Tracks))
	for i, t := range s.Tracks {
		prefix := fmt.Sprintf("tracks[%d]", i)
		if names[t.Name] {
			return fmt.Errorf("%s: duplicate track name '%s'", prefix, t.Name)
		}
		names[t.Name] = true

		for j, c := range t.Clips {
			if err := validateClip(c, fmt.Sprintf("%s.clips[%d]", prefix, j)); err != nil {
				return err
			}
		}
		for j, m := range t.MidiClips {
			if err := validateMidiClip(m, fmt.Sprintf("%s.midi_clips[%d]", prefix, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateClip(c Clip, prefix string) error {
	if c.File == "" {
		return fmt.Errorf("%s: 'file' is required", prefix)
	}
	if c.Start < 0 || c.Length < 0 || c.Offset < 0 {
		return fmt.Errorf("%s: start, length and offset must not be negative", prefix)
	}
	if c.FadeIn < 0 || c.FadeOut < 0 {
		return fmt.Errorf("%s: fades must not be negative", prefix)
	}
	if c.Length > 0 && c.FadeIn+c.FadeOut > c.Length {
		return fmt.Errorf("%s: fades (%gs) are longer than the clip (%gs)", prefix, c.FadeIn+c.FadeOut, c.Length)
	}
	if _, err := graph.ParseFadeShape(c.FadeInShape); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if _, err := graph.ParseFadeShape(c.FadeOutShape); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

func validateMidiClip(m MidiClip, prefix string) error {
	if m.Start < 0 {
		return fmt.Errorf("%s: 'start' must not be negative", prefix)
	}
	if m.Length <= 0 {
		return fmt.Errorf("%s: 'length' must be positive", prefix)
	}
	for k, n := range m.Notes {
		np := fmt.Sprintf("%s.notes[%d]", prefix, k)
		if n.Start < 0 || n.Length <= 0 {
			return fmt.Errorf("%s: needs a non-negative start and a positive length", np)
		}
		if n.Key < 0 || n.Key > 127 {
			return fmt.Errorf("%s: key %d out of range 0-127", np, n.Key)
		}
		if n.Velocity < 1 || n.Velocity > 127 {
			return fmt.Errorf("%s: velocity %d out of range 1-127", np, n.Velocity)
		}
		if n.Channel < 0 || n.Channel > 16 {
			return fmt.Errorf("%s: channel %d out of range 1-16", np, n.Channel)
		}
	}
	return nil
}

// LoadAudio decodes every audio file referenced by the arrangement. Files
// already loaded are skipped.
func (s *Session) LoadAudio() error {
	for i, t := range s.Tracks {
		for j, c := range t.Clips {
			path := s.resolve(c.File)
			if _, ok := s.clips[path]; ok {
				continue
			}
			clip, err := graph.LoadWaveFile(path)
			if err != nil {
				return fmt.Errorf("tracks[%d].clips[%d]: %w", i, j, err)
			}
			s.clips[path] = clip
		}
	}
	return nil
}

// AddAudio registers decoded audio for a file name, in place of reading
// it from disk.
func (s *Session) AddAudio(file string, clip *graph.AudioClip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips[s.resolve(file)] = clip
}

// AddTake appends a track playing a recorded WAV file from start. The
// track is named after the input, numbered if that name is taken.
func (s *Session) AddTake(input, file string, start, length float64) (string, error) {
	clip, err := graph.LoadWaveFile(file)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := input
	for i := 2; s.hasTrackLocked(name); i++ {
		name = fmt.Sprintf("%s (%d)", input, i)
	}
	s.clips[s.resolve(file)] = clip
	s.Tracks = append(s.Tracks, Track{
		Name:  name,
		Clips: []Clip{{File: file, Start: start, Length: length}},
	})
	s.muted[name] = false
	return name, nil
}

// TrackNames returns the names of the tracks in order.
func (s *Session) TrackNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.Tracks))
	for i, t := range s.Tracks {
		names[i] = t.Name
	}
	return names
}

func (s *Session) hasTrackLocked(name string) bool {
	for _, t := range s.Tracks {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (s *Session) resolve(file string) string {
	if filepath.IsAbs(file) || s.dir == "" {
		return file
	}
	return filepath.Join(s.dir, file)
}

// clipLength returns how long c plays, using the decoded file when the
// clip has no explicit length.
func (s *Session) clipLength(c Clip) float64 {
	if c.Length > 0 {
		return c.Length
	}
	if audio, ok := s.clips[s.resolve(c.File)]; ok {
		return max(audio.Duration()-c.Offset, 0)
	}
	return 0
}

// Length returns the end of the last clip in seconds.
func (s *Session) Length() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var end float64
	for _, t := range s.Tracks {
		for _, c := range t.Clips {
			end = math.Max(end, c.Start+s.clipLength(c))
		}
		for _, m := range t.MidiClips {
			end = math.Max(end, m.Start+m.Length)
		}
	}
	return end
}

// TempoSequence returns a tempo sequence set to the arrangement's tempo
// and time signature.
func (s *Session) TempoSequence() *tempo.Sequence {
	return tempo.NewSequence(s.Tempo.BPM, s.Tempo.Numerator, s.Tempo.Denominator)
}

// SetMuted mutes or unmutes a track. It takes effect immediately on a
// playing graph.
func (s *Session) SetMuted(track string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.muted[track]; !ok {
		return fmt.Errorf("unknown track: %s", track)
	}
	s.muted[track] = muted
	if m, ok := s.mutes[track]; ok {
		m.SetMuted(muted)
	}
	return nil
}

// IsMuted reports whether a track is muted.
func (s *Session) IsMuted(track string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[track]
}

// dbToGain converts decibels to a linear gain.
func dbToGain(db float64) float32 {
	if db == 0 {
		return 1
	}
	return float32(math.Pow(10, db/20))
}
