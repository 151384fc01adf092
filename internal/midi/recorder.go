package midi

import (
	"fmt"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// smfResolution is the number of ticks per quarter note in written files.
const smfResolution = 960

// Recorder captures channel messages from an input while armed. Event
// times are seconds from the punch-in.
type Recorder struct {
	mu        sync.Mutex
	recording bool
	start     time.Time
	events    []TimedMessage

	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Start begins a take, punching in delay from now. Messages arriving
// before the punch-in are dropped.
func (r *Recorder) Start(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.start = r.now().Add(delay)
	r.events = nil
}

// Handle is an InputHandler.
func (r *Recorder) Handle(msg gomidi.Message, _ int32) {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	t := r.now().Sub(r.start).Seconds()
	if t < 0 {
		return
	}
	r.events = append(r.events, TimedMessage{Time: t, Msg: append(gomidi.Message(nil), msg...)})
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Stop ends the take and returns its events.
func (r *Recorder) Stop() []TimedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	events := r.events
	r.events = nil
	return events
}

// WriteSMF writes events as a single-track standard MIDI file at bpm.
func WriteSMF(path string, events []TimedMessage, bpm float64) error {
	if bpm <= 0 {
		bpm = 120
	}
	ticks := smf.MetricTicks(smfResolution)

	s := smf.New()
	s.TimeFormat = ticks

	var tr smf.Track
	tr.Add(0, smf.MetaTempo(bpm))

	var last uint32
	for _, e := range events {
		abs := ticks.Ticks(bpm, time.Duration(e.Time*float64(time.Second)))
		if abs < last {
			abs = last
		}
		tr.Add(abs-last, e.Msg)
		last = abs
	}
	tr.Close(0)

	if err := s.Add(tr); err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	if err := s.WriteFile(path); err != nil {
		return fmt.Errorf("failed to write MIDI file %s: %w", path, err)
	}
	return nil
}
