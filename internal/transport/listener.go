package transport

import "github.com/audiolibrelab/jamengine/internal/graph"

// Listener receives transport notifications. Callbacks are made from the
// goroutine that changed the state, after the transport lock is released,
// so they may call back into the Transport.
type Listener interface {
	PlaybackStateChanged(playing, recording bool)
	RecordingStarted(punchIn float64)
	RecordingStopped(recorded graph.TimeRange, discarded bool)
	PositionChanged(seconds float64)
	// AutoSavePoint is fired after a recording has been kept.
	AutoSavePoint()
}

// ListenerFuncs adapts a set of optional functions to the Listener interface.
type ListenerFuncs struct {
	OnPlaybackStateChanged func(playing, recording bool)
	OnRecordingStarted     func(punchIn float64)
	OnRecordingStopped     func(recorded graph.TimeRange, discarded bool)
	OnPositionChanged      func(seconds float64)
	OnAutoSavePoint        func()
}

func (f ListenerFuncs) PlaybackStateChanged(playing, recording bool) {
	if f.OnPlaybackStateChanged != nil {
		f.OnPlaybackStateChanged(playing, recording)
	}
}

func (f ListenerFuncs) RecordingStarted(punchIn float64) {
	if f.OnRecordingStarted != nil {
		f.OnRecordingStarted(punchIn)
	}
}

func (f ListenerFuncs) RecordingStopped(recorded graph.TimeRange, discarded bool) {
	if f.OnRecordingStopped != nil {
		f.OnRecordingStopped(recorded, discarded)
	}
}

func (f ListenerFuncs) PositionChanged(seconds float64) {
	if f.OnPositionChanged != nil {
		f.OnPositionChanged(seconds)
	}
}

func (f ListenerFuncs) AutoSavePoint() {
	if f.OnAutoSavePoint != nil {
		f.OnAutoSavePoint()
	}
}
