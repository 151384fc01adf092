//go:build abletonlink

package clocksync

import (
	"sync"

	abletonlink "github.com/DatanoiseTV/abletonlink-go"
)

// ableSession adapts the Link SDK. The audio session state is only used
// from the audio thread; the app session state is shared and locked.
type ableSession struct {
	link  *abletonlink.Link
	audio *abletonlink.SessionState

	mu  sync.Mutex
	app *abletonlink.SessionState
}

// NewLinkSession joins the local Link network at bpm. The session starts
// disabled.
func NewLinkSession(bpm float64) (LinkSession, error) {
	return &ableSession{
		link:  abletonlink.NewLink(bpm),
		audio: abletonlink.NewSessionState(),
		app:   abletonlink.NewSessionState(),
	}, nil
}

func (s *ableSession) Enable(enabled bool) { s.link.Enable(enabled) }
func (s *ableSession) IsEnabled() bool     { return s.link.IsEnabled() }
func (s *ableSession) NumPeers() int       { return int(s.link.NumPeers()) }

func (s *ableSession) Tempo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link.CaptureAppSessionState(s.app)
	return s.app.Tempo()
}

func (s *ableSession) SetTempo(bpm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link.CaptureAppSessionState(s.app)
	s.app.SetTempo(bpm, s.link.ClockMicros())
	s.link.CommitAppSessionState(s.app)
}

func (s *ableSession) Phase(quantum float64) float64 {
	s.link.CaptureAudioSessionState(s.audio)
	return s.audio.PhaseAtTime(s.link.ClockMicros(), quantum)
}

func (s *ableSession) Beat(quantum float64) float64 {
	s.link.CaptureAudioSessionState(s.audio)
	return s.audio.BeatAtTime(s.link.ClockMicros(), quantum)
}

func (s *ableSession) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link.CaptureAppSessionState(s.app)
	return s.app.IsPlaying()
}

func (s *ableSession) SetPlaying(playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link.CaptureAppSessionState(s.app)
	s.app.SetIsPlaying(playing, uint64(s.link.ClockMicros()))
	s.link.CommitAppSessionState(s.app)
}

func (s *ableSession) SetCallbacks(cb LinkCallbacks) {
	if cb.Peers != nil {
		s.link.SetNumPeersCallback(func(n uint64) { cb.Peers(int(n)) })
	}
	if cb.Tempo != nil {
		s.link.SetTempoCallback(cb.Tempo)
	}
	if cb.StartStop != nil {
		s.link.SetStartStopCallback(cb.StartStop)
	}
}

func (s *ableSession) Close() {
	s.link.Enable(false)
	s.link.SetNumPeersCallback(nil)
	s.link.SetTempoCallback(nil)
	s.link.SetStartStopCallback(nil)
	s.audio.Destroy()
	s.app.Destroy()
	s.link.Destroy()
}
