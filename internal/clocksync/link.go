package clocksync

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/jamengine/internal/tempo"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

// ErrLinkUnavailable is returned when the binary was built without Link.
var ErrLinkUnavailable = errors.New("ableton link support not built in (rebuild with -tags abletonlink)")

// LinkCallbacks are invoked from the Link session's own threads.
type LinkCallbacks struct {
	Peers     func(n int)
	Tempo     func(bpm float64)
	StartStop func(playing bool)
}

// LinkSession is an Ableton Link session. Phase and Beat are called from
// the audio thread and must not block.
type LinkSession interface {
	Enable(enabled bool)
	IsEnabled() bool
	NumPeers() int
	Tempo() float64
	SetTempo(bpm float64)
	// Phase returns the session phase now, in [0, quantum).
	Phase(quantum float64) float64
	Beat(quantum float64) float64
	IsPlaying() bool
	SetPlaying(playing bool)
	SetCallbacks(cb LinkCallbacks)
	Close()
}

// LinkHost reports the output timing of the audio device.
type LinkHost interface {
	SampleRate() float64
	BlockSize() int
	OutputLatency() time.Duration
}

// LinkConfig configures a LinkSync.
type LinkConfig struct {
	// Quantum is the phase length in beats. Zero follows the time signature.
	Quantum      float64
	CustomOffset time.Duration
	MinBPM       float64
	MaxBPM       float64
	// HardThreshold is the phase offset in beats above which the
	// playhead jumps.
	HardThreshold float64
	// Gain is the speed compensation in percent per beat of offset.
	Gain         float64
	MaxSpeedComp float64
	// Inhibit suppresses further jumps after a jump.
	Inhibit time.Duration
}

func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		MaxBPM:        999,
		HardThreshold: 1,
		Gain:          250,
		MaxSpeedComp:  10,
		Inhibit:       250 * time.Millisecond,
	}
}

const callbackInhibit = 100 * time.Millisecond

// LinkSync keeps the transport in phase with a Link session. Synchronise
// is called by the playback context on the audio thread; everything the
// session reports is applied on the goroutine running Run.
type LinkSync struct {
	session LinkSession
	seq     *tempo.Sequence
	host    LinkHost
	t       Transport
	cfg     LinkConfig
	drift   *DriftCorrector

	peers    atomic.Int64
	barPhase atomic.Uint64
	chase    atomic.Uint64
	active   bool

	commands chan func()
	jumps    chan jumpRequest
	dropped  atomic.Int64
	now      func() time.Time
}

func NewLinkSync(session LinkSession, seq *tempo.Sequence, host LinkHost, t Transport, cfg LinkConfig) *LinkSync {
	d := DefaultLinkConfig()
	if cfg.MaxBPM <= cfg.MinBPM {
		cfg.MinBPM, cfg.MaxBPM = d.MinBPM, d.MaxBPM
	}
	if cfg.HardThreshold <= 0 {
		cfg.HardThreshold = d.HardThreshold
	}
	if cfg.Gain <= 0 {
		cfg.Gain = d.Gain
	}
	if cfg.MaxSpeedComp <= 0 {
		cfg.MaxSpeedComp = d.MaxSpeedComp
	}
	if cfg.Inhibit <= 0 {
		cfg.Inhibit = d.Inhibit
	}

	l := &LinkSync{
		session: session,
		seq:     seq,
		host:    host,
		t:       t,
		cfg:     cfg,
		drift: NewDriftCorrector(DriftConfig{
			HardThreshold: cfg.HardThreshold,
			Gain:          cfg.Gain,
			MaxSpeedComp:  cfg.MaxSpeedComp,
		}),
		commands: make(chan func(), commandQueue),
		jumps:    make(chan jumpRequest, 1),
		now:      time.Now,
	}
	session.SetCallbacks(LinkCallbacks{
		Peers:     l.peersChanged,
		Tempo:     l.tempoFromLink,
		StartStop: l.startStopFromLink,
	})
	return l
}

// SetEnabled joins or leaves the session.
func (l *LinkSync) SetEnabled(enabled bool) {
	l.session.Enable(enabled)
	if !enabled {
		l.peers.Store(0)
		return
	}
	l.peers.Store(int64(l.session.NumPeers()))
	l.tempoFromLink(l.session.Tempo())
}

func (l *LinkSync) IsEnabled() bool   { return l.session.IsEnabled() }
func (l *LinkSync) IsConnected() bool { return l.peers.Load() > 0 }
func (l *LinkSync) NumPeers() int     { return int(l.peers.Load()) }

// BarPhase returns the session phase seen by the last block, in [0, 1).
func (l *LinkSync) BarPhase() float64 { return math.Float64frombits(l.barPhase.Load()) }

// ChaseProportion returns the last phase offset as a fraction of the
// quantum. Positive means the session is ahead.
func (l *LinkSync) ChaseProportion() float64 { return math.Float64frombits(l.chase.Load()) }

func (l *LinkSync) SessionTempo() float64 { return l.session.Tempo() }

// RequestTempoChange proposes a new tempo to the session.
func (l *LinkSync) RequestTempoChange(bpm float64) { l.session.SetTempo(bpm) }

// RequestStartStopChange proposes starting or stopping to the session.
func (l *LinkSync) RequestStartStopChange(playing bool) { l.session.SetPlaying(playing) }

func (l *LinkSync) quantum() float64 {
	if l.cfg.Quantum > 0 {
		return l.cfg.Quantum
	}
	return float64(l.seq.Numerator())
}

// BeatsUntilNextCycle returns how far the session is from its next
// quantum boundary.
func (l *LinkSync) BeatsUntilNextCycle() float64 {
	q := l.quantum()
	return q - l.session.Phase(q)
}

// Synchronise compares the edit time of the block about to play with the
// session phase and returns the speed compensation to apply.
func (l *LinkSync) Synchronise(editTime float64) (float64, bool) {
	if !l.IsConnected() {
		if l.active {
			l.active = false
			return 0, true
		}
		return 0, false
	}
	l.active = true

	bps := l.seq.BeatsPerSecond()
	q := l.quantum()
	if bps <= 0 || q <= 0 {
		return 0, false
	}

	latency := l.host.OutputLatency().Seconds()
	if rate := l.host.SampleRate(); rate > 0 {
		latency += 2 * float64(l.host.BlockSize()) / rate
	}
	localBeat := l.seq.TimeToBeats(editTime) - latency*bps + l.cfg.CustomOffset.Seconds()*bps
	localPhase := floorMod(localBeat, q)

	linkPhase := l.session.Phase(q)
	l.barPhase.Store(math.Float64bits(linkPhase / q))

	offset := wrapPhase(linkPhase-localPhase, q)
	l.chase.Store(math.Float64bits(offset / q))

	c := l.drift.Correct(offset)
	if c.Jump {
		l.drift.InhibitJumpsUntil(l.now().Add(l.cfg.Inhibit))
		select {
		case l.jumps <- jumpRequest{target: editTime + offset/bps, requested: l.now()}:
		default:
			l.dropped.Add(1)
		}
		return 0, true
	}
	return c.SpeedComp, true
}

// QuantizedStart moves a play start so that it lands in phase with the
// session.
func (l *LinkSync) QuantizedStart(position float64) float64 {
	if !l.IsConnected() {
		return position
	}
	q := l.quantum()
	beat := l.seq.TimeToBeats(position)
	beat += wrapPhase(l.session.Phase(q)-floorMod(beat, q), q)
	return max(0, l.seq.BeatsToTime(beat))
}

// TempoInRange halves or doubles bpm until it fits the configured range.
func (l *LinkSync) TempoInRange(bpm float64) float64 {
	if bpm <= 0 {
		return 0
	}
	lo, hi := l.cfg.MinBPM, l.cfg.MaxBPM
	tooQuick := func(b float64) bool { return b >= hi }
	wasTooQuick := tooQuick(bpm)
	for (bpm < lo || bpm > hi) && tooQuick(bpm) == wasTooQuick {
		if wasTooQuick {
			bpm *= 0.5
		} else {
			bpm *= 2
		}
	}
	return min(max(bpm, lo), hi)
}

// jumpRequest is posted by the audio thread when the transport has to
// move to the session phase.
type jumpRequest struct {
	target    float64
	requested time.Time
}

func (l *LinkSync) jumpTo(target float64, requested time.Time) {
	if !l.t.IsPlaying() {
		return
	}
	target += l.now().Sub(requested).Seconds()
	slog.Debug("Link phase jump", "position", target)
	if err := l.t.SetPosition(max(0, target), transport.SnapNone); err != nil {
		slog.Warn("Failed to follow Link phase", "error", err)
	}
}

func (l *LinkSync) peersChanged(n int) {
	l.peers.Store(int64(n))
	l.post(func() { slog.Info("Link peers changed", "peers", n) })
	if n > 0 {
		l.tempoFromLink(l.session.Tempo())
	}
}

func (l *LinkSync) tempoFromLink(bpm float64) {
	bpm = l.TempoInRange(bpm)
	if bpm <= 0 {
		return
	}
	l.post(func() {
		l.drift.InhibitJumpsUntil(l.now().Add(callbackInhibit))
		if l.seq.BPM() != bpm {
			l.seq.SetBPM(bpm)
			slog.Info("Tempo set by Link", "bpm", bpm)
		}
	})
}

func (l *LinkSync) startStopFromLink(playing bool) {
	l.post(func() {
		l.drift.InhibitJumpsUntil(l.now().Add(callbackInhibit))
		switch {
		case playing && !l.t.IsPlaying():
			if err := l.t.Play(false); err != nil {
				slog.Warn("Failed to start with Link", "error", err)
			}
		case !playing && l.t.IsPlaying():
			l.t.Stop(transport.StopOptions{})
		}
	})
}

func (l *LinkSync) post(fn func()) {
	select {
	case l.commands <- fn:
	default:
		l.dropped.Add(1)
	}
}

func (l *LinkSync) process() {
	for {
		select {
		case fn := <-l.commands:
			fn()
		case j := <-l.jumps:
			l.jumpTo(j.target, j.requested)
		default:
			return
		}
	}
}

// Run applies session changes until ctx is cancelled, then leaves the
// session.
func (l *LinkSync) Run(ctx context.Context) error {
	defer l.session.Enable(false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.commands:
			fn()
		case j := <-l.jumps:
			l.jumpTo(j.target, j.requested)
		}
	}
}

func floorMod(a, b float64) float64 {
	return a - b*math.Floor(a/b)
}

// wrapPhase wraps an offset into [-q/2, q/2).
func wrapPhase(offset, q float64) float64 {
	return floorMod(offset+q/2, q) - q/2
}
