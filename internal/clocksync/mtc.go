package clocksync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/jamengine/internal/midi"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

const (
	defaultDropout = 100 * time.Millisecond
	dropoutPoll    = 10 * time.Millisecond
	commandQueue   = 64
)

// Transport is the part of a transport that the clock followers drive.
// *transport.Transport implements it.
type Transport interface {
	IsPlaying() bool
	Play(justSendMMC bool) error
	Stop(o transport.StopOptions)
	SetPosition(seconds float64, policy transport.SnapPolicy) error
	SetSpeedCompensation(percent float64)
	HandleMMC(msg gomidi.Message) bool
}

// LocalClock reads the playhead and moves it without going through the
// transport lock.
type LocalClock interface {
	// EditTime returns the timeline position in seconds, if playback is
	// allocated.
	EditTime() (float64, bool)
	PostPosition(seconds float64)
}

type transportClock struct{ t *transport.Transport }

// TransportClock returns the LocalClock of t's current playback context.
func TransportClock(t *transport.Transport) LocalClock { return transportClock{t} }

func (c transportClock) EditTime() (float64, bool) {
	ctx := c.t.Context()
	if ctx == nil || ctx.SampleRate() <= 0 {
		return 0, false
	}
	return playhead.SampleToTime(c.t.PlayHead().Position(), ctx.SampleRate()), true
}

func (c transportClock) PostPosition(seconds float64) {
	if ctx := c.t.Context(); ctx != nil {
		ctx.PostPosition(seconds)
	}
}

// MTCConfig configures an MTCReader.
type MTCConfig struct {
	// IgnoreHours drops the hours field of incoming timecode.
	IgnoreHours bool
	// Offset is subtracted from incoming timecode, in seconds.
	Offset float64
	// Dropout stops playback when no quarter frame arrives for this long.
	Dropout time.Duration
	Drift   DriftConfig
}

// MTCReader chases incoming MIDI timecode and obeys MMC commands. Handle
// runs on the MIDI input goroutine; every transport action is carried out
// on the goroutine running Run.
type MTCReader struct {
	t     Transport
	clock LocalClock
	cfg   MTCConfig

	mu          sync.Mutex
	drift       *DriftCorrector
	hours       int
	minutes     int
	seconds     int
	frames      int
	fpsType     int
	corrected   float64
	jumpPending bool

	commands   chan func()
	playQueued atomic.Bool
	deadline   atomic.Int64
	dropped    atomic.Int64
	now        func() time.Time
}

func NewMTCReader(t Transport, clock LocalClock, cfg MTCConfig) *MTCReader {
	if cfg.Dropout <= 0 {
		cfg.Dropout = defaultDropout
	}
	return &MTCReader{
		t:        t,
		clock:    clock,
		cfg:      cfg,
		drift:    NewDriftCorrector(cfg.Drift),
		fpsType:  1,
		commands: make(chan func(), commandQueue),
		now:      time.Now,
	}
}

// Handle is a midi.InputHandler.
func (r *MTCReader) Handle(msg gomidi.Message, _ int32) {
	switch {
	case len(msg) == 2 && msg[0] == 0xF1:
		r.quarterFrame(msg[1])
	case isFullFrame(msg):
		r.fullFrame(msg)
	default:
		if _, _, _, ok := midi.ParseMMC(msg); ok {
			m := append(gomidi.Message(nil), msg...)
			r.post(func() { r.t.HandleMMC(m) })
		}
	}
}

// Time returns the last assembled timecode with the offset applied.
func (r *MTCReader) Time() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.corrected
}

// Dropped returns how many commands were lost to a full queue.
func (r *MTCReader) Dropped() int64 { return r.dropped.Load() }

func isFullFrame(msg gomidi.Message) bool {
	return len(msg) == 10 && msg[0] == 0xF0 && msg[1] == 0x7F &&
		msg[3] == 0x01 && msg[4] == 0x01 && msg[9] == 0xF7
}

func (r *MTCReader) fps() float64 {
	switch r.fpsType {
	case 0:
		return 24
	case 1:
		return 25
	}
	return 30
}

func (r *MTCReader) timeLocked() float64 {
	t := float64(r.minutes)*60 + float64(r.seconds) + float64(r.frames)/r.fps()
	if r.cfg.IgnoreHours {
		return t
	}
	return float64(r.hours)*3600 + t
}

func (r *MTCReader) fullFrame(msg gomidi.Message) {
	r.mu.Lock()
	r.fpsType = int(msg[5]>>5) & 0x03
	r.hours = int(msg[5] & 0x1F)
	r.minutes = int(msg[6] & 0x3F)
	r.seconds = int(msg[7] & 0x3F)
	r.frames = int(msg[8] & 0x1F)
	r.corrected = r.timeLocked() - r.cfg.Offset
	r.jumpPending = true
	r.mu.Unlock()

	r.post(r.stopAtTimecode)
	r.post(r.locate)
}

func (r *MTCReader) quarterFrame(data byte) {
	piece := (data >> 4) & 0x07
	value := int(data & 0x0F)

	r.deadline.Store(r.now().Add(r.cfg.Dropout).UnixNano())
	if !r.t.IsPlaying() && r.playQueued.CompareAndSwap(false, true) {
		r.post(r.play)
	}

	if piece != 7 {
		r.mu.Lock()
		switch piece {
		case 0:
			r.frames = r.frames&0xF0 | value
		case 1:
			r.frames = r.frames&0x0F | value<<4
		case 2:
			r.seconds = r.seconds&0xF0 | value
		case 3:
			r.seconds = r.seconds&0x0F | value<<4
		case 4:
			r.minutes = r.minutes&0xF0 | value
		case 5:
			r.minutes = r.minutes&0x0F | value<<4
		case 6:
			r.hours = r.hours&0xF0 | value
		}
		r.mu.Unlock()
		return
	}

	local, ok := r.clock.EditTime()

	r.mu.Lock()
	r.hours = r.hours&0x0F | (value<<4)&0x10
	r.fpsType = (value >> 1) & 0x03
	// The frame is complete two frames after its first quarter frame.
	r.corrected = r.timeLocked() + 2/r.fps() - r.cfg.Offset
	corrected := r.corrected
	var c Correction
	if ok && !r.jumpPending {
		c = r.drift.Update(corrected, local)
	}
	r.mu.Unlock()

	if c.Jump {
		slog.Debug("Timecode jump", "from", local, "to", corrected)
		r.clock.PostPosition(corrected)
	}
	r.t.SetSpeedCompensation(c.SpeedComp)
}

func (r *MTCReader) post(fn func()) {
	select {
	case r.commands <- fn:
	default:
		r.dropped.Add(1)
	}
}

func (r *MTCReader) resetDrift() {
	r.mu.Lock()
	r.drift.Reset()
	r.mu.Unlock()
}

func (r *MTCReader) stopAtTimecode() {
	r.deadline.Store(0)
	if !r.t.IsPlaying() {
		return
	}
	r.t.Stop(transport.StopOptions{})
	if err := r.t.SetPosition(r.Time(), transport.SnapNone); err != nil {
		slog.Warn("Failed to locate to timecode", "error", err)
	}
	r.resetDrift()
}

func (r *MTCReader) locate() {
	if err := r.t.SetPosition(r.Time(), transport.SnapNone); err != nil {
		slog.Warn("Failed to locate to timecode", "error", err)
	}
	r.mu.Lock()
	r.drift.Reset()
	r.jumpPending = false
	r.mu.Unlock()
}

func (r *MTCReader) play() {
	r.playQueued.Store(false)
	if r.t.IsPlaying() {
		return
	}
	if err := r.t.Play(false); err != nil {
		slog.Warn("Failed to chase timecode", "error", err)
		return
	}
	r.deadline.Store(r.now().Add(2 * r.cfg.Dropout).UnixNano())
	r.resetDrift()
}

func (r *MTCReader) checkDropout() {
	d := r.deadline.Load()
	if d == 0 || r.now().UnixNano() < d {
		return
	}
	if !r.deadline.CompareAndSwap(d, 0) {
		return
	}
	if r.t.IsPlaying() {
		slog.Info("Timecode stopped", "position", r.Time())
	}
	r.stopAtTimecode()
}

// process runs every queued command and the dropout check.
func (r *MTCReader) process() {
	for {
		select {
		case fn := <-r.commands:
			fn()
		default:
			r.checkDropout()
			return
		}
	}
}

// Run carries out transport actions until ctx is cancelled.
func (r *MTCReader) Run(ctx context.Context) error {
	ticker := time.NewTicker(dropoutPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.commands:
			fn()
		case <-ticker.C:
			r.checkDropout()
		}
	}
}
