// Package transport implements play, record, stop and locate for an
// arrangement. A Transport owns the PlayHead and the lifecycle of the
// playback context that renders the arrangement to the devices.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

// MaxEnd is the furthest position the transport will play to.
const MaxEnd = 48 * 60 * 60.0

const (
	minLoopLength          = 0.01
	minRecordLoopLength    = 2.0
	loopEndPlayMargin      = 0.1
	recordStartSnap        = 0.005
	minPreroll             = 0.2
	dragSettleTime         = 200 * time.Millisecond
	loopRefreshEveryNTicks = 10
)

var (
	ErrLoopTooShort  = errors.New("loop range is too short")
	ErrNoArmedInputs = errors.New("no inputs are armed for recording")
	ErrUserDragging  = errors.New("cannot record while the playhead is being dragged")
	ErrRecording     = errors.New("operation not allowed while recording")
)

// PlaybackContext renders the arrangement into the devices. It is created
// on demand by the Transport's ContextFactory and owned by the Transport.
type PlaybackContext interface {
	SampleRate() float64

	// PostPosition and PostRollInToLoop are picked up at the start of the
	// next rendered block.
	PostPosition(seconds float64)
	PostRollInToLoop(seconds float64)

	// NeedsReallocation reports that the node graph is missing or was
	// built for a different device configuration.
	NeedsReallocation() bool
	Allocate(startSeconds float64) error
	ReleaseNodes()

	// ClearDevices silences every output, sending note-offs to MIDI outputs.
	ClearDevices()

	ArmedInputs() int
	StartRecording(prerollStart, punchIn float64) error
	StopRecording(recorded graph.TimeRange, discard bool) error

	SetSpeedCompensation(percent float64)
	Close() error
}

// ContextFactory builds a playback context driving ph.
type ContextFactory func(ph *playhead.PlayHead) (PlaybackContext, error)

// MMCSender sends MIDI Machine Control messages to the synced devices.
type MMCSender interface {
	SendMMC(msg gomidi.Message)
}

// StartQuantizer delays a play request so that it lands in phase with an
// external clock such as an Ableton Link session.
type StartQuantizer interface {
	QuantizedStart(position float64) float64
}

// Options configures transport behaviour.
type Options struct {
	ReturnToStartOnStop           bool
	AllowRecordWithoutArmedInputs bool
	// CountInBeats is the number of beats played before a recording's punch-in.
	CountInBeats int

	// Snap is the grid used by snapping operations. SnapRepeat makes the
	// rewind and fast-forward buttons jump between grid lines.
	Snap       SnapType
	SnapRepeat bool

	NudgeSeconds  float64
	ScrubInterval float64

	// SendMMC sends MMC play/stop/record/locate on transport actions.
	SendMMC     bool
	TimecodeFPS int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Snap:          SnapType{Kind: SnapBeats, Interval: 1},
		NudgeSeconds:  0.1,
		ScrubInterval: 0.05,
		TimecodeFPS:   25,
	}
}

// StopOptions modifies a Stop.
type StopOptions struct {
	DiscardRecordings   bool
	ClearDevices        bool
	CanSendMMCStop      bool
	InvertReturnToStart bool

	keepPosition bool
}

type sectionPlayer struct {
	end     float64
	restore float64
}

// Transport controls playback of one arrangement.
type Transport struct {
	mu sync.Mutex

	ph      *playhead.PlayHead
	factory ContextFactory
	ctx     PlaybackContext
	seq     *tempo.Sequence
	opts    Options

	mmc       MMCSender
	quantizer StartQuantizer

	listeners []Listener
	pending   []func(Listener)

	position          float64
	loop              graph.TimeRange
	looping           bool
	playing           bool
	recording         bool
	cursorAtPlayStart float64
	recordStart       float64
	speedComp         float64

	inhibitors     int
	reallocPending bool

	userDragging bool
	lastUserDrag time.Time

	section *sectionPlayer
	rewind  *buttonRepeater
	ffwd    *buttonRepeater
	ticks   int

	now func() time.Time
}

// New returns a stopped transport at zero. The playback context is only
// created when it is first needed.
func New(seq *tempo.Sequence, factory ContextFactory, opts Options) *Transport {
	if seq == nil {
		seq = tempo.NewSequence(120, 4, 4)
	}
	t := &Transport{
		ph:                playhead.New(),
		factory:           factory,
		seq:               seq,
		opts:              opts,
		cursorAtPlayStart: -1000,
		now:               time.Now,
	}
	t.rewind = &buttonRepeater{t: t, forward: false}
	t.ffwd = &buttonRepeater{t: t, forward: true}
	return t
}

// unlock releases the lock and fires the notifications queued while it was held.
func (t *Transport) unlock() {
	events := t.pending
	t.pending = nil
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, fn := range events {
		for _, l := range listeners {
			fn(l)
		}
	}
}

func (t *Transport) queue(fn func(Listener)) {
	t.pending = append(t.pending, fn)
}

func (t *Transport) queueStateChanged() {
	playing, recording := t.playing, t.recording
	t.queue(func(l Listener) { l.PlaybackStateChanged(playing, recording) })
}

func (t *Transport) queuePositionChanged() {
	pos := t.position
	t.queue(func(l Listener) { l.PositionChanged(pos) })
}

func (t *Transport) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Transport) RemoveListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = slices.DeleteFunc(t.listeners, func(o Listener) bool { return o == l })
}

func (t *Transport) SetMMCSender(s MMCSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mmc = s
}

func (t *Transport) SetStartQuantizer(q StartQuantizer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quantizer = q
}

func (t *Transport) PlayHead() *playhead.PlayHead { return t.ph }
func (t *Transport) Sequence() *tempo.Sequence    { return t.seq }

func (t *Transport) Options() Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

func (t *Transport) SetOptions(o Options) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts = o
}

// Position returns the current position in seconds.
func (t *Transport) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncPositionLocked()
	return t.position
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

func (t *Transport) IsRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording
}

func (t *Transport) IsLooping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looping
}

func (t *Transport) LoopRange() graph.TimeRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

// Context returns the current playback context, which may be nil.
func (t *Transport) Context() PlaybackContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

func (t *Transport) sampleRateLocked() float64 {
	if t.ctx == nil {
		return 0
	}
	return t.ctx.SampleRate()
}

func (t *Transport) loopSamplesLocked() playhead.SampleRange {
	return playhead.TimeRangeToSamples(t.loop.Start, t.loop.End, t.sampleRateLocked())
}

// syncPositionLocked pulls the position from the playhead while playing
// and the user is not dragging.
func (t *Transport) syncPositionLocked() bool {
	if !t.playing || t.ctx == nil || t.userDragging {
		return false
	}
	if t.now().Sub(t.lastUserDrag) < dragSettleTime {
		return false
	}
	sr := t.ctx.SampleRate()
	if sr <= 0 {
		return false
	}
	pos := playhead.SampleToTime(t.ph.Position(), sr)
	if pos == t.position {
		return false
	}
	t.position = pos
	return true
}

// EnsureContextAllocated creates the playback context if there is none
// and builds its node graph if required.
func (t *Transport) EnsureContextAllocated() error {
	t.mu.Lock()
	defer t.unlock()
	return t.ensureContextLocked()
}

func (t *Transport) ensureContextLocked() error {
	if t.ctx == nil {
		if t.factory == nil {
			return errors.New("no playback context factory configured")
		}
		ctx, err := t.factory(t.ph)
		if err != nil {
			return fmt.Errorf("failed to create playback context: %w", err)
		}
		t.ctx = ctx
		if t.speedComp != 0 {
			ctx.SetSpeedCompensation(t.speedComp)
		}
	}

	if t.ctx.NeedsReallocation() {
		if err := t.ctx.Allocate(t.position); err != nil {
			return fmt.Errorf("failed to allocate playback graph: %w", err)
		}
		slog.Debug("Playback graph allocated", "position", t.position)
	}
	return nil
}

// FreePlaybackContext stops playback and closes the playback context.
func (t *Transport) FreePlaybackContext() error {
	t.mu.Lock()
	defer t.unlock()

	t.stopLocked(StopOptions{ClearDevices: true})
	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Close()
	t.ctx = nil
	return err
}

// TriggerReallocation requests a rebuild of the playback graph. Requests
// are coalesced and carried out by the next Update while no Inhibit is held.
func (t *Transport) TriggerReallocation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reallocPending = true
}

// Inhibit holds off reallocation until the returned func is called.
func (t *Transport) Inhibit() func() {
	t.mu.Lock()
	t.inhibitors++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.inhibitors--
			t.mu.Unlock()
		})
	}
}

func (t *Transport) reallocateLocked() {
	if t.ctx == nil {
		return
	}
	t.syncPositionLocked()
	t.ctx.ReleaseNodes()
	if err := t.ctx.Allocate(t.position); err != nil {
		slog.Error("Failed to reallocate playback graph", "error", err)
		t.stopLocked(StopOptions{})
		return
	}
	t.ctx.PostPosition(t.position)
}

// Restart stops playback, keeping the position, and returns a func that
// resumes it. Nothing happens if the transport is stopped or recording.
func (t *Transport) Restart(clearDevices bool) func() {
	t.mu.Lock()
	wasPlaying := t.playing && !t.recording
	if wasPlaying {
		t.stopLocked(StopOptions{ClearDevices: clearDevices, keepPosition: true})
	}
	t.unlock()

	return func() {
		if !wasPlaying {
			return
		}
		t.mu.Lock()
		defer t.unlock()
		if err := t.playLocked(false); err != nil {
			slog.Error("Failed to restart playback", "error", err)
		}
	}
}

func (t *Transport) sendMMCLocked(msg gomidi.Message) {
	if t.opts.SendMMC && t.mmc != nil {
		t.mmc.SendMMC(msg)
	}
}

func (t *Transport) sendMMCGotoLocked() {
	if !t.opts.SendMMC || t.mmc == nil {
		return
	}
	h, m, s, f := midi.TimecodeParts(t.position, t.opts.TimecodeFPS)
	t.mmc.SendMMC(midi.MMCGotoMessage(h, m, s, f))
}

// Play starts playback from the current position. With justSendMMC set and
// MMC enabled, only the MMC play command is sent so that the synced device
// drives the transport.
func (t *Transport) Play(justSendMMC bool) error {
	t.mu.Lock()
	defer t.unlock()

	if t.recording {
		t.stopLocked(StopOptions{})
	}
	return t.playLocked(justSendMMC)
}

func (t *Transport) playLocked(justSendMMC bool) error {
	if justSendMMC && t.opts.SendMMC && t.mmc != nil {
		t.mmc.SendMMC(midi.MMCMessage(midi.MMCPlay))
		return nil
	}
	if t.playing {
		return nil
	}

	start := t.position
	if t.looping {
		if t.loop.Length() < minLoopLength {
			return ErrLoopTooShort
		}
		if start < t.loop.Start || start > t.loop.End-loopEndPlayMargin {
			start = t.loop.Start
		}
	}
	if t.quantizer != nil {
		start = t.quantizer.QuantizedStart(start)
	}

	if err := t.ensureContextLocked(); err != nil {
		return err
	}

	t.cursorAtPlayStart = t.position
	sr := t.ctx.SampleRate()
	if t.looping {
		t.ph.PlayRange(t.loopSamplesLocked(), true)
	} else {
		t.ph.PlayRange(playhead.TimeRangeToSamples(0, MaxEnd, sr), false)
	}
	t.position = start
	t.ctx.PostPosition(start)
	t.playing = true

	t.sendMMCLocked(midi.MMCMessage(midi.MMCPlay))
	t.queueStateChanged()
	slog.Debug("Playback started", "position", start, "looping", t.looping)
	return nil
}

// Record starts recording the armed inputs, from the loop start if looping
// or the current position otherwise, playing any count-in first.
func (t *Transport) Record(justSendMMC bool) error {
	t.mu.Lock()
	defer t.unlock()
	return t.recordLocked(justSendMMC)
}

func (t *Transport) recordLocked(justSendMMC bool) error {
	if t.recording {
		return nil
	}
	t.section = nil
	if t.playing {
		t.stopLocked(StopOptions{keepPosition: true})
	}
	if t.userDragging {
		return ErrUserDragging
	}

	if justSendMMC && t.opts.SendMMC && t.mmc != nil {
		t.mmc.SendMMC(midi.MMCMessage(midi.MMCRecordStrobe))
		return nil
	}

	if err := t.ensureContextLocked(); err != nil {
		return err
	}
	if !t.opts.AllowRecordWithoutArmedInputs && t.ctx.ArmedInputs() == 0 {
		return ErrNoArmedInputs
	}

	punchIn := t.position
	if t.looping {
		if t.loop.Length() < minRecordLoopLength {
			return fmt.Errorf("cannot record a loop shorter than %gs: %w", minRecordLoopLength, ErrLoopTooShort)
		}
		punchIn = t.loop.Start
	} else if punchIn < recordStartSnap {
		punchIn = 0
	}

	preroll := punchIn
	if t.opts.CountInBeats > 0 {
		beats := t.seq.TimeToBeats(punchIn) - (float64(t.opts.CountInBeats) + 0.5)
		preroll = t.seq.BeatsToTime(beats)
	}
	if punchIn-preroll < minPreroll {
		preroll -= minPreroll
	}

	sr := t.ctx.SampleRate()
	t.cursorAtPlayStart = t.position
	if t.looping {
		t.ph.SetLoopRange(true, t.loopSamplesLocked())
		t.ph.Play()
		t.ctx.PostRollInToLoop(preroll)
	} else {
		t.ph.SetLoopRange(false, playhead.TimeRangeToSamples(0, MaxEnd, sr))
		t.ph.PlayRange(playhead.TimeRangeToSamples(preroll, MaxEnd, sr), false)
		t.ctx.PostPosition(preroll)
	}

	if err := t.ctx.StartRecording(preroll, punchIn); err != nil {
		t.ph.Stop()
		t.ctx.ClearDevices()
		return fmt.Errorf("failed to start recording: %w", err)
	}

	t.position = preroll
	t.recordStart = punchIn
	t.recording = true
	t.playing = true

	t.sendMMCLocked(midi.MMCMessage(midi.MMCRecordStrobe))
	t.queue(func(l Listener) { l.RecordingStarted(punchIn) })
	t.queueStateChanged()
	slog.Info("Recording started", "punch_in", punchIn, "preroll", preroll)
	return nil
}

// Stop halts playback and recording.
func (t *Transport) Stop(o StopOptions) {
	t.mu.Lock()
	defer t.unlock()
	t.stopLocked(o)
}

// StopIfRecording stops, keeping the recording, only if recording.
func (t *Transport) StopIfRecording() {
	t.mu.Lock()
	defer t.unlock()
	t.stopIfRecordingLocked()
}

func (t *Transport) stopIfRecordingLocked() {
	if t.recording {
		t.stopLocked(StopOptions{})
	}
}

func (t *Transport) stopLocked(o StopOptions) {
	if !t.playing && !t.recording {
		return
	}

	if t.userDragging {
		t.userDragging = false
		t.ph.SetUserIsDragging(false)
	}

	t.syncPositionLocked()
	pos := t.position
	wasRecording := t.recording

	switch {
	case t.recording && t.ctx != nil:
		sr := t.ctx.SampleRate()
		endUnlooped := playhead.SampleToTime(t.ph.UnloopedPosition(), sr)
		endLooped := playhead.SampleToTime(t.ph.Position(), sr)
		recorded := graph.TimeRange{Start: t.recordStart, End: math.Max(t.recordStart, endUnlooped)}

		if err := t.ctx.StopRecording(recorded, o.DiscardRecordings); err != nil {
			slog.Error("Failed to stop recording", "error", err)
		}

		switch {
		case o.DiscardRecordings:
			pos = t.recordStart
		case t.looping:
			pos = endLooped
		default:
			pos = endUnlooped
		}

		discarded := o.DiscardRecordings
		t.queue(func(l Listener) { l.RecordingStopped(recorded, discarded) })
		if !discarded {
			t.queue(func(l Listener) { l.AutoSavePoint() })
		}
		slog.Info("Recording stopped", "start", recorded.Start, "end", recorded.End, "discarded", discarded)

	case t.section != nil:
		pos = t.section.restore

	case o.keepPosition:

	case t.opts.ReturnToStartOnStop != o.InvertReturnToStart && t.cursorAtPlayStart >= 0:
		pos = t.cursorAtPlayStart
	}
	t.section = nil

	t.ph.Stop()
	t.playing = false
	t.recording = false

	if t.ctx != nil {
		t.ctx.ClearDevices()
		if o.ClearDevices {
			t.ctx.ReleaseNodes()
		}
	}

	t.position = math.Max(0, pos)
	if t.ctx != nil {
		t.ctx.PostPosition(t.position)
	}

	if o.CanSendMMCStop || wasRecording {
		t.sendMMCLocked(midi.MMCMessage(midi.MMCStop))
	}
	t.queueStateChanged()
	t.queuePositionChanged()
}

// SetPosition moves the transport, snapping according to policy. A
// recording in progress is stopped first.
func (t *Transport) SetPosition(seconds float64, policy SnapPolicy) error {
	t.mu.Lock()
	defer t.unlock()
	t.section = nil
	return t.setPositionLocked(seconds, policy)
}

func (t *Transport) setPositionLocked(seconds float64, policy SnapPolicy) error {
	t.stopIfRecordingLocked()

	if policy != SnapNone && t.opts.Snap.IsValid() {
		seconds = t.opts.Snap.Round(seconds, policy, t.seq)
	}
	if t.playing && t.looping {
		seconds = math.Min(math.Max(seconds, t.loop.Start), t.loop.End)
	}
	seconds = math.Min(math.Max(seconds, 0), MaxEnd)

	t.position = seconds

	if t.ctx != nil && t.ctx.NeedsReallocation() {
		wasPlaying := t.playing
		if wasPlaying {
			t.ph.Stop()
			t.playing = false
		}
		t.ctx.ReleaseNodes()
		if err := t.ensureContextLocked(); err != nil {
			t.queueStateChanged()
			return err
		}
		if wasPlaying {
			if err := t.playLocked(false); err != nil {
				return err
			}
		} else {
			t.ctx.PostPosition(seconds)
		}
	} else if t.ctx != nil {
		t.ctx.PostPosition(seconds)
	}

	t.queuePositionChanged()
	t.sendMMCGotoLocked()
	return nil
}

// SetLoopRange changes the loop range. A recording in progress is stopped.
func (t *Transport) SetLoopRange(r graph.TimeRange) {
	t.mu.Lock()
	defer t.unlock()

	t.stopIfRecordingLocked()
	if r.End < r.Start {
		r.Start, r.End = r.End, r.Start
	}
	t.loop = graph.TimeRange{Start: math.Max(0, r.Start), End: math.Min(MaxEnd, r.End)}
	if t.playing && t.looping && t.ctx != nil {
		t.ph.SetLoopRange(true, t.loopSamplesLocked())
	}
}

// SetLooping enables or disables looping. A recording in progress is stopped.
func (t *Transport) SetLooping(looping bool) {
	t.mu.Lock()
	defer t.unlock()

	t.stopIfRecordingLocked()
	if t.looping == looping {
		return
	}
	t.looping = looping

	if t.playing && t.ctx != nil {
		if looping {
			t.ph.SetLoopRange(true, t.loopSamplesLocked())
		} else {
			t.ph.SetLoopRange(false, playhead.TimeRangeToSamples(0, MaxEnd, t.ctx.SampleRate()))
		}
	}
	t.queueStateChanged()
}

// SetUserDragging puts the playhead into scrubbing mode while the user
// drags the position.
func (t *Transport) SetUserDragging(dragging bool) {
	t.mu.Lock()
	defer t.unlock()

	if dragging == t.userDragging {
		return
	}
	if dragging {
		t.stopIfRecordingLocked()
	}
	t.userDragging = dragging
	t.lastUserDrag = t.now()
	t.ph.SetUserIsDragging(dragging)
}

func (t *Transport) IsUserDragging() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userDragging
}

// Scrub moves the position by units multiples of the scrub interval,
// snapping in the direction of travel if a grid is set.
func (t *Transport) Scrub(units float64) error {
	t.mu.Lock()
	defer t.unlock()
	return t.scrubLocked(units)
}

func (t *Transport) scrubLocked(units float64) error {
	t.syncPositionLocked()
	delta := units * t.opts.ScrubInterval
	if delta == 0 {
		return nil
	}
	return t.setPositionLocked(t.position+delta, SnapNone)
}

func (t *Transport) NudgeLeft() error  { return t.nudge(false) }
func (t *Transport) NudgeRight() error { return t.nudge(true) }

func (t *Transport) nudge(forward bool) error {
	t.mu.Lock()
	defer t.unlock()
	return t.nudgeLocked(forward)
}

func (t *Transport) nudgeLocked(forward bool) error {
	t.syncPositionLocked()
	t.section = nil
	pos := t.position
	switch {
	case t.opts.SnapRepeat && t.opts.Snap.IsValid() && forward:
		pos = t.opts.Snap.Next(pos, t.seq)
	case t.opts.SnapRepeat && t.opts.Snap.IsValid():
		pos = t.opts.Snap.Previous(pos, t.seq)
	case forward:
		pos += t.opts.NudgeSeconds
	default:
		pos -= t.opts.NudgeSeconds
	}
	return t.setPositionLocked(pos, SnapNone)
}

// SetRewindButtonDown starts or stops the accelerating rewind.
func (t *Transport) SetRewindButtonDown(down bool) {
	t.mu.Lock()
	defer t.unlock()
	t.rewind.setDown(down)
}

// SetFastForwardButtonDown starts or stops the accelerating fast-forward.
func (t *Transport) SetFastForwardButtonDown(down bool) {
	t.mu.Lock()
	defer t.unlock()
	t.ffwd.setDown(down)
}

// PlaySectionAndReset plays r once and then returns to the position held
// before the call.
func (t *Transport) PlaySectionAndReset(r graph.TimeRange) error {
	t.mu.Lock()
	defer t.unlock()

	if t.recording {
		return ErrRecording
	}
	if r.Length() <= 0 {
		return fmt.Errorf("invalid section %.3f-%.3f", r.Start, r.End)
	}

	restore := t.position
	if t.section != nil {
		restore = t.section.restore
	}
	if t.playing {
		t.stopLocked(StopOptions{keepPosition: true})
	}
	if err := t.setPositionLocked(r.Start, SnapNone); err != nil {
		return err
	}

	wasLooping := t.looping
	t.looping = false
	err := t.playLocked(false)
	t.looping = wasLooping
	if err != nil {
		return err
	}
	t.section = &sectionPlayer{end: r.End, restore: restore}
	return nil
}

// SetSpeedCompensation nudges the playback rate by percent, used for drift
// correction against an external clock.
func (t *Transport) SetSpeedCompensation(percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speedComp = percent
	if t.ctx != nil {
		t.ctx.SetSpeedCompensation(percent)
	}
}

// HandleMMC reacts to an incoming MMC message from a synced device.
func (t *Transport) HandleMMC(msg gomidi.Message) bool {
	cmd, g, isGoto, ok := midi.ParseMMC(msg)
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.unlock()

	var err error
	switch {
	case isGoto:
		err = t.setPositionLocked(g.Time(float64(t.opts.TimecodeFPS)), SnapNone)
	case cmd == midi.MMCPlay || cmd == midi.MMCDeferredPlay:
		if t.recording {
			t.stopLocked(StopOptions{})
		}
		err = t.playLocked(false)
	case cmd == midi.MMCRecordStrobe:
		err = t.recordLocked(false)
	case cmd == midi.MMCStop:
		t.stopLocked(StopOptions{})
	case cmd == midi.MMCPause:
		if t.playing {
			t.stopLocked(StopOptions{})
		} else {
			err = t.playLocked(false)
		}
	case cmd == midi.MMCFastForward:
		err = t.nudgeLocked(true)
	case cmd == midi.MMCRewind:
		err = t.nudgeLocked(false)
	case cmd == midi.MMCRecordExit:
		t.stopIfRecordingLocked()
	default:
		return false
	}
	if err != nil {
		slog.Warn("Failed to handle MMC command", "command", cmd, "error", err)
	}
	return true
}

// Update performs the periodic housekeeping: carrying out pending
// reallocations, following the playhead and finishing section playback.
// It is driven by a timer, roughly every 50ms.
func (t *Transport) Update() {
	t.mu.Lock()
	defer t.unlock()

	t.ticks++

	if t.reallocPending && t.inhibitors == 0 && !t.recording {
		t.reallocPending = false
		t.reallocateLocked()
	}

	if t.ctx == nil || (!t.playing && !t.recording) {
		return
	}

	if t.ph.IsStopped() {
		t.stopLocked(StopOptions{keepPosition: true})
		return
	}

	if t.syncPositionLocked() {
		t.queuePositionChanged()
	}

	if t.position >= MaxEnd {
		t.stopLocked(StopOptions{keepPosition: true})
		return
	}

	if t.section != nil && t.position >= t.section.end {
		t.stopLocked(StopOptions{})
		return
	}

	if t.looping && t.ticks%loopRefreshEveryNTicks == 0 {
		t.ph.SetLoopRange(true, t.loopSamplesLocked())
	}
}

// Run calls Update every interval until done is closed.
func (t *Transport) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Update()
		}
	}
}

// Close stops the button repeaters and frees the playback context.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.rewind.setDown(false)
	t.ffwd.setDown(false)
	t.unlock()
	return t.FreePlaybackContext()
}
