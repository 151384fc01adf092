package transport

import (
	"errors"
	"math"
	"testing"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

const fakeRate = 1000.0

type recordStart struct{ preroll, punchIn float64 }

type recordStop struct {
	recorded graph.TimeRange
	discard  bool
}

// fakeContext stands in for the playback context, with Advance playing the
// part of the audio thread.
type fakeContext struct {
	ph  *playhead.PlayHead
	ref int64

	armed        int
	needsRealloc bool
	allocations  int
	releases     int
	clears       int
	speedComp    float64
	startErr     error

	posted    []float64
	recStarts []recordStart
	recStops  []recordStop
	closed    bool
}

func newFakeContext() *fakeContext {
	return &fakeContext{armed: 1, needsRealloc: true}
}

func (f *fakeContext) factory(ph *playhead.PlayHead) (PlaybackContext, error) {
	f.ph = ph
	return f, nil
}

func (f *fakeContext) Advance(n int64) {
	f.ref += n
	f.ph.SetReferenceSampleRange(playhead.RangeWithLength(f.ref, 64))
}

func (f *fakeContext) SampleRate() float64 { return fakeRate }

func (f *fakeContext) PostPosition(s float64) {
	f.posted = append(f.posted, s)
	f.ph.SetPosition(playhead.TimeToSample(s, fakeRate))
}

func (f *fakeContext) PostRollInToLoop(s float64) {
	f.posted = append(f.posted, s)
	f.ph.SetRollInToLoop(playhead.TimeToSample(s, fakeRate))
}

func (f *fakeContext) NeedsReallocation() bool { return f.needsRealloc }

func (f *fakeContext) Allocate(float64) error {
	f.allocations++
	f.needsRealloc = false
	return nil
}

func (f *fakeContext) ReleaseNodes() {
	f.releases++
	f.needsRealloc = true
}

func (f *fakeContext) ClearDevices() { f.clears++ }
func (f *fakeContext) ArmedInputs() int { return f.armed }

func (f *fakeContext) StartRecording(preroll, punchIn float64) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.recStarts = append(f.recStarts, recordStart{preroll, punchIn})
	return nil
}

func (f *fakeContext) StopRecording(r graph.TimeRange, discard bool) error {
	f.recStops = append(f.recStops, recordStop{r, discard})
	return nil
}

func (f *fakeContext) SetSpeedCompensation(p float64) { f.speedComp = p }

func (f *fakeContext) Close() error {
	f.closed = true
	return nil
}

type fakeMMC struct {
	sent []gomidi.Message
}

func (m *fakeMMC) SendMMC(msg gomidi.Message) { m.sent = append(m.sent, msg) }

func newTestTransport(t *testing.T, opts Options) (*Transport, *fakeContext) {
	t.Helper()
	f := newFakeContext()
	tr := New(tempo.NewSequence(120, 4, 4), f.factory, opts)
	t.Cleanup(func() { tr.Close() })
	return tr, f
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestRecordThenStopKeepsRecordingEnd(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())

	var started, saved int
	var stopped []graph.TimeRange
	tr.AddListener(ListenerFuncs{
		OnRecordingStarted: func(float64) { started++ },
		OnRecordingStopped: func(r graph.TimeRange, _ bool) { stopped = append(stopped, r) },
		OnAutoSavePoint:    func() { saved++ },
	})

	if err := tr.SetPosition(5, SnapNone); err != nil {
		t.Fatalf("Failed to set position: %v", err)
	}
	if err := tr.Record(false); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	if !tr.IsRecording() || !tr.IsPlaying() {
		t.Fatal("Expected transport to be recording and playing")
	}
	if len(f.recStarts) != 1 || !approx(f.recStarts[0].preroll, 4.8) || f.recStarts[0].punchIn != 5 {
		t.Fatalf("Expected recording from 4.8 punching in at 5, got %+v", f.recStarts)
	}

	f.Advance(3000)
	tr.Stop(StopOptions{})

	if tr.IsRecording() || tr.IsPlaying() {
		t.Error("Expected transport to be stopped")
	}
	if got := tr.Position(); !approx(got, 7.8) {
		t.Errorf("Expected position at recording end 7.8, got %f", got)
	}
	if len(f.recStops) != 1 || f.recStops[0].discard {
		t.Fatalf("Expected one kept recording, got %+v", f.recStops)
	}
	if r := f.recStops[0].recorded; r.Start != 5 || !approx(r.End, 7.8) {
		t.Errorf("Expected recorded range 5-7.8, got %+v", r)
	}
	if started != 1 || len(stopped) != 1 || saved != 1 {
		t.Errorf("Expected 1 start, 1 stop and 1 save point, got %d, %d and %d", started, len(stopped), saved)
	}
	if f.clears == 0 {
		t.Error("Expected devices to be cleared on stop")
	}
}

func TestRecordThenDiscardReturnsToPunchIn(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())

	saved := 0
	tr.AddListener(ListenerFuncs{OnAutoSavePoint: func() { saved++ }})

	tr.SetPosition(5, SnapNone)
	if err := tr.Record(false); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	f.Advance(3000)
	tr.Stop(StopOptions{DiscardRecordings: true})

	if got := tr.Position(); got != 5 {
		t.Errorf("Expected position back at 5, got %f", got)
	}
	if len(f.recStops) != 1 || !f.recStops[0].discard {
		t.Errorf("Expected a discarded recording, got %+v", f.recStops)
	}
	if saved != 0 {
		t.Error("Expected no save point for a discarded recording")
	}
}

func TestRecordWithCountIn(t *testing.T) {
	opts := DefaultOptions()
	opts.CountInBeats = 4
	tr, f := newTestTransport(t, opts)

	tr.SetPosition(4, SnapNone)
	if err := tr.Record(false); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}

	// 8 beats at 120bpm, minus 4.5 beats of count-in.
	if len(f.recStarts) != 1 || !approx(f.recStarts[0].preroll, 1.75) {
		t.Errorf("Expected preroll from 1.75, got %+v", f.recStarts)
	}
}

func TestRecordRequiresArmedInputs(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	f.armed = 0

	if err := tr.Record(false); !errors.Is(err, ErrNoArmedInputs) {
		t.Errorf("Expected ErrNoArmedInputs, got %v", err)
	}
	if tr.IsPlaying() {
		t.Error("Expected transport to stay stopped")
	}

	opts := DefaultOptions()
	opts.AllowRecordWithoutArmedInputs = true
	tr.SetOptions(opts)
	if err := tr.Record(false); err != nil {
		t.Errorf("Expected recording to be allowed, got %v", err)
	}
}

func TestRecordLoopTooShort(t *testing.T) {
	tr, _ := newTestTransport(t, DefaultOptions())
	tr.SetLoopRange(graph.TimeRange{Start: 1, End: 2})
	tr.SetLooping(true)

	if err := tr.Record(false); !errors.Is(err, ErrLoopTooShort) {
		t.Errorf("Expected ErrLoopTooShort, got %v", err)
	}
}

func TestPlayWhileRecordingStopsRecordingFirst(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())

	if err := tr.Record(false); err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	f.Advance(500)
	if err := tr.Play(false); err != nil {
		t.Fatalf("Failed to play: %v", err)
	}

	if tr.IsRecording() {
		t.Error("Expected recording to have stopped")
	}
	if !tr.IsPlaying() {
		t.Error("Expected transport to be playing")
	}
	if len(f.recStops) != 1 {
		t.Errorf("Expected one stopped recording, got %d", len(f.recStops))
	}
}

func TestStopReturnsToStart(t *testing.T) {
	opts := DefaultOptions()
	opts.ReturnToStartOnStop = true
	tr, f := newTestTransport(t, opts)

	tr.SetPosition(2, SnapNone)
	tr.Play(false)
	f.Advance(1000)
	tr.Stop(StopOptions{})
	if got := tr.Position(); got != 2 {
		t.Errorf("Expected return to 2, got %f", got)
	}

	tr.Play(false)
	f.Advance(1000)
	tr.Stop(StopOptions{InvertReturnToStart: true})
	if got := tr.Position(); !approx(got, 3) {
		t.Errorf("Expected to stay at 3, got %f", got)
	}
}

func TestPlayLoopedStartsAtLoopStart(t *testing.T) {
	tr, _ := newTestTransport(t, DefaultOptions())
	tr.SetLoopRange(graph.TimeRange{Start: 1, End: 3})
	tr.SetLooping(true)
	tr.SetPosition(10, SnapNone)

	if err := tr.Play(false); err != nil {
		t.Fatalf("Failed to play: %v", err)
	}
	if got := tr.Position(); got != 1 {
		t.Errorf("Expected playback from loop start, got %f", got)
	}

	tr.Stop(StopOptions{})
	tr.SetLoopRange(graph.TimeRange{Start: 1, End: 1.005})
	if err := tr.Play(false); !errors.Is(err, ErrLoopTooShort) {
		t.Errorf("Expected ErrLoopTooShort, got %v", err)
	}
}

func TestSetPositionClamps(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())

	tr.SetPosition(-5, SnapNone)
	if got := tr.Position(); got != 0 {
		t.Errorf("Expected clamp to 0, got %f", got)
	}

	tr.SetLoopRange(graph.TimeRange{Start: 1, End: 3})
	tr.SetLooping(true)
	tr.Play(false)

	tr.SetPosition(10, SnapNone)
	if got := f.posted[len(f.posted)-1]; got != 3 {
		t.Errorf("Expected clamp to loop end, got %f", got)
	}
	tr.SetPosition(0.5, SnapNone)
	if got := f.posted[len(f.posted)-1]; got != 1 {
		t.Errorf("Expected clamp to loop start, got %f", got)
	}
}

func TestSetPositionSnaps(t *testing.T) {
	tr, _ := newTestTransport(t, DefaultOptions())

	tests := []struct {
		pos    float64
		policy SnapPolicy
		want   float64
	}{
		{1.3, SnapNone, 1.3},
		{1.3, SnapNearest, 1.5},
		{1.3, SnapDown, 1.0},
		{1.1, SnapUp, 1.5},
		{1.0, SnapUp, 1.0},
	}
	for _, tt := range tests {
		tr.SetPosition(tt.pos, tt.policy)
		if got := tr.Position(); !approx(got, tt.want) {
			t.Errorf("SetPosition(%f, %d): expected %f, got %f", tt.pos, tt.policy, tt.want, got)
		}
	}
}

func TestSetPositionReallocatesInsteadOfJumping(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	tr.Play(false)
	allocations := f.allocations

	f.needsRealloc = true
	if err := tr.SetPosition(2, SnapNone); err != nil {
		t.Fatalf("Failed to set position: %v", err)
	}

	if f.allocations != allocations+1 {
		t.Errorf("Expected the graph to be rebuilt, got %d allocations", f.allocations-allocations)
	}
	if !tr.IsPlaying() {
		t.Error("Expected playback to resume")
	}
	if got := tr.Position(); got != 2 {
		t.Errorf("Expected position 2, got %f", got)
	}
}

func TestSetPositionStopsRecording(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	tr.Record(false)
	f.Advance(100)

	tr.SetPosition(3, SnapNone)
	if tr.IsRecording() {
		t.Error("Expected recording to be stopped by a locate")
	}
	if got := tr.Position(); got != 3 {
		t.Errorf("Expected position 3, got %f", got)
	}
}

func TestNudgeAndScrub(t *testing.T) {
	tr, _ := newTestTransport(t, DefaultOptions())

	tr.SetPosition(1, SnapNone)
	tr.NudgeRight()
	if got := tr.Position(); !approx(got, 1.1) {
		t.Errorf("Expected 1.1 after nudge, got %f", got)
	}
	tr.NudgeLeft()
	tr.NudgeLeft()
	if got := tr.Position(); !approx(got, 0.9) {
		t.Errorf("Expected 0.9 after nudges, got %f", got)
	}

	tr.Scrub(4)
	if got := tr.Position(); !approx(got, 1.1) {
		t.Errorf("Expected 1.1 after scrub, got %f", got)
	}

	opts := DefaultOptions()
	opts.SnapRepeat = true
	tr.SetOptions(opts)

	tr.NudgeRight()
	if got := tr.Position(); !approx(got, 1.5) {
		t.Errorf("Expected next beat at 1.5, got %f", got)
	}
	tr.NudgeLeft()
	if got := tr.Position(); !approx(got, 1.0) {
		t.Errorf("Expected previous beat at 1.0, got %f", got)
	}
}

func TestButtonRepeaters(t *testing.T) {
	tr, _ := newTestTransport(t, DefaultOptions())
	tr.SetPosition(1, SnapNone)

	tr.SetFastForwardButtonDown(true)
	tr.SetFastForwardButtonDown(false)
	if got := tr.Position(); got <= 1 {
		t.Errorf("Expected fast-forward to move forwards, got %f", got)
	}

	pos := tr.Position()
	tr.SetRewindButtonDown(true)
	tr.SetRewindButtonDown(false)
	if got := tr.Position(); got >= pos {
		t.Errorf("Expected rewind to move backwards, got %f", got)
	}

	// Rewind is ignored while fast-forward is held.
	tr.SetFastForwardButtonDown(true)
	pos = tr.Position()
	tr.SetRewindButtonDown(true)
	tr.SetRewindButtonDown(false)
	tr.SetFastForwardButtonDown(false)
	if got := tr.Position(); got < pos {
		t.Errorf("Expected no rewind while fast-forwarding, got %f from %f", got, pos)
	}
}

func TestInhibitCoalescesReallocations(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	if err := tr.EnsureContextAllocated(); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	base := f.allocations

	release := tr.Inhibit()
	tr.TriggerReallocation()
	tr.TriggerReallocation()
	tr.TriggerReallocation()
	tr.Update()
	if f.allocations != base {
		t.Errorf("Expected no reallocation while inhibited, got %d", f.allocations-base)
	}

	release()
	release()
	tr.Update()
	tr.Update()
	if f.allocations != base+1 {
		t.Errorf("Expected exactly one reallocation, got %d", f.allocations-base)
	}
}

func TestPlaySectionAndReset(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	tr.SetPosition(5, SnapNone)

	if err := tr.PlaySectionAndReset(graph.TimeRange{Start: 1, End: 2}); err != nil {
		t.Fatalf("Failed to play section: %v", err)
	}
	if got := tr.Position(); got != 1 {
		t.Errorf("Expected section playback from 1, got %f", got)
	}

	f.Advance(500)
	tr.Update()
	if !tr.IsPlaying() {
		t.Fatal("Expected section to still be playing")
	}

	f.Advance(1000)
	tr.Update()
	if tr.IsPlaying() {
		t.Error("Expected section playback to stop at its end")
	}
	if got := tr.Position(); got != 5 {
		t.Errorf("Expected position restored to 5, got %f", got)
	}
}

func TestUpdateFollowsPlayhead(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())

	var positions []float64
	tr.AddListener(ListenerFuncs{OnPositionChanged: func(p float64) { positions = append(positions, p) }})

	tr.Play(false)
	f.Advance(250)
	positions = nil
	tr.Update()

	if len(positions) != 1 || !approx(positions[0], 0.25) {
		t.Errorf("Expected a position change to 0.25, got %v", positions)
	}

	tr.PlayHead().Stop()
	tr.Update()
	if tr.IsPlaying() {
		t.Error("Expected transport to stop when the playhead stopped")
	}
}

func TestMMC(t *testing.T) {
	opts := DefaultOptions()
	opts.SendMMC = true
	tr, _ := newTestTransport(t, opts)
	mmc := &fakeMMC{}
	tr.SetMMCSender(mmc)

	if err := tr.Play(true); err != nil {
		t.Fatalf("Failed to send MMC play: %v", err)
	}
	if tr.IsPlaying() {
		t.Error("Expected only MMC to be sent")
	}
	if len(mmc.sent) != 1 {
		t.Fatalf("Expected 1 MMC message, got %d", len(mmc.sent))
	}
	if cmd, _, _, ok := midi.ParseMMC(mmc.sent[0]); !ok || cmd != midi.MMCPlay {
		t.Errorf("Expected MMC play, got %v", mmc.sent[0])
	}

	if !tr.HandleMMC(midi.MMCGotoMessage(0, 1, 2, 0)) {
		t.Fatal("Expected locate to be handled")
	}
	if got := tr.Position(); got != 62 {
		t.Errorf("Expected position 62 after locate, got %f", got)
	}

	tr.HandleMMC(midi.MMCMessage(midi.MMCPlay))
	if !tr.IsPlaying() {
		t.Error("Expected incoming MMC play to start playback")
	}
	tr.HandleMMC(midi.MMCMessage(midi.MMCStop))
	if tr.IsPlaying() {
		t.Error("Expected incoming MMC stop to stop playback")
	}

	tr.HandleMMC(midi.MMCMessage(midi.MMCPause))
	if !tr.IsPlaying() {
		t.Error("Expected MMC pause to start a stopped transport")
	}
	tr.HandleMMC(midi.MMCMessage(midi.MMCPause))
	if tr.IsPlaying() {
		t.Error("Expected MMC pause to stop a playing transport")
	}
}

func TestSpeedCompensationReachesContext(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	tr.SetSpeedCompensation(2)
	tr.Play(false)

	if f.speedComp != 2 {
		t.Errorf("Expected speed compensation 2 on new context, got %f", f.speedComp)
	}
	tr.SetSpeedCompensation(-1)
	if f.speedComp != -1 {
		t.Errorf("Expected speed compensation -1, got %f", f.speedComp)
	}
}

func TestManagerStopAll(t *testing.T) {
	m := NewManager()
	a, _ := newTestTransport(t, DefaultOptions())
	b, _ := newTestTransport(t, DefaultOptions())
	m.Register(a)
	m.Register(b)
	m.Register(a)

	a.Play(false)
	b.Record(false)
	if got := m.NumPlaying(); got != 2 {
		t.Fatalf("Expected 2 playing, got %d", got)
	}
	if got := m.NumRecording(); got != 1 {
		t.Fatalf("Expected 1 recording, got %d", got)
	}

	m.StopAll(false, false)
	if got := m.NumPlaying(); got != 0 {
		t.Errorf("Expected all stopped, got %d playing", got)
	}

	m.Unregister(b)
	if got := len(m.Transports()); got != 1 {
		t.Errorf("Expected 1 transport after unregister, got %d", got)
	}
}

func TestRestartResumesPlayback(t *testing.T) {
	tr, f := newTestTransport(t, DefaultOptions())
	tr.Play(false)
	f.Advance(1500)

	resume := tr.Restart(true)
	if tr.IsPlaying() {
		t.Fatal("Expected playback to be stopped while restarting")
	}
	if f.releases == 0 {
		t.Error("Expected nodes to be released")
	}
	resume()

	if !tr.IsPlaying() {
		t.Error("Expected playback to resume")
	}
	if got := tr.Position(); !approx(got, 1.5) {
		t.Errorf("Expected to resume from 1.5, got %f", got)
	}
}
