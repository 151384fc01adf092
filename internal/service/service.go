package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/jamengine/internal/clocksync"
	"github.com/audiolibrelab/jamengine/internal/config"
	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/diskmonitor"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/playback"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/session"
	"github.com/audiolibrelab/jamengine/internal/tempo"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

var ErrNotOpen = errors.New("engine is not open")

// Service is the playback engine as seen by the CLI and the HTTP remote.
type Service interface {
	// Transport operations
	Play() error
	Record() error
	Stop(discard bool) error
	SetPosition(seconds float64) error
	SetLoop(start, end float64, enabled bool) error
	Nudge(forward bool) error
	Scrub(units float64) error

	// Arrangement operations
	SetTrackMuted(track string, muted bool) error
	Takes() []playback.Take

	// Offline operations
	Mix(ctx context.Context) (mix.Result, error)
	RunPipeline(ctx context.Context, steps string) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	Status() Status
	CPU() device.CPUStats
	GetLastError() string
}

// State is the transport state reported by Status.
type State string

const (
	StateStopped   State = "STOPPED"
	StatePlaying   State = "PLAYING"
	StateRecording State = "RECORDING"
)

type Status struct {
	State    State   `json:"state"`
	Session  string  `json:"session"`
	Profile  string  `json:"profile"`
	Position float64 `json:"position"`
	Bar      int     `json:"bar"`
	Beat     float64 `json:"beat"`
	Length   float64 `json:"length"`
	Tempo    float64 `json:"tempo"`

	Looping bool            `json:"looping"`
	Loop    LoopStatus      `json:"loop"`
	Sync    SyncStatus      `json:"sync"`
	Disk    DiskStatus      `json:"disk"`
	CPU     device.CPUStats `json:"cpu"`

	Tracks    []TrackStatus `json:"tracks"`
	LastError string        `json:"last_error,omitempty"`
}

type LoopStatus struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type SyncStatus struct {
	MTC       bool    `json:"mtc"`
	Link      bool    `json:"link"`
	LinkPeers int     `json:"link_peers"`
	LinkTempo float64 `json:"link_tempo,omitempty"`
}

type DiskStatus struct {
	Path   string `json:"path"`
	FreeMB uint64 `json:"free_mb"`
	Low    bool   `json:"low"`
}

type TrackStatus struct {
	Name  string `json:"name"`
	Muted bool   `json:"muted"`
}

// Engine owns the devices, the transport and the clock followers of one
// arrangement.
type Engine struct {
	mu         sync.RWMutex
	cfg        *config.Config
	configFile string
	sess       *session.Session

	devices    *device.Manager
	pool       *graph.Pool
	transports *transport.Manager
	transport  *transport.Transport
	mtc        *clocksync.MTCReader
	link       *clocksync.LinkSync
	linkSess   clocksync.LinkSession
	disk       *diskmonitor.Monitor

	cpu atomic.Pointer[device.CPUStats]

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates an engine for sess. Devices are opened by Open.
func New(cfg *config.Config, configFile string, sess *session.Session) *Engine {
	e := &Engine{
		cfg:        cfg,
		configFile: configFile,
		sess:       sess,
		devices:    device.NewManager(),
		transports: transport.NewManager(),
	}
	e.cpu.Store(&device.CPUStats{})
	return e
}

// Open opens the audio and MIDI devices and sets up the transport and the
// clock followers.
func (e *Engine) Open() error {
	t, err := e.open()
	if err != nil {
		return err
	}
	if err := t.EnsureContextAllocated(); err != nil {
		return fmt.Errorf("failed to allocate playback: %w", err)
	}

	slog.Info("Engine opened", "session", e.sess.Name, "profile", e.GetConfig().Inheritance.Profile,
		"tracks", len(e.sess.TrackNames()), "threads", e.pool.NumThreads())
	return nil
}

func (e *Engine) open() (*transport.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil {
		return nil, errors.New("engine is already open")
	}
	cfg := e.cfg

	opts, err := cfg.TransportOptions()
	if err != nil {
		return nil, err
	}

	if err := e.devices.Init(cfg.Audio.Backend); err != nil {
		return nil, fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	if err := e.devices.Open(cfg.DeviceConfig()); err != nil {
		return nil, err
	}
	e.devices.Dispatcher().SetHorizon(cfg.Midi.StaleHorizon)
	e.devices.AddCPUListener(device.CPUListenerFunc(e.reportCPU))

	e.pool = graph.NewPool(cfg.MixerThreads())

	seq := e.sess.TempoSequence()
	t := transport.New(seq, func(ph *playhead.PlayHead) (transport.PlaybackContext, error) {
		return e.newContext(ph, seq)
	}, opts)
	t.AddListener(transport.ListenerFuncs{
		OnPlaybackStateChanged: func(playing, recording bool) {
			slog.Info("Transport state changed", "playing", playing, "recording", recording)
		},
		OnRecordingStarted: func(punchIn float64) {
			slog.Info("Recording started", "punch_in", punchIn)
		},
		OnRecordingStopped: e.recordingStopped,
	})
	e.transport = t
	e.transports.Register(t)

	if cfg.Sync.MTC.Enabled {
		e.mtc = clocksync.NewMTCReader(t, clocksync.TransportClock(t), cfg.MTCReaderConfig())
	}
	e.attachMidi(t, cfg.Sync.MTC.Input)
	if cfg.Sync.Link.Enabled {
		e.setupLink(t)
	}

	e.disk = diskmonitor.New(diskmonitor.Config{
		Path:     cfg.DiskPath(),
		MinFree:  uint64(cfg.Disk.MinFreeMB) << 20,
		Interval: cfg.Disk.CheckInterval,
	}, e.transports)
	e.disk.AddListener(diskmonitor.ListenerFunc(func(w diskmonitor.Warning) {
		e.setLastError(fmt.Sprintf("Recording stopped: only %d MB free on %s", w.Free>>20, w.Path))
	}))

	return t, nil
}

// attachMidi points the transport's MMC and the timecode reader at the
// currently open MIDI ports. It is called again after the ports reopen.
func (e *Engine) attachMidi(t *transport.Transport, mtcInput string) {
	if outs := e.devices.MidiOutputs(); len(outs) > 0 {
		t.SetMMCSender(outs[0])
	}
	if e.mtc == nil {
		return
	}
	for _, in := range e.devices.MidiInputs() {
		if in.Name() == mtcInput {
			in.AddHandler(e.mtc.Handle)
			slog.Info("Following MIDI timecode", "input", in.Name())
			return
		}
	}
	slog.Warn("MIDI timecode input not open, timecode will not be followed", "input", mtcInput)
}

func (e *Engine) setupLink(t *transport.Transport) {
	ls, err := clocksync.NewLinkSession(t.Sequence().BPM())
	if err != nil {
		slog.Warn("Ableton Link unavailable", "error", err)
		return
	}
	e.linkSess = ls
	e.link = clocksync.NewLinkSync(ls, t.Sequence(), e.devices, t, e.cfg.LinkSyncConfig())
	e.link.SetEnabled(true)
	t.SetStartQuantizer(e.link)
	slog.Info("Ableton Link enabled", "tempo", t.Sequence().BPM())
}

// newContext is the transport's context factory.
func (e *Engine) newContext(ph *playhead.PlayHead, seq *tempo.Sequence) (transport.PlaybackContext, error) {
	e.mu.RLock()
	cfg, pool, link := e.cfg, e.pool, e.link
	e.mu.RUnlock()

	pc := playback.New(e.devices, ph, e.sess.Builder(session.BuildOptions{
		Use64BitAccumulator: cfg.Mixer.Use64BitAccumulator,
		MinChunkSamples:     cfg.Buffering.MinChunkSamples,
	}), playback.Options{
		RecordDirectory: cfg.Output.Directory,
		BitDepth:        cfg.Output.BitDepth,
		Pool:            pool,
		Tempo:           seq,
	})

	for _, in := range cfg.WaveInputs() {
		if err := pc.ArmWaveInput(in); err != nil {
			slog.Warn("Failed to arm audio input", "input", in.Name, "error", err)
		}
	}
	for _, port := range cfg.MidiRecordInputs() {
		if err := pc.ArmMidiInput(port); err != nil {
			slog.Warn("Failed to arm MIDI input", "input", port, "error", err)
		}
	}
	if link != nil {
		pc.SetSynchroniser(link)
	}
	return pc, nil
}

// recordingStopped adds the kept audio takes to the arrangement.
func (e *Engine) recordingStopped(recorded graph.TimeRange, discarded bool) {
	slog.Info("Recording stopped", "start", recorded.Start, "end", recorded.End, "discarded", discarded)
	if discarded {
		return
	}

	added := 0
	for _, take := range e.Takes() {
		if take.Kind != playback.TakeAudio {
			slog.Info("MIDI take saved", "input", take.Input, "file", take.Path)
			continue
		}
		name, err := e.sess.AddTake(take.Input, take.Path, take.PunchIn, take.Length)
		if err != nil {
			slog.Error("Failed to add take to the arrangement", "file", take.Path, "error", err)
			e.setLastError(fmt.Sprintf("Failed to add take %s: %v", take.Path, err))
			continue
		}
		slog.Info("Take added", "track", name, "file", take.Path)
		added++
	}
	if added > 0 {
		if t := e.currentTransport(); t != nil {
			t.TriggerReallocation()
		}
	}
}

func (e *Engine) reportCPU(s device.CPUStats) {
	e.cpu.Store(&s)
	if s.Glitches > 0 {
		slog.Debug("Audio glitches", "count", s.Glitches, "max_load", s.Max)
	}
}

// Run drives the transport, the clock followers and the disk monitor until
// ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	t, mtc, link, disk := e.transport, e.mtc, e.link, e.disk
	interval := e.cfg.Transport.UpdateInterval
	e.mu.RUnlock()

	if t == nil {
		return ErrNotOpen
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.Run(interval, gctx.Done())
		return nil
	})
	if mtc != nil {
		g.Go(func() error { return mtc.Run(gctx) })
	}
	if link != nil {
		g.Go(func() error { return link.Run(gctx) })
	}
	g.Go(func() error { return disk.Run(gctx) })

	return g.Wait()
}

// Close stops playback and releases every device.
func (e *Engine) Close() error {
	// Listeners run on this goroutine and take the engine lock.
	e.transports.StopAll(false, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		e.transports.Unregister(e.transport)
		e.transport = nil
	}
	if e.linkSess != nil {
		e.linkSess.Close()
		e.linkSess = nil
		e.link = nil
	}
	e.mtc = nil
	if err := e.devices.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) currentTransport() *transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport
}

// do runs fn on the open transport, recording any error as the last error.
func (e *Engine) do(what string, fn func(t *transport.Transport) error) error {
	t := e.currentTransport()
	if t == nil {
		return ErrNotOpen
	}
	e.clearLastError()
	if err := fn(t); err != nil {
		slog.Error("Transport operation failed", "operation", what, "error", err)
		e.setLastError(fmt.Sprintf("Failed to %s: %v", what, err))
		return err
	}
	return nil
}

func (e *Engine) Play() error {
	return e.do("play", func(t *transport.Transport) error { return t.Play(false) })
}

func (e *Engine) Record() error {
	return e.do("record", func(t *transport.Transport) error { return t.Record(false) })
}

func (e *Engine) Stop(discard bool) error {
	return e.do("stop", func(t *transport.Transport) error {
		t.Stop(transport.StopOptions{DiscardRecordings: discard, CanSendMMCStop: true})
		return nil
	})
}

func (e *Engine) SetPosition(seconds float64) error {
	return e.do("set position", func(t *transport.Transport) error {
		return t.SetPosition(seconds, transport.SnapNone)
	})
}

func (e *Engine) SetLoop(start, end float64, enabled bool) error {
	return e.do("set loop", func(t *transport.Transport) error {
		if enabled && end-start < 0.01 {
			return transport.ErrLoopTooShort
		}
		if end > start {
			t.SetLoopRange(graph.TimeRange{Start: start, End: end})
		}
		t.SetLooping(enabled)
		return nil
	})
}

func (e *Engine) Nudge(forward bool) error {
	return e.do("nudge", func(t *transport.Transport) error {
		if forward {
			return t.NudgeRight()
		}
		return t.NudgeLeft()
	})
}

func (e *Engine) Scrub(units float64) error {
	return e.do("scrub", func(t *transport.Transport) error { return t.Scrub(units) })
}

func (e *Engine) SetTrackMuted(track string, muted bool) error {
	if err := e.sess.SetMuted(track, muted); err != nil {
		e.setLastError(err.Error())
		return err
	}
	return nil
}

// Takes returns the takes kept by the last recording.
func (e *Engine) Takes() []playback.Take {
	t := e.currentTransport()
	if t == nil {
		return nil
	}
	pc, ok := t.Context().(*playback.Context)
	if !ok {
		return nil
	}
	return pc.Takes()
}

// Mix renders the arrangement, including any takes recorded so far.
func (e *Engine) Mix(ctx context.Context) (mix.Result, error) {
	mixer := mix.New(e.GetConfig())
	res, err := mixer.Mix(ctx, e.sess)
	if err != nil {
		e.setLastError(fmt.Sprintf("Failed to mix: %v", err))
	}
	return res, err
}

// RunPipeline executes a sequence of operations (r=record, m=mix, p=play).
// Record and play run over the length of the arrangement, or until ctx is
// cancelled.
func (e *Engine) RunPipeline(ctx context.Context, steps string) error {
	for _, step := range steps {
		switch step {
		case 'r':
			if err := e.SetPosition(0); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			if err := e.Record(); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			e.waitForEnd(ctx)
			if err := e.Stop(false); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
		case 'm':
			if _, err := e.Mix(ctx); err != nil {
				return fmt.Errorf("pipeline mix failed: %w", err)
			}
		case 'p':
			if err := e.PlayThrough(ctx, 0); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// PlayThrough plays from the given position to the end of the arrangement
// and stops. It returns early when ctx is cancelled.
func (e *Engine) PlayThrough(ctx context.Context, from float64) error {
	if err := e.SetPosition(from); err != nil {
		return err
	}
	if err := e.Play(); err != nil {
		return err
	}
	e.waitForEnd(ctx)
	return e.Stop(false)
}

// waitForEnd blocks until the transport passes the end of the arrangement
// or stops by itself.
func (e *Engine) waitForEnd(ctx context.Context) {
	t := e.currentTransport()
	if t == nil {
		return
	}
	end := e.sess.Length()
	ticker := time.NewTicker(e.GetConfig().Transport.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsPlaying() || t.Position() >= end {
				return
			}
		}
	}
}

// LoadProfile switches to another configuration profile, reopening the
// devices with it. Playing transports are restarted afterwards.
func (e *Engine) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(e.configFile, profile)
	if err != nil {
		err = fmt.Errorf("failed to load profile '%s': %w", profile, err)
		e.setLastError(err.Error())
		return err
	}
	opts, err := newCfg.TransportOptions()
	if err != nil {
		return err
	}

	if e.transports.NumRecording() > 0 {
		return transport.ErrRecording
	}

	e.mu.Lock()
	e.cfg = newCfg
	t := e.transport
	e.mu.Unlock()

	if t == nil {
		return nil
	}

	resume := e.transports.RestartAll(true)
	defer resume()

	if err := e.devices.Open(newCfg.DeviceConfig()); err != nil {
		e.setLastError(fmt.Sprintf("Failed to reopen devices: %v", err))
		return err
	}
	e.devices.Dispatcher().SetHorizon(newCfg.Midi.StaleHorizon)
	e.attachMidi(t, newCfg.Sync.MTC.Input)
	e.pool.SetNumThreads(newCfg.MixerThreads())
	t.SetOptions(opts)
	t.TriggerReallocation()

	slog.Info("Profile loaded", "profile", newCfg.Inheritance.Profile)
	return nil
}

// GetConfig returns the current configuration
func (e *Engine) GetConfig() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Session returns the arrangement being played.
func (e *Engine) Session() *session.Session { return e.sess }

// Devices returns the device manager.
func (e *Engine) Devices() *device.Manager { return e.devices }

func (e *Engine) CPU() device.CPUStats { return *e.cpu.Load() }

func (e *Engine) Status() Status {
	cfg := e.GetConfig()
	st := Status{
		State:     StateStopped,
		Session:   e.sess.Name,
		Profile:   cfg.Inheritance.Profile,
		Length:    e.sess.Length(),
		CPU:       e.CPU(),
		LastError: e.GetLastError(),
	}
	for _, name := range e.sess.TrackNames() {
		st.Tracks = append(st.Tracks, TrackStatus{Name: name, Muted: e.sess.IsMuted(name)})
	}

	e.mu.RLock()
	t, link, mtc, disk := e.transport, e.link, e.mtc, e.disk
	e.mu.RUnlock()

	if t == nil {
		return st
	}
	switch {
	case t.IsRecording():
		st.State = StateRecording
	case t.IsPlaying():
		st.State = StatePlaying
	}
	st.Position = t.Position()
	st.Bar, st.Beat = t.Sequence().BarsAndBeats(st.Position)
	st.Tempo = t.Sequence().BPM()
	st.Looping = t.IsLooping()
	loop := t.LoopRange()
	st.Loop = LoopStatus{Start: loop.Start, End: loop.End}

	st.Sync.MTC = mtc != nil
	if link != nil {
		st.Sync.Link = link.IsEnabled()
		st.Sync.LinkPeers = link.NumPeers()
		st.Sync.LinkTempo = link.SessionTempo()
	}
	if disk != nil {
		st.Disk = DiskStatus{Path: cfg.DiskPath(), FreeMB: disk.Free() >> 20, Low: disk.IsLow()}
	}
	return st
}

// GetLastError returns the most recent error message
func (e *Engine) GetLastError() string {
	e.lastErrorMutex.RLock()
	defer e.lastErrorMutex.RUnlock()
	return e.lastError
}

// setLastError sets the last error message
func (e *Engine) setLastError(err string) {
	e.lastErrorMutex.Lock()
	defer e.lastErrorMutex.Unlock()
	e.lastError = err
	if err != "" {
		slog.Debug("Service error recorded", "error", err)
	}
}

// clearLastError clears the last error message
func (e *Engine) clearLastError() {
	e.lastErrorMutex.Lock()
	defer e.lastErrorMutex.Unlock()
	e.lastError = ""
}

// FormatPosition renders seconds as m:ss.mmm.
func FormatPosition(seconds float64) string {
	if seconds < 0 {
		return "-" + FormatPosition(-seconds)
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	return fmt.Sprintf("%d:%06.3f", m, d.Seconds())
}

// ParsePosition accepts seconds ("12.5") or minutes and seconds ("1:02.5").
func ParsePosition(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var minutes, seconds float64
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if _, err := fmt.Sscanf(s[:i], "%g", &minutes); err != nil {
			return 0, fmt.Errorf("invalid position %q", s)
		}
		s = s[i+1:]
	}
	if _, err := fmt.Sscanf(s, "%g", &seconds); err != nil {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	if minutes < 0 || seconds < 0 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return minutes*60 + seconds, nil
}
