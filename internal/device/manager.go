// Package device owns the audio device and the MIDI ports, and runs the
// audio callback that renders every active playback context.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/jamengine/internal/audio"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
)

// ErrOpenFailed is returned when the audio device cannot be opened. The
// previously known device list is kept.
var ErrOpenFailed = errors.New("failed to open audio device")

// DefaultCPULimit is the smoothed CPU load above which output is muted.
const DefaultCPULimit = 0.98

const (
	cpuMuteDecay   = 0.99
	cpuMuteCeiling = 0.9
	cpuSmoothing   = 0.9
)

// Context is rendered by the audio callback.
type Context interface {
	// FillNextBlock adds n samples into out. in holds the device input.
	FillNextBlock(in, out [][]float32, n int, globalSpeedComp float64)
	// ResyncToGlobalStreamTime aligns the context with the device clock.
	ResyncToGlobalStreamTime(streamTime float64)
}

// CPUStats summarises the audio callback load over a reporting interval.
// Load is the fraction of the block duration spent rendering.
type CPUStats struct {
	Average  float64 `json:"average"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Glitches int     `json:"glitches"`
}

// CPUListener is told the callback load. It is called from a reporting
// goroutine, never from the audio thread.
type CPUListener interface {
	ReportCPUUsage(stats CPUStats)
}

// CPUListenerFunc adapts a function to CPUListener.
type CPUListenerFunc func(CPUStats)

func (f CPUListenerFunc) ReportCPUUsage(s CPUStats) { f(s) }

// Config selects the devices to open.
type Config struct {
	Backend        string
	Device         string
	SampleRate     float64
	BlockSize      int
	InputChannels  int
	OutputChannels int
	// BufferDuration is the backend output buffering.
	BufferDuration time.Duration

	// CPULimit mutes the output while the smoothed load is above it. Zero
	// uses DefaultCPULimit, a negative value disables muting.
	CPULimit float64
	// CPUReportInterval is the number of blocks per CPU report. Zero
	// reports about once a second.
	CPUReportInterval int

	MidiOutputs  []string
	MidiInputs   []string
	MidiPreDelay time.Duration
}

// Manager owns the open devices.
type Manager struct {
	mu sync.Mutex

	newBackend  func(name string) (audio.AudioBackend, error)
	openMidiOut func(name string) (*midi.OutputDevice, error)
	openMidiIn  func(name string) (*midi.InputDevice, error)

	cfg          Config
	backend      audio.AudioBackend
	dev          audio.Device
	knownDevices []string
	midiOuts     []*midi.OutputDevice
	midiIns      []*midi.InputDevice
	dispatcher   *midi.Dispatcher

	sampleRate atomic.Uint64
	blockSize  atomic.Int64
	inputs     atomic.Int64
	outputs    atomic.Int64
	latency    atomic.Int64
	streamTime atomic.Uint64
	speedComp  atomic.Uint64
	cpuLimit   atomic.Uint64
	contexts   atomic.Pointer[[]Context]

	listenersMu sync.Mutex
	listeners   []CPUListener
	reports     chan CPUStats
	stopCPU     chan struct{}
	cpuDone     chan struct{}

	// Owned by the audio thread.
	rt rtState
}

type rtState struct {
	inView   [][]float32
	outView  [][]float32
	silence  [][]float32
	cpuUsage float64
	interval int
	counter  int
	stats    CPUStats
	blocks   int64
	muted    int64
	// contexts skipped rendering and must be resynced to the stream time
	resync bool
}

// NewManager returns a manager with no device open.
func NewManager() *Manager {
	m := &Manager{
		newBackend:  audio.NewBackend,
		openMidiOut: midi.OpenOutput,
		openMidiIn:  midi.OpenInput,
		dispatcher:  midi.NewDispatcher(),
		reports:     make(chan CPUStats, 1),
	}
	m.contexts.Store(&[]Context{})
	return m
}

// Init lists the devices of the configured backend.
func (m *Manager) Init(backendName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend, err := m.newBackend(backendName)
	if err != nil {
		return err
	}
	devices, err := backend.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list audio devices: %w", err)
	}
	m.backend = backend
	m.knownDevices = devices

	slog.Debug("Audio devices", "backend", backend.GetType(), "devices", devices)
	slog.Debug("MIDI ports", "outputs", len(midi.OutPorts()), "inputs", len(midi.InPorts()))
	return nil
}

// KnownDevices returns the devices found by the last successful Init or Open.
func (m *Manager) KnownDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.knownDevices)
}

// Open opens the device described by cfg and then closes the one that was
// open before. When the new device cannot be opened the previous one keeps
// running. MIDI ports that fail to open are logged and skipped.
func (m *Manager) Open(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend := m.backend
	if backend == nil || (cfg.Backend != "" && string(backend.GetType()) != cfg.Backend) {
		b, err := m.newBackend(cfg.Backend)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
		backend = b
	}

	dev, err := backend.Open(audio.DeviceConfig{
		Name:           cfg.Device,
		SampleRate:     cfg.SampleRate,
		BlockSize:      cfg.BlockSize,
		InputChannels:  cfg.InputChannels,
		OutputChannels: cfg.OutputChannels,
		BufferDuration: cfg.BufferDuration,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	if m.dev != nil {
		slog.Debug("Closing previous audio device", "device", m.dev.Name())
	}
	if err := m.closeLocked(); err != nil {
		slog.Warn("Failed to close previous devices", "error", err)
	}

	if devices, err := backend.ListDevices(); err == nil {
		m.knownDevices = devices
	}
	m.backend = backend
	m.dev = dev
	m.cfg = cfg

	m.sampleRate.Store(math.Float64bits(dev.SampleRate()))
	m.blockSize.Store(int64(dev.BlockSize()))
	m.inputs.Store(int64(dev.InputChannels()))
	m.outputs.Store(int64(dev.OutputChannels()))
	m.latency.Store(int64(dev.OutputLatency()))
	m.streamTime.Store(0)

	limit := cfg.CPULimit
	if limit == 0 {
		limit = DefaultCPULimit
	}
	m.cpuLimit.Store(math.Float64bits(limit))

	m.prepareRT(dev, cfg.CPUReportInterval)
	m.openMidi(cfg)

	m.dispatcher.Start()
	m.stopCPU = make(chan struct{})
	m.cpuDone = make(chan struct{})
	go m.reportCPU(m.stopCPU, m.cpuDone)

	for _, c := range *m.contexts.Load() {
		c.ResyncToGlobalStreamTime(0)
	}

	if err := dev.Start(m.process); err != nil {
		m.closeLocked()
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	slog.Info("Audio device opened", "device", dev.Name(), "rate", dev.SampleRate(), "block", dev.BlockSize(),
		"inputs", dev.InputChannels(), "outputs", dev.OutputChannels(), "latency", dev.OutputLatency())
	return nil
}

func (m *Manager) prepareRT(dev audio.Device, reportInterval int) {
	block := dev.BlockSize()
	if reportInterval <= 0 {
		reportInterval = max(1, int(dev.SampleRate())/block)
	}
	m.rt = rtState{
		inView:   make([][]float32, dev.InputChannels()),
		outView:  make([][]float32, dev.OutputChannels()),
		silence:  makeChannels(dev.InputChannels(), block),
		interval: reportInterval,
		counter:  reportInterval,
		stats:    CPUStats{Min: 1},
	}
}

func (m *Manager) openMidi(cfg Config) {
	for _, name := range cfg.MidiOutputs {
		out, err := m.openMidiOut(name)
		if err != nil {
			slog.Warn("Failed to open MIDI output", "port", name, "error", err)
			continue
		}
		out.SetPreDelay(cfg.MidiPreDelay)
		m.midiOuts = append(m.midiOuts, out)
		m.dispatcher.AddDevice(out)
	}
	for _, name := range cfg.MidiInputs {
		in, err := m.openMidiIn(name)
		if err != nil {
			slog.Warn("Failed to open MIDI input", "port", name, "error", err)
			continue
		}
		m.midiIns = append(m.midiIns, in)
	}
}

// Close stops and closes the open devices.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	var errs []error
	if m.dev != nil {
		if err := m.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audio device: %w", err))
		}
		m.dev = nil
	}
	if m.stopCPU != nil {
		close(m.stopCPU)
		<-m.cpuDone
		m.stopCPU, m.cpuDone = nil, nil
	}

	m.dispatcher.Stop()
	for _, out := range m.midiOuts {
		out.SendNoteOffMessages(false)
		m.dispatcher.RemoveDevice(out)
		if err := out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, in := range m.midiIns {
		if err := in.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.midiOuts, m.midiIns = nil, nil
	return errors.Join(errs...)
}

// Device returns the open audio device, or nil.
func (m *Manager) Device() audio.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev
}

func (m *Manager) SampleRate() float64 { return math.Float64frombits(m.sampleRate.Load()) }
func (m *Manager) BlockSize() int      { return int(m.blockSize.Load()) }
func (m *Manager) InputChannels() int  { return int(m.inputs.Load()) }
func (m *Manager) OutputChannels() int { return int(m.outputs.Load()) }

func (m *Manager) OutputLatency() time.Duration { return time.Duration(m.latency.Load()) }

// StreamTime returns the device clock in seconds at the start of the next block.
func (m *Manager) StreamTime() float64 { return math.Float64frombits(m.streamTime.Load()) }

func (m *Manager) Dispatcher() *midi.Dispatcher { return m.dispatcher }

func (m *Manager) MidiOutputs() []*midi.OutputDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.midiOuts)
}

func (m *Manager) MidiInputs() []*midi.InputDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.midiIns)
}

// SetSpeedCompensation sets the speed change, in percent, applied to every
// context on top of its own.
func (m *Manager) SetSpeedCompensation(percent float64) {
	m.speedComp.Store(math.Float64bits(percent))
}

func (m *Manager) SpeedCompensation() float64 { return math.Float64frombits(m.speedComp.Load()) }

// AddContext starts rendering c, resynchronised to the device clock.
func (m *Manager) AddContext(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := *m.contexts.Load()
	if slices.Contains(current, c) {
		return
	}
	c.ResyncToGlobalStreamTime(m.StreamTime())
	next := append(slices.Clone(current), c)
	m.contexts.Store(&next)
}

// RemoveContext stops rendering c. The context is not called again once
// RemoveContext returns and the current block has finished.
func (m *Manager) RemoveContext(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := *m.contexts.Load()
	i := slices.Index(current, c)
	if i < 0 {
		return
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	m.contexts.Store(&next)
}

// NumContexts returns the number of contexts being rendered.
func (m *Manager) NumContexts() int { return len(*m.contexts.Load()) }

// AddCPUListener registers l for CPU reports.
func (m *Manager) AddCPUListener(l CPUListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// process is the audio callback. Blocks larger than the device block size
// are rendered in chunks.
func (m *Manager) process(in, out [][]float32, n int) {
	maxBlock := m.BlockSize()
	if maxBlock <= 0 {
		return
	}
	if n <= maxBlock {
		m.processChunk(in, out, n)
		return
	}

	for start := 0; start < n; start += maxBlock {
		chunk := min(maxBlock, n-start)
		inView := m.rt.inView[:min(len(in), len(m.rt.inView))]
		for i := range inView {
			inView[i] = in[i][start : start+chunk]
		}
		outView := m.rt.outView[:min(len(out), len(m.rt.outView))]
		for i := range outView {
			outView[i] = out[i][start : start+chunk]
		}
		m.processChunk(inView, outView, chunk)
	}
}

func (m *Manager) processChunk(in, out [][]float32, n int) {
	start := time.Now()
	rate := m.SampleRate()

	for _, ch := range out {
		clear(ch[:n])
	}

	limit := math.Float64frombits(m.cpuLimit.Load())
	muted := limit > 0 && m.rt.cpuUsage > limit
	if muted {
		m.rt.cpuUsage = min(cpuMuteCeiling, m.rt.cpuUsage*cpuMuteDecay)
		m.rt.muted++
		m.rt.resync = true
	} else {
		if len(in) == 0 && m.InputChannels() > 0 {
			in = m.rt.silence
		}

		contexts := *m.contexts.Load()
		if m.rt.resync {
			m.rt.resync = false
			for _, c := range contexts {
				c.ResyncToGlobalStreamTime(m.StreamTime())
			}
		}

		sc := m.SpeedCompensation()
		for _, c := range contexts {
			c.FillNextBlock(in, out, n, sc)
		}
		for _, ch := range out {
			graph.SanitizeNonNormals(ch[:n])
		}
	}
	m.streamTime.Store(math.Float64bits(m.StreamTime() + float64(n)/rate))
	m.rt.blocks++

	load := time.Since(start).Seconds() / (float64(n) / rate)
	if !muted {
		m.rt.cpuUsage = cpuSmoothing*m.rt.cpuUsage + (1-cpuSmoothing)*load
	}
	m.accumulateCPU(load)
}

func (m *Manager) accumulateCPU(load float64) {
	rt := &m.rt

	rt.stats.Average += load
	rt.stats.Min = min(rt.stats.Min, load)
	rt.stats.Max = max(rt.stats.Max, load)
	if load > 1 {
		rt.stats.Glitches++
	}

	rt.counter--
	if rt.counter > 0 {
		return
	}
	rt.stats.Average /= float64(rt.interval)
	select {
	case m.reports <- rt.stats:
	default:
	}
	rt.stats = CPUStats{Min: 1}
	rt.counter = rt.interval
}

func (m *Manager) reportCPU(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case s := <-m.reports:
			m.listenersMu.Lock()
			listeners := slices.Clone(m.listeners)
			m.listenersMu.Unlock()

			if s.Glitches > 0 {
				slog.Debug("Audio callback overran", "glitches", s.Glitches, "max", s.Max)
			}
			for _, l := range listeners {
				l.ReportCPUUsage(s)
			}
		}
	}
}

func makeChannels(n, size int) [][]float32 {
	chans := make([][]float32, n)
	for i := range chans {
		chans[i] = make([]float32, size)
	}
	return chans
}
