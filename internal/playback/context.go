// Package playback renders an arrangement's node graph into the audio
// device, driving it from a Transport's PlayHead, forwarding its MIDI to
// the output devices and recording the armed inputs.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
	"github.com/audiolibrelab/jamengine/internal/playhead"
	"github.com/audiolibrelab/jamengine/internal/tempo"
)

// MaxSpeedCompensation is the largest speed change, in percent, applied
// when rendering a block.
const MaxSpeedCompensation = 10.0

// Host is the device side of a playback context.
type Host interface {
	SampleRate() float64
	BlockSize() int
	InputChannels() int
	OutputChannels() int
	OutputLatency() time.Duration

	Dispatcher() *midi.Dispatcher
	MidiOutputs() []*midi.OutputDevice
	MidiInputs() []*midi.InputDevice

	AddContext(c device.Context)
	RemoveContext(c device.Context)
}

// Synchroniser is told the edit time of every block while playing. It may
// return a speed compensation for the context to apply from the next
// block. The Link clock follower implements it.
type Synchroniser interface {
	Synchronise(editTime float64) (speedComp float64, ok bool)
}

// BuildEnv is handed to a GraphBuilder.
type BuildEnv struct {
	SampleRate  float64
	BlockSize   int
	NumChannels int
	Pool        *graph.Pool
	Tempo       *tempo.Sequence

	sinks map[string]*midiSink
}

// MidiOutput returns the sink for the named MIDI output, or nil if there
// is no such device.
func (e *BuildEnv) MidiOutput(name string) graph.MidiSink {
	if s, ok := e.sinks[name]; ok {
		return s
	}
	return nil
}

// DefaultMidiOutput returns the sink of the first MIDI output, or nil.
func (e *BuildEnv) DefaultMidiOutput() graph.MidiSink {
	var first *midiSink
	for _, s := range e.sinks {
		if first == nil || s.order < first.order {
			first = s
		}
	}
	if first == nil {
		return nil
	}
	return first
}

// GraphBuilder builds the node graph of an arrangement.
type GraphBuilder func(env *BuildEnv) (graph.Node, error)

// Options configures a Context.
type Options struct {
	// RecordDirectory receives the recorded takes.
	RecordDirectory string
	BitDepth        int
	Pool            *graph.Pool
	Tempo           *tempo.Sequence
	// Rendering marks the context as an offline render.
	Rendering bool
}

type moveKind uint8

const (
	moveTo moveKind = iota
	rollInTo
)

type postedMove struct {
	kind    moveKind
	seconds float64
}

// Context renders one arrangement into a Host. It implements
// transport.PlaybackContext and device.Context.
type Context struct {
	host    Host
	ph      *playhead.PlayHead
	builder GraphBuilder
	opts    Options

	// renderMu is held for the whole of a block and briefly when the graph
	// is swapped.
	renderMu      sync.Mutex
	root          graph.Node
	sinks         []*midiSink
	allocatedRate float64
	allocatedSize int
	scratch       *graph.AudioBuffer
	midiScratch   *graph.MidiBuffer
	outMsgs       []midi.TimedMessage
	refPos        int64
	streamTime    float64
	wasStopped    bool
	firstBlock    bool

	posted       atomic.Pointer[postedMove]
	speedComp    atomic.Uint64
	synchroniser atomic.Pointer[syncHolder]

	inputs inputSet

	closeOnce sync.Once
}

type syncHolder struct{ s Synchroniser }

// New creates a context rendering the graph built by builder and adds it
// to host. The graph is built on the first Allocate.
func New(host Host, ph *playhead.PlayHead, builder GraphBuilder, opts Options) *Context {
	if opts.Tempo == nil {
		opts.Tempo = tempo.NewSequence(120, 4, 4)
	}
	c := &Context{
		host:        host,
		ph:          ph,
		builder:     builder,
		opts:        opts,
		scratch:     &graph.AudioBuffer{},
		midiScratch: graph.NewMidiBuffer(256),
		firstBlock:  true,
	}
	c.inputs.init(c)
	host.AddContext(c)
	return c
}

func (c *Context) SampleRate() float64 { return c.host.SampleRate() }

// PlayHead returns the playhead the context renders from.
func (c *Context) PlayHead() *playhead.PlayHead { return c.ph }

// SetSynchroniser installs s to be told the edit time of every block. A
// nil s removes it.
func (c *Context) SetSynchroniser(s Synchroniser) {
	if s == nil {
		c.synchroniser.Store(nil)
		return
	}
	c.synchroniser.Store(&syncHolder{s: s})
}

func (c *Context) PostPosition(seconds float64) {
	c.posted.Store(&postedMove{kind: moveTo, seconds: seconds})
}

func (c *Context) PostRollInToLoop(seconds float64) {
	c.posted.Store(&postedMove{kind: rollInTo, seconds: seconds})
}

func (c *Context) SetSpeedCompensation(percent float64) {
	c.speedComp.Store(math.Float64bits(percent))
}

// SpeedCompensation returns the context's own speed compensation in percent.
func (c *Context) SpeedCompensation() float64 {
	return math.Float64frombits(c.speedComp.Load())
}

func (c *Context) NeedsReallocation() bool {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return c.root == nil ||
		c.allocatedRate != c.host.SampleRate() ||
		c.allocatedSize != c.host.BlockSize()
}

// maxRenderSize is the largest number of samples rendered for one host
// block once speed compensation is applied.
func maxRenderSize(blockSize int) int {
	return int(math.Ceil(float64(blockSize)*(1+MaxSpeedCompensation*0.01))) + 1
}

// Allocate builds and prepares a new graph, then swaps it in. The
// previous graph is released after the swap.
func (c *Context) Allocate(startSeconds float64) error {
	rate := c.host.SampleRate()
	block := c.host.BlockSize()
	channels := c.host.OutputChannels()
	if rate <= 0 || block <= 0 {
		return errors.New("audio device is not open")
	}

	sinks := make([]*midiSink, 0, len(c.host.MidiOutputs()))
	env := &BuildEnv{
		SampleRate:  rate,
		BlockSize:   block,
		NumChannels: channels,
		Pool:        c.opts.Pool,
		Tempo:       c.opts.Tempo,
		sinks:       make(map[string]*midiSink),
	}
	for i, dev := range c.host.MidiOutputs() {
		s := newMidiSink(dev, i)
		sinks = append(sinks, s)
		env.sinks[dev.Name()] = s
	}

	root, err := c.builder(env)
	if err != nil {
		return fmt.Errorf("failed to build playback graph: %w", err)
	}

	if root == nil {
		root = emptyNode{}
	}
	renderSize := maxRenderSize(block)
	root.Prepare(graph.PlayInfo{
		StartSample: playhead.TimeToSample(startSeconds, rate),
		SampleRate:  rate,
		BlockSize:   renderSize,
		NumChannels: channels,
		PlayHead:    c.ph,
	})

	scratch := graph.NewAudioBuffer(channels, renderSize)
	outMsgs := make([]midi.TimedMessage, 0, midiBlockCapacity)
	blockLength := time.Duration(float64(block) / rate * float64(time.Second))
	for _, dev := range c.host.MidiOutputs() {
		dev.SetBlockLength(blockLength)
	}

	c.renderMu.Lock()
	old := c.root
	c.root = root
	c.sinks = sinks
	c.scratch = scratch
	c.outMsgs = outMsgs
	c.allocatedRate = rate
	c.allocatedSize = block
	c.firstBlock = true
	c.renderMu.Unlock()

	if old != nil {
		old.Release()
	}

	slog.Debug("Playback graph allocated", "rate", rate, "block", block, "channels", channels, "midi_outputs", len(sinks))
	return nil
}

func (c *Context) ReleaseNodes() {
	c.renderMu.Lock()
	old := c.root
	c.root = nil
	c.sinks = nil
	c.renderMu.Unlock()

	if old != nil {
		old.Release()
	}
}

// ClearDevices drops every queued MIDI message and releases sounding
// notes on all outputs.
func (c *Context) ClearDevices() {
	d := c.host.Dispatcher()
	if d == nil {
		return
	}
	for _, dev := range c.host.MidiOutputs() {
		d.SendAllNotesOff(dev)
	}
}

// ResyncToGlobalStreamTime aligns the context's reference clock with the
// device's stream time, keeping the timeline position.
func (c *Context) ResyncToGlobalStreamTime(streamTime float64) {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	pos := c.ph.Position()
	c.streamTime = streamTime
	c.refPos = playhead.TimeToSample(streamTime, c.host.SampleRate())
	c.ph.SetReferenceSampleRange(playhead.RangeWithLength(c.refPos, int64(c.host.BlockSize())))
	c.ph.OverridePosition(pos)
	c.firstBlock = true
}

// StreamTime returns the stream time of the next block.
func (c *Context) StreamTime() float64 {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return c.streamTime
}

// FillNextBlock renders n samples and adds them into out. in holds the
// device input for the same block. It is called on the audio thread.
func (c *Context) FillNextBlock(in, out [][]float32, n int, globalSpeedComp float64) {
	if n <= 0 {
		return
	}

	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	rate := c.host.SampleRate()
	if rate <= 0 {
		return
	}

	sc := c.SpeedCompensation() + globalSpeedComp
	sc = min(max(sc, -MaxSpeedCompensation), MaxSpeedCompensation)
	length := int(math.Round(float64(n) * (1 + sc*0.01)))
	length = min(max(length, 1), c.scratch.NumSamples())
	if length <= 0 {
		length = n
	}

	ref := playhead.RangeWithLength(c.refPos, int64(length))
	c.refPos += int64(length)
	c.ph.SetReferenceSampleRange(ref)

	continuity := graph.Contiguous
	if c.firstBlock {
		continuity = 0
		c.firstBlock = false
	}
	if p := c.posted.Swap(nil); p != nil {
		sample := playhead.TimeToSample(p.seconds, rate)
		if p.kind == rollInTo {
			c.ph.SetRollInToLoop(sample)
		} else {
			c.ph.SetPosition(sample)
		}
		continuity = graph.PlayheadJumped
	}

	streamStart := c.streamTime
	c.streamTime += float64(n) / rate

	if d := c.host.Dispatcher(); d != nil {
		d.SetMasterTime(streamStart)
	}

	editStart := playhead.SampleToTime(c.ph.UnloopedPosition(), rate)
	playing := c.ph.IsPlaying()
	if h := c.synchroniser.Load(); h != nil && playing {
		if sc, ok := h.s.Synchronise(playhead.SampleToTime(c.ph.Position(), rate)); ok {
			c.SetSpeedCompensation(sc)
		}
	}

	if !playing {
		c.wasStopped = true
	} else if c.root != nil {
		if c.wasStopped {
			continuity = graph.PlayheadJumped
			c.wasStopped = false
		}
		c.render(ref, streamStart, n, length, continuity, out)
	}

	if playing {
		latency := c.host.OutputLatency().Seconds()
		c.inputs.push(in, n, editStart-latency)
	}
}

func (c *Context) render(ref playhead.SampleRange, streamStart float64, n, length int, continuity graph.Continuity, out [][]float32) {
	rate := c.allocatedRate
	channels := min(len(out), c.scratch.NumChannels())

	c.midiScratch.Clear()
	rc := graph.RenderContext{
		PlayHead:         c.ph,
		ReferenceRange:   ref,
		StreamTime:       graph.TimeRange{Start: streamStart, End: streamStart + float64(length)/rate},
		SampleRate:       rate,
		Dest:             c.scratch,
		BufferStart:      0,
		BufferNumSamples: length,
		Midi:             c.midiScratch,
		Continuity:       continuity,
		IsRendering:      c.opts.Rendering,
	}

	c.scratch.Clear(0, length)
	c.root.PrepareForNextBlock(ref)
	c.root.RenderOver(&rc)

	for ch := 0; ch < channels; ch++ {
		src := c.scratch.Channels[ch][:length]
		if length == n {
			dst := out[ch][:n]
			for i := range dst {
				dst[i] += src[i]
			}
		} else {
			resampleAdding(out[ch][:n], src)
		}
	}

	c.dispatchMidi(streamStart, float64(n)/float64(length))
}

// resampleAdding linearly resamples src to the length of dst and adds it.
func resampleAdding(dst, src []float32) {
	if len(src) == 0 {
		return
	}
	ratio := float64(len(src)) / float64(len(dst))
	last := len(src) - 1
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			dst[i] += src[last]
			continue
		}
		frac := float32(pos - float64(idx))
		dst[i] += src[idx] + (src[idx+1]-src[idx])*frac
	}
}

// dispatchMidi queues the MIDI collected by each output sink. Event times
// are scaled back from render time to stream time and delayed by the
// output latency so they sound with the audio of the same block.
func (c *Context) dispatchMidi(streamStart, timeScale float64) {
	d := c.host.Dispatcher()
	latency := c.host.OutputLatency().Seconds()

	for _, s := range c.sinks {
		s.mu.Lock()
		c.outMsgs = c.outMsgs[:0]
		for _, e := range s.events {
			t := streamStart + (e.Time-streamStart)*timeScale + latency
			c.outMsgs = append(c.outMsgs, midi.TimedMessage{Time: t, Msg: e.Msg})
		}
		s.events = s.events[:0]
		s.mu.Unlock()

		if d != nil && len(c.outMsgs) > 0 {
			d.Send(s.dev, c.outMsgs...)
		}
	}
}

// MidiOverflows returns how many MIDI events were dropped because an
// output received more than it can take in one block.
func (c *Context) MidiOverflows() int64 {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	var n int64
	for _, s := range c.sinks {
		n += s.overflows.Load()
	}
	return n
}

// Close detaches the context from its host and releases the graph.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.host.RemoveContext(c)
		c.inputs.abort()
		c.ReleaseNodes()
	})
	return nil
}

// midiSink collects the MIDI rendered for one output device during a
// block. Mixer workers may add to it concurrently.
// midiBlockCapacity is the number of MIDI events one output can take in
// a single block. Further events are dropped and counted.
const midiBlockCapacity = 1024

type midiSink struct {
	dev   *midi.OutputDevice
	order int

	mu        sync.Mutex
	events    []graph.MidiEvent
	overflows atomic.Int64
}

func newMidiSink(dev *midi.OutputDevice, order int) *midiSink {
	return &midiSink{dev: dev, order: order, events: make([]graph.MidiEvent, 0, midiBlockCapacity)}
}

func (s *midiSink) CollectMidi(e graph.MidiEvent) {
	s.mu.Lock()
	if len(s.events) < cap(s.events) {
		s.events = append(s.events, e)
	} else {
		s.overflows.Add(1)
	}
	s.mu.Unlock()
}

// emptyNode stands in for an arrangement with nothing to play.
type emptyNode struct{}

func (emptyNode) Properties() graph.Properties             { return graph.Properties{} }
func (emptyNode) Visit(func(graph.Node))                   {}
func (emptyNode) Purge(bool, bool) bool                    { return false }
func (emptyNode) Prepare(graph.PlayInfo)                   {}
func (emptyNode) Release()                                 {}
func (emptyNode) PrepareForNextBlock(playhead.SampleRange) {}
func (emptyNode) IsReady() bool                            { return true }
func (emptyNode) RenderOver(rc *graph.RenderContext)       { rc.ClearAll() }
func (emptyNode) RenderAdding(*graph.RenderContext)        {}
