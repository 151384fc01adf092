package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const defaultOtoBuffer = 40 * time.Millisecond

// oto allows a single context per process, so it is created on first open
// and reused by later devices with the same format.
var (
	otoMu      sync.Mutex
	otoContext *oto.Context
	otoFormat  DeviceConfig
)

func sharedOtoContext(cfg DeviceConfig) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoContext != nil {
		if otoFormat.SampleRate != cfg.SampleRate || otoFormat.OutputChannels != cfg.OutputChannels {
			return nil, fmt.Errorf("sound card already opened at %gHz/%d channels", otoFormat.SampleRate, otoFormat.OutputChannels)
		}
		return otoContext, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(cfg.SampleRate),
		ChannelCount: cfg.OutputChannels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   cfg.BufferDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sound card: %w", err)
	}
	<-ready

	otoContext = ctx
	otoFormat = cfg
	return ctx, nil
}

// OtoBackend plays through the system sound card. On PipeWire systems the
// output can be routed to named playback ports.
type OtoBackend struct {
	links *PortLinker
}

func (b *OtoBackend) GetType() BackendType { return BackendTypeOto }

// ListDevices lists the playback ports the output can be routed to. The
// default device is always available.
func (b *OtoBackend) ListDevices() ([]string, error) {
	devices := []string{"default"}
	ports, err := b.links.ListPorts()
	if err != nil {
		slog.Debug("Port listing unavailable", "error", err)
		return devices, nil
	}
	for _, p := range ports {
		if isPlaybackPort(p) {
			devices = append(devices, p)
		}
	}
	return devices, nil
}

func (b *OtoBackend) ValidateDevice(name string) error {
	if name == "" || name == "default" {
		return nil
	}
	return b.links.ValidatePort(name)
}

func (b *OtoBackend) Open(cfg DeviceConfig) (Device, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.BufferDuration <= 0 {
		cfg.BufferDuration = defaultOtoBuffer
	}
	if err := b.ValidateDevice(cfg.Name); err != nil {
		return nil, err
	}

	ctx, err := sharedOtoContext(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &otoDevice{cfg: cfg, ctx: ctx, links: b.links}, nil
}

type otoDevice struct {
	cfg   DeviceConfig
	ctx   *oto.Context
	links *PortLinker

	mu     sync.Mutex
	player *oto.Player
}

func (d *otoDevice) Name() string        { return d.cfg.Name }
func (d *otoDevice) SampleRate() float64 { return d.cfg.SampleRate }
func (d *otoDevice) BlockSize() int      { return d.cfg.BlockSize }
func (d *otoDevice) InputChannels() int  { return 0 }
func (d *otoDevice) OutputChannels() int { return d.cfg.OutputChannels }

func (d *otoDevice) OutputLatency() time.Duration {
	block := time.Duration(float64(d.cfg.BlockSize) / d.cfg.SampleRate * float64(time.Second))
	return d.cfg.BufferDuration + block
}

func (d *otoDevice) Start(cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		return errors.New("device already started")
	}

	stream := newBlockReader(cb, d.cfg.BlockSize, d.cfg.OutputChannels)
	d.player = d.ctx.NewPlayer(stream)
	d.player.Play()

	if d.cfg.Name != "default" {
		go func() {
			if err := d.links.RouteOutput(d.cfg.Name); err != nil {
				slog.Warn("Failed to route output", "port", d.cfg.Name, "error", err)
			}
		}()
	}
	slog.Info("Sound card started", "rate", d.cfg.SampleRate, "block", d.cfg.BlockSize, "channels", d.cfg.OutputChannels)
	return nil
}

func (d *otoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return nil
	}
	err := d.player.Close()
	d.player = nil
	return err
}

func (d *otoDevice) Close() error { return d.Stop() }

// blockReader turns the pull-style io.Reader oto wants into fixed-size
// callback blocks, interleaving them as little-endian float32.
type blockReader struct {
	cb       Callback
	out      [][]float32
	channels int
	filled   int
	pos      int
}

func newBlockReader(cb Callback, blockSize, channels int) *blockReader {
	return &blockReader{cb: cb, out: makeChannels(channels, blockSize), channels: channels}
}

func (r *blockReader) Read(p []byte) (int, error) {
	frameBytes := 4 * r.channels
	frames := len(p) / frameBytes
	written := 0

	for i := 0; i < frames; i++ {
		if r.pos == r.filled {
			n := len(r.out[0])
			for _, ch := range r.out {
				clear(ch)
			}
			r.cb(nil, r.out, n)
			r.filled, r.pos = n, 0
		}
		for ch := 0; ch < r.channels; ch++ {
			binary.LittleEndian.PutUint32(p[written:], math.Float32bits(r.out[ch][r.pos]))
			written += 4
		}
		r.pos++
	}
	return written, nil
}
