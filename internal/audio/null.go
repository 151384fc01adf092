package audio

import (
	"errors"
	"sync"
	"time"
)

// NullBackend runs the callback from a timer at the device rate and
// discards the output. It is used when no sound card is available.
type NullBackend struct{}

func (b *NullBackend) GetType() BackendType           { return BackendTypeNull }
func (b *NullBackend) ListDevices() ([]string, error) { return []string{"null"}, nil }
func (b *NullBackend) ValidateDevice(string) error    { return nil }

func (b *NullBackend) Open(cfg DeviceConfig) (Device, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "null"
	}
	return &nullDevice{cfg: cfg}, nil
}

type nullDevice struct {
	cfg DeviceConfig

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (d *nullDevice) Name() string                 { return d.cfg.Name }
func (d *nullDevice) SampleRate() float64          { return d.cfg.SampleRate }
func (d *nullDevice) BlockSize() int               { return d.cfg.BlockSize }
func (d *nullDevice) InputChannels() int           { return d.cfg.InputChannels }
func (d *nullDevice) OutputChannels() int          { return d.cfg.OutputChannels }
func (d *nullDevice) OutputLatency() time.Duration { return 0 }

func (d *nullDevice) Start(cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return errors.New("device already started")
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	n := d.cfg.BlockSize
	in := makeChannels(d.cfg.InputChannels, n)
	out := makeChannels(d.cfg.OutputChannels, n)
	interval := time.Duration(float64(n) / d.cfg.SampleRate * float64(time.Second))

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, ch := range out {
					clear(ch)
				}
				cb(in, out, n)
			}
		}
	}(d.stop, d.done)
	return nil
}

func (d *nullDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (d *nullDevice) Close() error { return d.Stop() }

// HostedBackend opens devices that are driven by their owner rather than
// by a sound card. Offline rendering and tests pull blocks through
// HostedDevice.Process.
type HostedBackend struct{}

func (b *HostedBackend) GetType() BackendType           { return BackendTypeHosted }
func (b *HostedBackend) ListDevices() ([]string, error) { return []string{"hosted"}, nil }
func (b *HostedBackend) ValidateDevice(string) error    { return nil }

func (b *HostedBackend) Open(cfg DeviceConfig) (Device, error) {
	return NewHostedDevice(cfg)
}

// HostedDevice calls its callback only when Process is called.
type HostedDevice struct {
	cfg DeviceConfig

	mu sync.Mutex
	cb Callback
}

func NewHostedDevice(cfg DeviceConfig) (*HostedDevice, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "hosted"
	}
	return &HostedDevice{cfg: cfg}, nil
}

func (d *HostedDevice) Name() string                 { return d.cfg.Name }
func (d *HostedDevice) SampleRate() float64          { return d.cfg.SampleRate }
func (d *HostedDevice) BlockSize() int               { return d.cfg.BlockSize }
func (d *HostedDevice) InputChannels() int           { return d.cfg.InputChannels }
func (d *HostedDevice) OutputChannels() int          { return d.cfg.OutputChannels }
func (d *HostedDevice) OutputLatency() time.Duration { return 0 }

func (d *HostedDevice) Start(cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cb != nil {
		return errors.New("device already started")
	}
	d.cb = cb
	return nil
}

func (d *HostedDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = nil
	return nil
}

func (d *HostedDevice) Close() error { return d.Stop() }

// Process runs the callback for one block of n samples. It reports false
// when the device is not started.
func (d *HostedDevice) Process(in, out [][]float32, n int) bool {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(in, out, n)
	return true
}
