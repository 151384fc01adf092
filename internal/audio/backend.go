package audio

import (
	"fmt"
	"strings"
	"time"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeOto    BackendType = "oto"
	BackendTypeNull   BackendType = "null"
	BackendTypeHosted BackendType = "hosted"
	BackendTypeAuto   BackendType = "auto"
)

// Callback renders one block. in holds the captured input channels (which
// may be empty) and out the output channels to fill; each has n samples.
// It is called on the device's real-time goroutine.
type Callback func(in, out [][]float32, n int)

// DeviceConfig selects and configures an audio device.
type DeviceConfig struct {
	Name           string
	SampleRate     float64
	BlockSize      int
	InputChannels  int
	OutputChannels int
	// BufferDuration is the amount of output buffered by the backend.
	BufferDuration time.Duration
}

// Device is an open audio device.
type Device interface {
	Name() string
	SampleRate() float64
	BlockSize() int
	InputChannels() int
	OutputChannels() int
	OutputLatency() time.Duration

	Start(cb Callback) error
	Stop() error
	Close() error
}

// AudioBackend defines the interface for audio backend implementations
type AudioBackend interface {
	// List available devices
	ListDevices() ([]string, error)

	// Validate if a device is available
	ValidateDevice(name string) error

	// Open a device
	Open(cfg DeviceConfig) (Device, error)

	// Get the backend type
	GetType() BackendType
}

// NewBackend returns the backend for name. "auto" and "" pick the sound
// card output.
func NewBackend(name string) (AudioBackend, error) {
	switch BackendType(strings.ToLower(name)) {
	case BackendTypeOto, BackendTypeAuto, "":
		return &OtoBackend{links: NewPortLinker()}, nil
	case BackendTypeNull:
		return &NullBackend{}, nil
	case BackendTypeHosted:
		return &HostedBackend{}, nil
	}
	return nil, fmt.Errorf("unknown audio backend %q", name)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeOto, BackendTypeNull, BackendTypeHosted}
}

func validateConfig(cfg DeviceConfig) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %g", cfg.SampleRate)
	}
	if cfg.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", cfg.BlockSize)
	}
	if cfg.OutputChannels <= 0 {
		return fmt.Errorf("invalid output channel count %d", cfg.OutputChannels)
	}
	return nil
}

func makeChannels(n, size int) [][]float32 {
	chans := make([][]float32, n)
	for i := range chans {
		chans[i] = make([]float32, size)
	}
	return chans
}
