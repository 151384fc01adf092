// Package diskmonitor stops recording before the recording disk fills up.
package diskmonitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMinFree  = 50 * 1024 * 1024
	DefaultInterval = time.Second
)

// ErrUnsupported is returned by the free space probe on platforms
// without statfs.
var ErrUnsupported = errors.New("free space check not supported on this platform")

// Transports is the set of transports the monitor stops.
// *transport.Manager implements it.
type Transports interface {
	NumRecording() int
	StopAll(discardRecordings, clearDevices bool)
}

// Warning is reported once each time free space drops below the minimum
// while recording.
type Warning struct {
	Path    string
	Free    uint64
	MinFree uint64
}

// Listener is told about low disk space.
type Listener interface {
	DiskSpaceLow(w Warning)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Warning)

func (f ListenerFunc) DiskSpaceLow(w Warning) { f(w) }

type Config struct {
	Path     string
	MinFree  uint64
	Interval time.Duration
}

// Monitor polls the free space of the volume holding Path.
type Monitor struct {
	cfg        Config
	transports Transports
	freeSpace  func(path string) (uint64, error)

	mu        sync.Mutex
	listeners []Listener
	low       bool

	free     atomic.Uint64
	warnings atomic.Int64
}

func New(cfg Config, transports Transports) *Monitor {
	if cfg.MinFree == 0 {
		cfg.MinFree = DefaultMinFree
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		cfg:        cfg,
		transports: transports,
		freeSpace:  freeSpace,
	}
}

func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Free returns the free space seen by the last check, in bytes.
func (m *Monitor) Free() uint64 { return m.free.Load() }

// Warnings returns how many low space warnings have been raised.
func (m *Monitor) Warnings() int64 { return m.warnings.Load() }

// IsLow reports whether the last check was below the minimum.
func (m *Monitor) IsLow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.low
}

// Check probes the disk once. When a recording is running and free space
// is below the minimum, every transport is stopped and the listeners are
// warned. Further low checks stay quiet until space recovers.
func (m *Monitor) Check() error {
	free, err := m.freeSpace(m.cfg.Path)
	if err != nil {
		return err
	}
	m.free.Store(free)

	// Zero means the volume could not be measured.
	isLow := free > 0 && free < m.cfg.MinFree

	m.mu.Lock()
	wasLow := m.low
	switch {
	case !isLow:
		m.low = false
	case m.transports.NumRecording() > 0:
		m.low = true
	}
	trigger := m.low && !wasLow
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if wasLow && !isLow {
		slog.Info("Disk space recovered", "path", m.cfg.Path, "free_mb", free>>20)
	}
	if !trigger {
		return nil
	}

	slog.Warn("Recording error - disk space is getting dangerously low, stopping",
		"path", m.cfg.Path, "free_mb", free>>20, "min_free_mb", m.cfg.MinFree>>20)
	m.warnings.Add(1)
	m.transports.StopAll(false, false)

	w := Warning{Path: m.cfg.Path, Free: free, MinFree: m.cfg.MinFree}
	for _, l := range listeners {
		l.DiskSpaceLow(w)
	}
	return nil
}

// Run checks the disk every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := m.Check()
			if errors.Is(err, ErrUnsupported) {
				slog.Warn("Disk space monitoring disabled", "error", err)
				return nil
			}
			// Log a failing probe once rather than every interval.
			if err != nil && !failing {
				slog.Warn("Failed to check disk space", "path", m.cfg.Path, "error", err)
			}
			failing = err != nil
		}
	}
}
