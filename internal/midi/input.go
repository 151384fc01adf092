package midi

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// InputHandler receives messages from an input device. timestampms is the
// driver's timestamp in milliseconds since the port was opened.
type InputHandler func(msg gomidi.Message, timestampms int32)

// InputDevice fans incoming messages out to its handlers.
type InputDevice struct {
	name string
	port drivers.In
	stop func()

	mu       sync.RWMutex
	handlers []InputHandler

	received atomic.Int64
}

// NewInputDevice returns an input device that is fed through Inject.
func NewInputDevice(name string) *InputDevice {
	return &InputDevice{name: name}
}

// OpenInput starts listening on the named hardware input port. SysEx and
// timecode messages are passed through for MMC and MTC.
func OpenInput(name string) (*InputDevice, error) {
	port, err := findInPort(name)
	if err != nil {
		return nil, err
	}
	if !port.IsOpen() {
		if err := port.Open(); err != nil {
			return nil, fmt.Errorf("failed to open MIDI input %q: %w", name, err)
		}
	}

	d := &InputDevice{name: port.String(), port: port}
	stop, err := gomidi.ListenTo(port, d.Inject,
		gomidi.UseSysEx(),
		gomidi.UseTimeCode(),
		gomidi.HandleError(func(err error) {
			slog.Warn("MIDI input error", "device", d.name, "error", err)
		}))
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to listen on MIDI input %q: %w", name, err)
	}
	d.stop = stop

	slog.Info("MIDI input connected", "device", d.name)
	return d, nil
}

func (d *InputDevice) Name() string { return d.name }

// AddHandler registers h for every subsequent message.
func (d *InputDevice) AddHandler(h InputHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Inject delivers msg to the handlers as if it had arrived on the port.
func (d *InputDevice) Inject(msg gomidi.Message, timestampms int32) {
	d.received.Add(1)

	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, h := range handlers {
		h(msg, timestampms)
	}
}

// MessagesReceived returns the number of messages seen.
func (d *InputDevice) MessagesReceived() int64 { return d.received.Load() }

func (d *InputDevice) Close() error {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}
