package midi

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

const (
	ccSustain           = 64
	ccAllControllersOff = 121
	ccAllNotesOff       = 123
)

// SendFunc writes one message to a port.
type SendFunc func(msg gomidi.Message) error

// OutputDevice is a MIDI output port. It keeps track of sounding notes and
// held sustain pedals so that everything can be released on stop.
type OutputDevice struct {
	name   string
	send   SendFunc
	closer func() error

	mu           sync.Mutex
	notes        [16][128]uint8
	sustain      [16]bool
	channelsUsed uint16

	enabled     atomic.Bool
	preDelay    atomic.Int64
	blockLength atomic.Int64
	sent        atomic.Int64
	errors      atomic.Int64
}

// NewOutputDevice wraps send as an output device. The device starts enabled.
func NewOutputDevice(name string, send SendFunc) *OutputDevice {
	d := &OutputDevice{name: name, send: send}
	d.enabled.Store(true)
	return d
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Start()          { d.enabled.Store(true) }
func (d *OutputDevice) Stop()           { d.enabled.Store(false) }
func (d *OutputDevice) IsEnabled() bool { return d.enabled.Load() }

// SetPreDelay delays everything sent to this device, to line it up with
// slower sound sources.
func (d *OutputDevice) SetPreDelay(delay time.Duration) { d.preDelay.Store(int64(delay)) }
func (d *OutputDevice) PreDelay() time.Duration        { return time.Duration(d.preDelay.Load()) }

// SetBlockLength tells the device the duration of one audio block.
func (d *OutputDevice) SetBlockLength(l time.Duration) { d.blockLength.Store(int64(l)) }

// DeviceDelay is the latency of this device relative to the audio render:
// the pre-delay plus two blocks of buffering.
func (d *OutputDevice) DeviceDelay() time.Duration {
	return d.PreDelay() + 2*time.Duration(d.blockLength.Load())
}

// MessagesSent returns the number of messages written to the port.
func (d *OutputDevice) MessagesSent() int64 { return d.sent.Load() }

// FireMessage sends msg immediately.
func (d *OutputDevice) FireMessage(msg gomidi.Message) error {
	if !d.enabled.Load() {
		return nil
	}

	d.mu.Lock()
	d.track(msg)
	d.mu.Unlock()

	return d.write(msg)
}

// SendMMC implements the transport's MMC sender.
func (d *OutputDevice) SendMMC(msg gomidi.Message) {
	if err := d.FireMessage(msg); err != nil {
		slog.Warn("Failed to send MMC", "device", d.name, "error", err)
	}
}

func (d *OutputDevice) write(msg gomidi.Message) error {
	if err := d.send(msg); err != nil {
		if d.errors.Add(1) == 1 {
			slog.Warn("MIDI send failed", "device", d.name, "error", err)
		}
		return err
	}
	d.sent.Add(1)
	return nil
}

// track must be called with d.mu held.
func (d *OutputDevice) track(msg gomidi.Message) {
	var ch, key, vel, cc, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		if d.notes[ch][key] < 255 {
			d.notes[ch][key]++
		}
	case msg.GetNoteEnd(&ch, &key):
		if d.notes[ch][key] > 0 {
			d.notes[ch][key]--
		}
	case msg.GetControlChange(&ch, &cc, &val):
		if cc == ccSustain {
			d.sustain[ch] = val >= 64
		}
	default:
		return
	}
	d.channelsUsed |= 1 << ch
}

// SendNoteOffMessages releases every tracked note, lifts held sustain
// pedals and sends all-notes-off on every channel that was used.
func (d *OutputDevice) SendNoteOffMessages(allControllersOff bool) {
	d.mu.Lock()
	var msgs []gomidi.Message
	for ch := uint8(0); ch < 16; ch++ {
		for key := uint8(0); key < 128; key++ {
			for n := d.notes[ch][key]; n > 0; n-- {
				msgs = append(msgs, gomidi.NoteOff(ch, key))
			}
			d.notes[ch][key] = 0
		}
	}
	for ch := uint8(0); ch < 16; ch++ {
		if d.channelsUsed&(1<<ch) == 0 {
			continue
		}
		if d.sustain[ch] {
			msgs = append(msgs, gomidi.ControlChange(ch, ccSustain, 0))
			d.sustain[ch] = false
		}
		msgs = append(msgs, gomidi.ControlChange(ch, ccAllNotesOff, 0))
		if allControllersOff {
			msgs = append(msgs, gomidi.ControlChange(ch, ccAllControllersOff, 0))
		}
	}
	d.channelsUsed = 0
	d.mu.Unlock()

	for _, m := range msgs {
		d.write(m)
	}
}

// SoundingNotes returns how many notes are currently held.
func (d *OutputDevice) SoundingNotes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for ch := range d.notes {
		for _, c := range d.notes[ch] {
			n += int(c)
		}
	}
	return n
}

// Close releases all notes and closes the port.
func (d *OutputDevice) Close() error {
	d.SendNoteOffMessages(false)
	d.Stop()
	if d.closer != nil {
		return d.closer()
	}
	return nil
}
