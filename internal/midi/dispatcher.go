package midi

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

const (
	// DefaultTickInterval is how often the dispatcher checks for due messages.
	DefaultTickInterval = time.Millisecond
	// DefaultHorizon is how late a message may be before it is dropped.
	DefaultHorizon = 250 * time.Millisecond
	// DefaultQueueSize is the number of messages each device can hold.
	DefaultQueueSize = 4096
)

// TimedMessage is a message to be sent at a master time in seconds.
type TimedMessage struct {
	Time float64
	Msg  gomidi.Message
}

type deviceState struct {
	dev *OutputDevice

	mu          sync.Mutex
	queue       []TimedMessage
	allNotesOff bool

	// due is only touched by the timer goroutine.
	due []TimedMessage
}

// deviceTable is an immutable snapshot of the registered devices. It is
// replaced as a whole when a device is added or removed.
type deviceTable struct {
	byDevice map[*OutputDevice]*deviceState
	states   []*deviceState
}

// masterClock publishes (master time, wall clock) pairs from the audio
// threads. Writers take the sequence to an odd value for the duration of
// the two stores, so several contexts may publish concurrently. Readers
// retry while a write is in progress.
type masterClock struct {
	seq   atomic.Uint64
	time  atomic.Uint64
	clock atomic.Int64
}

func (c *masterClock) store(t float64, clock int64) {
	for {
		s := c.seq.Load()
		if s&1 == 0 && c.seq.CompareAndSwap(s, s+1) {
			break
		}
		runtime.Gosched()
	}
	c.time.Store(math.Float64bits(t))
	c.clock.Store(clock)
	c.seq.Add(1)
}

func (c *masterClock) load() (float64, int64) {
	for {
		s := c.seq.Load()
		if s&1 != 0 {
			runtime.Gosched()
			continue
		}
		t := math.Float64frombits(c.time.Load())
		clock := c.clock.Load()
		if c.seq.Load() == s {
			return t, clock
		}
	}
}

// Dispatcher sends rendered MIDI to output devices at the wall-clock time
// that matches the audio. The audio thread publishes the master time of
// every block and queues the block's messages. A timer goroutine
// extrapolates the master time and sends whatever has become due.
//
// Send, SetMasterTime and the timer never take a dispatcher-wide lock and
// never allocate; each device queue has a fixed capacity and messages that
// do not fit are counted as overflows.
type Dispatcher struct {
	// mu serialises device registration and Start/Stop.
	mu      sync.Mutex
	devices atomic.Pointer[deviceTable]

	master    masterClock
	now       func() time.Time
	tick      time.Duration
	horizon   atomic.Uint64
	queueSize int

	dropped   atomic.Int64
	overflows atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher returns a stopped dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		now:       time.Now,
		tick:      DefaultTickInterval,
		queueSize: DefaultQueueSize,
	}
	d.devices.Store(&deviceTable{byDevice: map[*OutputDevice]*deviceState{}})
	d.horizon.Store(math.Float64bits(DefaultHorizon.Seconds()))
	return d
}

// SetHorizon changes how late a message may be before it is dropped.
func (d *Dispatcher) SetHorizon(h time.Duration) {
	d.horizon.Store(math.Float64bits(h.Seconds()))
}

func (d *Dispatcher) AddDevice(dev *OutputDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.devices.Load()
	if _, ok := old.byDevice[dev]; ok {
		return
	}
	st := &deviceState{
		dev:   dev,
		queue: make([]TimedMessage, 0, d.queueSize),
		due:   make([]TimedMessage, 0, d.queueSize),
	}
	d.devices.Store(old.with(st, nil))
}

func (d *Dispatcher) RemoveDevice(dev *OutputDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.devices.Load()
	if _, ok := old.byDevice[dev]; !ok {
		return
	}
	d.devices.Store(old.with(nil, dev))
}

// with returns a copy of t with add added and remove left out.
func (t *deviceTable) with(add *deviceState, remove *OutputDevice) *deviceTable {
	next := &deviceTable{byDevice: make(map[*OutputDevice]*deviceState, len(t.byDevice)+1)}
	for _, st := range t.states {
		if st.dev == remove {
			continue
		}
		next.byDevice[st.dev] = st
		next.states = append(next.states, st)
	}
	if add != nil {
		next.byDevice[add.dev] = add
		next.states = append(next.states, add)
	}
	return next
}

func (d *Dispatcher) state(dev *OutputDevice) *deviceState {
	return d.devices.Load().byDevice[dev]
}

// SetMasterTime publishes the master time at the current instant. It is
// called from the audio thread at the start of every block.
func (d *Dispatcher) SetMasterTime(t float64) {
	d.master.store(t, d.now().UnixNano())
}

// MasterTime extrapolates the last published master time to now.
func (d *Dispatcher) MasterTime() float64 {
	t, clock := d.master.load()
	if clock == 0 {
		return t
	}
	return t + float64(d.now().UnixNano()-clock)/float64(time.Second)
}

// Send queues messages for dev. Message times are master times; the
// device's pre-delay is added. Messages that do not fit in the device
// queue are discarded and counted by Overflows.
func (d *Dispatcher) Send(dev *OutputDevice, msgs ...TimedMessage) {
	st := d.state(dev)
	if st == nil || len(msgs) == 0 {
		return
	}
	delay := dev.PreDelay().Seconds()

	st.mu.Lock()
	for _, m := range msgs {
		if len(st.queue) == cap(st.queue) {
			d.overflows.Add(1)
			continue
		}
		m.Time += delay
		i := st.insertIndex(m.Time)
		st.queue = st.queue[:len(st.queue)+1]
		copy(st.queue[i+1:], st.queue[i:])
		st.queue[i] = m
	}
	st.mu.Unlock()
}

// insertIndex returns the position after every queued message at or
// before t, keeping messages with equal times in arrival order.
func (st *deviceState) insertIndex(t float64) int {
	lo, hi := 0, len(st.queue)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if st.queue[mid].Time > t {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// SendAllNotesOff drops everything queued for dev and releases its notes
// on the next tick.
func (d *Dispatcher) SendAllNotesOff(dev *OutputDevice) {
	st := d.state(dev)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.allNotesOff = true
	st.mu.Unlock()
}

// Pending returns the number of messages queued for dev.
func (d *Dispatcher) Pending(dev *OutputDevice) int {
	st := d.state(dev)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// Overflows returns how many messages were discarded because a device
// queue was full.
func (d *Dispatcher) Overflows() int64 { return d.overflows.Load() }

// Dropped returns how many messages were discarded for being too late.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Start runs the dispatch timer on a goroutine locked to its OS thread.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.stop)
}

// Stop halts the timer. Queued messages are kept.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
}

func (d *Dispatcher) run(stop <-chan struct{}) {
	defer d.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.processTick()
		}
	}
}

func (d *Dispatcher) processTick() {
	now := d.MasterTime()
	horizon := math.Float64frombits(d.horizon.Load())

	for _, st := range d.devices.Load().states {
		d.processDevice(st, now, horizon)
	}
}

// processDevice moves the due messages out of the queue under the device
// lock and sends them after releasing it, so Send never waits on the port.
func (d *Dispatcher) processDevice(st *deviceState, now, horizon float64) {
	st.mu.Lock()
	if st.allNotesOff {
		st.allNotesOff = false
		st.queue = st.queue[:0]
		st.mu.Unlock()
		st.dev.SendNoteOffMessages(false)
		return
	}

	due := 0
	for due < len(st.queue) && st.queue[due].Time <= now {
		due++
	}
	st.due = append(st.due[:0], st.queue[:due]...)
	if due > 0 {
		n := copy(st.queue, st.queue[due:])
		st.queue = st.queue[:n]
	}
	st.mu.Unlock()

	for _, m := range st.due {
		if now-m.Time > horizon {
			d.dropped.Add(1)
		} else {
			st.dev.FireMessage(m.Msg)
		}
	}
}
