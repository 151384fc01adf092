package transport

import (
	"slices"
	"sync"
)

// Manager tracks every open transport so that they can be stopped together,
// e.g. when the recording disk runs out of space.
type Manager struct {
	mu         sync.Mutex
	transports []*Transport
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Register(t *Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.transports, t) {
		m.transports = append(m.transports, t)
	}
}

func (m *Manager) Unregister(t *Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = slices.DeleteFunc(m.transports, func(o *Transport) bool { return o == t })
}

// Transports returns a snapshot of the registered transports.
func (m *Manager) Transports() []*Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.transports)
}

// StopAll stops every registered transport.
func (m *Manager) StopAll(discardRecordings, clearDevices bool) {
	for _, t := range m.Transports() {
		t.Stop(StopOptions{DiscardRecordings: discardRecordings, ClearDevices: clearDevices})
	}
}

// NumPlaying returns how many registered transports are playing.
func (m *Manager) NumPlaying() int {
	n := 0
	for _, t := range m.Transports() {
		if t.IsPlaying() {
			n++
		}
	}
	return n
}

// NumRecording returns how many registered transports are recording.
func (m *Manager) NumRecording() int {
	n := 0
	for _, t := range m.Transports() {
		if t.IsRecording() {
			n++
		}
	}
	return n
}

// RestartAll stops every playing transport and returns a func that resumes
// them. It is used around device changes.
func (m *Manager) RestartAll(clearDevices bool) func() {
	var resumes []func()
	for _, t := range m.Transports() {
		resumes = append(resumes, t.Restart(clearDevices))
	}
	return func() {
		for _, r := range resumes {
			r()
		}
	}
}
