// Package midi talks to MIDI hardware: output devices with note tracking,
// the note dispatcher that sends rendered MIDI at the right wall-clock time,
// input listeners, MIDI Machine Control and recording to standard MIDI files.
package midi

import (
	"fmt"
	"strings"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// PortInfo describes a MIDI port offered by the registered driver.
type PortInfo struct {
	Number int    `json:"number" yaml:"number"`
	Name   string `json:"name" yaml:"name"`
}

// OutPorts lists the available output ports.
func OutPorts() []PortInfo {
	var ports []PortInfo
	for _, p := range gomidi.GetOutPorts() {
		ports = append(ports, PortInfo{Number: p.Number(), Name: p.String()})
	}
	return ports
}

// InPorts lists the available input ports.
func InPorts() []PortInfo {
	var ports []PortInfo
	for _, p := range gomidi.GetInPorts() {
		ports = append(ports, PortInfo{Number: p.Number(), Name: p.String()})
	}
	return ports
}

// matchPort reports whether a port name matches the configured name. An
// exact match is preferred by the callers; a case-insensitive substring is
// accepted so that "launchkey" finds "Launchkey MK3 MIDI 1".
func matchPort(portName, want string) bool {
	return strings.Contains(strings.ToLower(portName), strings.ToLower(want))
}

func findOutPort(name string) (drivers.Out, error) {
	outs := gomidi.GetOutPorts()
	for _, p := range outs {
		if p.String() == name {
			return p, nil
		}
	}
	for _, p := range outs {
		if matchPort(p.String(), name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("MIDI output %q not found", name)
}

func findInPort(name string) (drivers.In, error) {
	ins := gomidi.GetInPorts()
	for _, p := range ins {
		if p.String() == name {
			return p, nil
		}
	}
	for _, p := range ins {
		if matchPort(p.String(), name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("MIDI input %q not found", name)
}

// OpenOutput opens the named hardware output port.
func OpenOutput(name string) (*OutputDevice, error) {
	port, err := findOutPort(name)
	if err != nil {
		return nil, err
	}
	send, err := gomidi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("failed to open MIDI output %q: %w", name, err)
	}

	dev := NewOutputDevice(port.String(), send)
	dev.closer = port.Close
	return dev, nil
}

// CloseDriver releases the registered MIDI driver.
func CloseDriver() {
	gomidi.CloseDriver()
}
