package audio

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PortLinker lists and connects PipeWire/JACK ports with pw-link.
type PortLinker struct {
	run        func(args ...string) ([]byte, error)
	sleep      func(time.Duration)
	clientName string
}

// NewPortLinker returns a linker that shells out to pw-link. The engine's
// own output ports are found by the executable name.
func NewPortLinker() *PortLinker {
	return &PortLinker{
		run: func(args ...string) ([]byte, error) {
			return exec.Command("pw-link", args...).CombinedOutput()
		},
		sleep:      time.Sleep,
		clientName: filepath.Base(os.Args[0]),
	}
}

// ListPorts returns all available ports
func (pl *PortLinker) ListPorts() ([]string, error) {
	output, err := pl.run("-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	var ports []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports, nil
}

// ValidatePort checks that a port exists and is not ambiguous.
func (pl *PortLinker) ValidatePort(portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}
	ports, err := pl.ListPorts()
	if err != nil {
		return err
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, ports []string) error {
	matches := matchingPorts(portName, ports)
	if len(matches) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}

	if dups := findPortDuplicatesInList(portName, ports); len(dups) > 1 {
		return fmt.Errorf("duplicate ports detected for '%s': %v. Please close conflicting applications", portName, dups)
	}
	return nil
}

// matchingPorts returns the ports equal to name, or whose client:port name
// starts with it, so that a device prefix selects all of its channels.
func matchingPorts(name string, ports []string) []string {
	var out []string
	for _, p := range ports {
		if p == name || strings.HasPrefix(p, name) {
			out = append(out, p)
		}
	}
	return out
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, ports []string) []string {
	var duplicates []string
	for _, p := range ports {
		if p == portName {
			duplicates = append(duplicates, p)
		}
	}
	return duplicates
}

func isPlaybackPort(port string) bool {
	lower := strings.ToLower(port)
	return strings.Contains(lower, "playback")
}

func (pl *PortLinker) isOwnOutput(port string) bool {
	lower := strings.ToLower(port)
	return strings.Contains(lower, strings.ToLower(pl.clientName)) && strings.Contains(lower, "output")
}

// RouteOutput connects the engine's output ports, in channel order, to the
// playback ports whose names start with dest.
func (pl *PortLinker) RouteOutput(dest string) error {
	const attempts = 10
	var sources, sinks []string
	for attempt := 1; attempt <= attempts; attempt++ {
		ports, err := pl.ListPorts()
		if err != nil {
			return err
		}

		sources = sources[:0]
		for _, p := range ports {
			if pl.isOwnOutput(p) {
				sources = append(sources, p)
			}
		}
		sinks = nil
		for _, p := range matchingPorts(dest, ports) {
			if isPlaybackPort(p) {
				sinks = append(sinks, p)
			}
		}
		if len(sources) > 0 && len(sinks) > 0 {
			break
		}

		slog.Debug("Output ports not yet available", "dest", dest, "attempt", attempt)
		if attempt < attempts {
			pl.sleep(200 * time.Millisecond)
		}
	}

	if len(sources) == 0 {
		return fmt.Errorf("no output ports found for %s", pl.clientName)
	}
	if len(sinks) == 0 {
		return fmt.Errorf("no playback ports found for %s", dest)
	}

	sort.Strings(sources)
	sort.Strings(sinks)
	for i, src := range sources {
		dst := sinks[i%len(sinks)]
		if err := pl.ConnectWithRetry(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func (pl *PortLinker) portExists(portName string) bool {
	ports, err := pl.ListPorts()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p == portName {
			return true
		}
	}
	return false
}

// ConnectWithRetry connects two ports, waiting for the source to appear.
// Application ports get a longer window than hardware ports.
func (pl *PortLinker) ConnectWithRetry(sourcePort, destPort string) error {
	maxRetries, retryDelay := 5, 500*time.Millisecond
	if isEphemeralPort(sourcePort) {
		maxRetries, retryDelay = 15, time.Second
		slog.Debug("Using ephemeral port retry strategy", "source", sourcePort, "retries", maxRetries)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pl.portExists(sourcePort) {
			err := pl.Connect(sourcePort, destPort)
			if err == nil {
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			pl.sleep(retryDelay)
		}
	}
	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

// isEphemeralPort reports whether a port belongs to an application that
// may come and go.
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)
	for _, app := range []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	} {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}
	return false
}

// Connect links two ports.
func (pl *PortLinker) Connect(sourcePort, destPort string) error {
	output, err := pl.run(sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Connected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}

// Disconnect unlinks two ports.
func (pl *PortLinker) Disconnect(sourcePort, destPort string) error {
	output, err := pl.run("-d", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to disconnect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	slog.Debug("Disconnected ports successfully", "source", sourcePort, "dest", destPort)
	return nil
}
