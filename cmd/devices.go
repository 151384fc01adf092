package cmd

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/audio"
	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/midi"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List audio devices and MIDI ports",
	Long: `List the devices offered by every audio backend and the MIDI ports of the system.
Entries used by the active profile are marked with '*'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio devices (%s)\n", runtime.GOOS)
		fmt.Printf("=======================\n")

		mgr := device.NewManager()
		for _, backend := range audio.GetAvailableBackends() {
			if backend == audio.BackendTypeHosted {
				continue
			}
			if err := mgr.Init(string(backend)); err != nil {
				fmt.Printf("\n[%s] unavailable: %v\n", backend, err)
				continue
			}
			devices := mgr.KnownDevices()
			fmt.Printf("\n[%s] %d found\n", backend, len(devices))
			for i, d := range devices {
				used := strings.EqualFold(string(backend), cfg.Audio.Backend) && d == cfg.Audio.Device
				fmt.Printf(" %s %d. %s\n", marker(used), i+1, d)
			}
		}

		fmt.Printf("\nMIDI outputs\n")
		fmt.Printf("============\n")
		listPorts(midi.OutPorts(), cfg.Midi.Outputs)

		fmt.Printf("\nMIDI inputs\n")
		fmt.Printf("===========\n")
		inputs := slices.Clone(cfg.Midi.Inputs)
		if cfg.Sync.MTC.Input != "" {
			inputs = append(inputs, cfg.Sync.MTC.Input)
		}
		listPorts(midi.InPorts(), inputs)

		fmt.Printf("\nConfigure in audio.device, midi.outputs, midi.inputs and sync.mtc.input.\n")
		return nil
	},
}

func listPorts(ports []midi.PortInfo, configured []string) {
	if len(ports) == 0 {
		fmt.Println("  none")
		return
	}
	for _, p := range ports {
		used := slices.ContainsFunc(configured, func(name string) bool {
			return name != "" && strings.Contains(strings.ToLower(p.Name), strings.ToLower(name))
		})
		fmt.Printf(" %s %d. %s\n", marker(used), p.Number, p.Name)
	}
}

func marker(used bool) string {
	if used {
		return "*"
	}
	return " "
}
