package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/session"
)

var infoCmd = &cobra.Command{
	Use:   "info [arrangement.yaml]",
	Short: "Show an arrangement with the resolved configuration",
	Long: `Display the tracks of an arrangement, its output file paths and the resolved
configuration with inheritance indicators. Shows which values come from the
profile, which are inherited from the default profile and which are built in.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load arrangement: %w", err)
		}

		fmt.Printf("=== ARRANGEMENT ===\n")
		fmt.Printf("name: %s\n", sess.Name)
		fmt.Printf("length: %s\n", service.FormatPosition(sess.Length()))
		fmt.Printf("tempo: %.1f bpm %d/%d\n", sess.Tempo.BPM, sess.Tempo.Numerator, sess.Tempo.Denominator)
		for i, tr := range sess.Tracks {
			muted := ""
			if sess.IsMuted(tr.Name) {
				muted = " [muted]"
			}
			fmt.Printf("%d. %s: %d clips, %d midi clips, gain %.1f dB%s\n",
				i+1, tr.Name, len(tr.Clips), len(tr.MidiClips), tr.GainDB, muted)
		}

		fmt.Printf("\n=== FILE PATHS ===\n")
		fmt.Printf("mixdown: %s\n", mix.New(cfg).OutputPath(sess.Name))
		fmt.Printf("takes: %s\n", cfg.Output.Directory)
		fmt.Printf("disk: %s\n", cfg.DiskPath())

		fmt.Printf("\n=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Inheritance.Profile)
		sections := []struct {
			name string
			keys []setting
		}{
			{"Audio", []setting{
				{"audio.backend", cfg.Audio.Backend},
				{"audio.device", cfg.Audio.Device},
				{"audio.sample_rate", cfg.Audio.SampleRate},
				{"audio.block_size", cfg.Audio.BlockSize},
				{"audio.output_channels", cfg.Audio.OutputChannels},
				{"audio.input_channels", cfg.Audio.InputChannels},
				{"audio.cpu_limit", cfg.Audio.CPULimit},
			}},
			{"Mixer", []setting{
				{"mixer.threads", cfg.Mixer.Threads},
				{"buffering.min_chunk_samples", cfg.Buffering.MinChunkSamples},
			}},
			{"Transport", []setting{
				{"transport.snap", cfg.Transport.Snap},
				{"transport.count_in_beats", cfg.Transport.CountInBeats},
				{"transport.return_to_start_on_stop", cfg.Transport.ReturnToStartOnStop},
				{"transport.nudge_seconds", cfg.Transport.NudgeSeconds},
				{"transport.send_mmc", cfg.Transport.SendMMC},
			}},
			{"MIDI", []setting{
				{"midi.outputs", cfg.Midi.Outputs},
				{"midi.inputs", cfg.Midi.Inputs},
				{"midi.pre_delay", cfg.Midi.PreDelay},
			}},
			{"Sync", []setting{
				{"sync.mtc.enabled", cfg.Sync.MTC.Enabled},
				{"sync.mtc.input", cfg.Sync.MTC.Input},
				{"sync.link.enabled", cfg.Sync.Link.Enabled},
				{"sync.link.quantum", cfg.Sync.Link.Quantum},
			}},
			{"Output", []setting{
				{"output.directory", cfg.Output.Directory},
				{"output.format", cfg.Output.Format},
				{"output.bit_depth", cfg.Output.BitDepth},
				{"disk.min_free_mb", cfg.Disk.MinFreeMB},
			}},
		}
		for _, s := range sections {
			fmt.Printf("\n[%s]\n", s.name)
			for _, k := range s.keys {
				fmt.Printf("%s: %v %s\n", k.key, k.value, getInheritanceIndicator(cfg.Inheritance.Source(k.key)))
			}
		}

		fmt.Printf("\n[Inputs]\n")
		for i, in := range cfg.Inputs {
			armed := ""
			if in.Armed {
				armed = " [armed]"
			}
			switch in.Type {
			case "midi":
				fmt.Printf("%d. %s: midi port %q%s\n", i+1, in.Name, in.Port, armed)
			default:
				fmt.Printf("%d. %s: audio channels %v%s\n", i+1, in.Name, in.Sources, armed)
			}
		}

		return nil
	},
}

type setting struct {
	key   string
	value any
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
