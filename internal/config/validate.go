package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/jamengine/internal/transport"
)

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return validateConfigurationFormat(v)
}

func validateConfigurationFormat(v *viper.Viper) (*RootConfig, error) {
	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig, decodeHook()); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	// Validate that all input references in configs are valid
	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			continue
		}
		if err := validateInputReferences(configProfile.Inputs, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It is optional:
// a configuration without recordable inputs is valid.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Inputs {
		if def.ID == "" {
			return fmt.Errorf("definitions.inputs[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.inputs[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateInputDefinition(def, fmt.Sprintf("definitions.inputs[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateInputDefinition validates a single input definition
func validateInputDefinition(def InputDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}

	switch def.Type {
	case "":
		return fmt.Errorf("%s: 'type' is required", prefix)
	case "midi":
		if def.Port == "" {
			return fmt.Errorf("%s: MIDI input requires a 'port'", prefix)
		}
		return nil
	case "audio":
	default:
		return fmt.Errorf("%s: 'type' must be 'audio' or 'midi', got: %s", prefix, def.Type)
	}

	if def.AudioMode != "" && def.AudioMode != "mono" && def.AudioMode != "stereo" {
		return fmt.Errorf("%s: 'audioMode' must be 'mono' or 'stereo', got: %s", prefix, def.AudioMode)
	}

	mode := def.AudioMode
	if mode == "" {
		mode = "mono"
	}

	expectedSources := 1
	if mode == "stereo" {
		expectedSources = 2
	}
	if len(def.Sources) != expectedSources {
		return fmt.Errorf("%s: audioMode '%s' requires exactly %d source(s), got %d",
			prefix, mode, expectedSources, len(def.Sources))
	}

	for j, source := range def.Sources {
		if source < 1 {
			return fmt.Errorf("%s: source[%d] must be a device input number starting at 1, got: %d", prefix, j, source)
		}
	}

	return nil
}

// validateInputReferences validates input references in a config profile
func validateInputReferences(inputs []InputReference, definitions *DefinitionsConfig) error {
	for i, ref := range inputs {
		prefix := fmt.Sprintf("inputs[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		found := false
		if definitions != nil {
			for _, def := range definitions.Inputs {
				if def.ID == ref.Ref {
					found = true
					break
				}
			}
		}

		if !found {
			return fmt.Errorf("%s: references undefined input definition '%s'", prefix, ref.Ref)
		}
	}

	return nil
}

// Validate checks a resolved configuration.
func (c *Config) Validate() error {
	a := c.Audio
	if !isKnownBackend(a.Backend) {
		return fmt.Errorf("audio.backend: unknown backend '%s'", a.Backend)
	}
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", a.SampleRate)
	}
	if a.BlockSize <= 0 {
		return fmt.Errorf("audio.block_size must be > 0, got: %d", a.BlockSize)
	}
	if a.OutputChannels <= 0 {
		return fmt.Errorf("audio.output_channels must be > 0, got: %d", a.OutputChannels)
	}
	if a.InputChannels < 0 {
		return fmt.Errorf("audio.input_channels must be >= 0, got: %d", a.InputChannels)
	}
	if a.CPULimit > 1 {
		return fmt.Errorf("audio.cpu_limit must be <= 1, got: %.2f", a.CPULimit)
	}

	if c.Mixer.Threads < -1 {
		return fmt.Errorf("mixer.threads must be >= -1, got: %d", c.Mixer.Threads)
	}
	if c.Buffering.MinChunkSamples < 0 {
		return fmt.Errorf("buffering.min_chunk_samples must be >= 0, got: %d", c.Buffering.MinChunkSamples)
	}

	t := c.Transport
	switch t.TimecodeFPS {
	case 24, 25, 30:
	default:
		return fmt.Errorf("transport.timecode_fps must be 24, 25 or 30, got: %d", t.TimecodeFPS)
	}
	if t.Snap != "" {
		if _, err := transport.ParseSnapType(t.Snap, float64(t.TimecodeFPS)); err != nil {
			return fmt.Errorf("transport.snap: %w", err)
		}
	}
	if t.CountInBeats < 0 {
		return fmt.Errorf("transport.count_in_beats must be >= 0, got: %d", t.CountInBeats)
	}
	if t.NudgeSeconds < 0 {
		return fmt.Errorf("transport.nudge_seconds must be >= 0, got: %.3f", t.NudgeSeconds)
	}

	if c.Midi.PreDelay < 0 {
		return fmt.Errorf("midi.pre_delay must be >= 0, got: %s", c.Midi.PreDelay)
	}

	mtc := c.Sync.MTC
	if mtc.Enabled && mtc.Input == "" {
		return fmt.Errorf("sync.mtc: 'input' is required when enabled")
	}
	if mtc.Smoothing < 0 || mtc.Smoothing >= 1 {
		return fmt.Errorf("sync.mtc.smoothing must be in [0, 1), got: %.3f", mtc.Smoothing)
	}
	if mtc.SoftThreshold > 0 && mtc.HardThreshold > 0 && mtc.SoftThreshold >= mtc.HardThreshold {
		return fmt.Errorf("sync.mtc.soft_threshold (%.3f) must be below hard_threshold (%.3f)", mtc.SoftThreshold, mtc.HardThreshold)
	}

	link := c.Sync.Link
	if link.MinBPM < 0 || link.MaxBPM <= link.MinBPM {
		return fmt.Errorf("sync.link: bpm range [%.1f, %.1f] is invalid", link.MinBPM, link.MaxBPM)
	}
	if link.Quantum < 0 {
		return fmt.Errorf("sync.link.quantum must be >= 0, got: %.2f", link.Quantum)
	}

	if c.Disk.MinFreeMB < 0 {
		return fmt.Errorf("disk.min_free_mb must be >= 0, got: %d", c.Disk.MinFreeMB)
	}

	if c.Output.Format != "wav" {
		return fmt.Errorf("output.format must be 'wav', got: %s", c.Output.Format)
	}
	switch c.Output.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("output.bit_depth must be 16, 24 or 32, got: %d", c.Output.BitDepth)
	}

	seen := make(map[string]bool)
	for i, in := range c.Inputs {
		if seen[in.Name] {
			return fmt.Errorf("inputs[%d]: duplicate input name '%s'", i, in.Name)
		}
		seen[in.Name] = true
		for j, source := range in.Sources {
			if source > a.InputChannels {
				return fmt.Errorf("inputs[%d] '%s' source[%d] is %d but the device has %d input(s)",
					i, in.Name, j, source, a.InputChannels)
			}
		}
	}

	return nil
}
