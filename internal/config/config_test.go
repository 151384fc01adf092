package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/jamengine/internal/transport"
)

const layeredConfig = `
active_config: live

audio:
  sample_rate: 44100

definitions:
  inputs:
    - id: gtr
      name: guitar
      type: audio
      sources: [1]
    - id: keys
      name: keys
      type: audio
      audiomode: stereo
      sources: [3, 4]
    - id: pads
      name: pads
      type: midi
      port: "Pad Controller"

configs:
  default:
    audio:
      block_size: 256
      input_channels: 4
    transport:
      return_to_start_on_stop: true
    sync:
      mtc:
        enabled: true
        input: "MTC In"
        dropout: 250ms
        soft_threshold: 0.02
    inputs:
      - ref: gtr
  live:
    audio:
      block_size: 128
    transport:
      return_to_start_on_stop: false
      snap: bars:2
    inputs:
      - ref: keys
      - ref: pads
        armed: false
`

func TestLoadWithProfile_MergesOverDefault(t *testing.T) {
	configFile := createTempConfig(t, layeredConfig)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100 from the global audio section, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.BlockSize != 128 {
		t.Errorf("Expected block size 128 from the profile, got %d", cfg.Audio.BlockSize)
	}
	if cfg.Audio.InputChannels != 4 {
		t.Errorf("Expected 4 input channels from the default profile, got %d", cfg.Audio.InputChannels)
	}
	if cfg.Transport.ReturnToStartOnStop {
		t.Error("Expected an explicit false in the profile to override the default profile")
	}
	if !cfg.Sync.MTC.Enabled || cfg.Sync.MTC.Input != "MTC In" {
		t.Errorf("Expected timecode sync inherited from default, got %+v", cfg.Sync.MTC)
	}

	// Inputs are selected by the profile, not merged.
	if len(cfg.Inputs) != 2 {
		t.Fatalf("Expected 2 inputs, got %d", len(cfg.Inputs))
	}
	if cfg.Inputs[0].Name != "keys" || cfg.Inputs[0].AudioMode != "stereo" || !cfg.Inputs[0].Armed {
		t.Errorf("Unexpected first input: %+v", cfg.Inputs[0])
	}
	if cfg.Inputs[1].Name != "pads" || cfg.Inputs[1].Armed {
		t.Errorf("Expected pads to be disarmed, got %+v", cfg.Inputs[1])
	}

	tests := []struct {
		key  string
		want string
	}{
		{"audio.block_size", "profile-specific"},
		{"audio.sample_rate", "inherited"},
		{"sync.mtc.enabled", "inherited"},
		{"audio.output_channels", "default"},
	}
	for _, tt := range tests {
		if got := cfg.Inheritance.Source(tt.key); got != tt.want {
			t.Errorf("Source(%s): expected %s, got %s", tt.key, tt.want, got)
		}
	}
	if cfg.Inheritance.Profile != "live" {
		t.Errorf("Expected profile 'live', got '%s'", cfg.Inheritance.Profile)
	}
}

func TestLoadWithProfile_DefaultsAndDurations(t *testing.T) {
	configFile := createTempConfig(t, layeredConfig)

	cfg, err := LoadWithProfile(configFile, "default")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Audio.OutputChannels != 2 {
		t.Errorf("Expected 2 output channels by default, got %d", cfg.Audio.OutputChannels)
	}
	if cfg.Transport.Snap != "beats:1" {
		t.Errorf("Expected default snap 'beats:1', got '%s'", cfg.Transport.Snap)
	}
	if cfg.Sync.MTC.Dropout != 250*time.Millisecond {
		t.Errorf("Expected dropout 250ms, got %s", cfg.Sync.MTC.Dropout)
	}

	mtc := cfg.MTCReaderConfig()
	if mtc.Drift.SoftThreshold != 0.02 {
		t.Errorf("Expected soft threshold 0.02, got %f", mtc.Drift.SoftThreshold)
	}
	if mtc.Drift.HardThreshold != 2.0 {
		t.Errorf("Expected default hard threshold 2.0, got %f", mtc.Drift.HardThreshold)
	}
	if cfg.Midi.StaleHorizon != 250*time.Millisecond {
		t.Errorf("Expected stale horizon 250ms, got %s", cfg.Midi.StaleHorizon)
	}
}

func TestLoadWithProfile_EnvironmentOverride(t *testing.T) {
	configFile := createTempConfig(t, layeredConfig)
	t.Setenv("JAMENGINE_AUDIO_BLOCK_SIZE", "64")

	cfg, err := LoadWithProfile(configFile, "live")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Audio.BlockSize != 64 {
		t.Errorf("Expected block size 64 from the environment, got %d", cfg.Audio.BlockSize)
	}
}

func TestLoadWithProfile_ProfileNotFound(t *testing.T) {
	configFile := createTempConfig(t, layeredConfig)

	_, err := LoadWithProfile(configFile, "missing")
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !strings.Contains(err.Error(), "'missing' not found") {
		t.Errorf("Expected error about the missing profile, got: %v", err)
	}
}

func TestLoadWithProfile_NoFile(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error when no config file is given")
	}
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
configs:
    test:
        output:
            directory: /profile/recordings
            bit_depth: 16
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	expectedDir := "/global/recordings"
	if cfg.Output.Directory != expectedDir {
		t.Errorf("Expected directory '%s' from globals, got '%s'", expectedDir, cfg.Output.Directory)
	}
	if cfg.Output.BitDepth != 16 {
		t.Errorf("Expected bit depth 16 from profile, got %d", cfg.Output.BitDepth)
	}
	if cfg.DiskPath() != expectedDir {
		t.Errorf("Expected the disk monitor to watch '%s', got '%s'", expectedDir, cfg.DiskPath())
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/JamEngine", filepath.Join(homeDir, "Audio", "JamEngine")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestConfig_DeviceConfig(t *testing.T) {
	cfg := Default()
	cfg.Midi.Inputs = []string{"Keyboard"}
	cfg.Sync.MTC.Enabled = true
	cfg.Sync.MTC.Input = "MTC In"
	cfg.Inputs = []Input{
		{Name: "pads", Type: "midi", Port: "Pads", Armed: true},
		{Name: "keys", Type: "midi", Port: "Keyboard", Armed: true},
	}

	dc := cfg.DeviceConfig()
	want := []string{"Keyboard", "Pads", "MTC In"}
	if strings.Join(dc.MidiInputs, ",") != strings.Join(want, ",") {
		t.Errorf("Expected MIDI inputs %v, got %v", want, dc.MidiInputs)
	}
	if dc.SampleRate != 48000 || dc.BlockSize != 512 {
		t.Errorf("Expected 48000Hz/512, got %g/%d", dc.SampleRate, dc.BlockSize)
	}
	if dc.BufferDuration != cfg.Audio.OutputLatency {
		t.Errorf("Expected buffer duration %s, got %s", cfg.Audio.OutputLatency, dc.BufferDuration)
	}
}

func TestConfig_TransportOptions(t *testing.T) {
	cfg := Default()
	cfg.Transport.Snap = "bars:2"
	cfg.Transport.ReturnToStartOnStop = true

	o, err := cfg.TransportOptions()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if o.Snap.Kind != transport.SnapBars || o.Snap.Interval != 2 {
		t.Errorf("Expected snap bars:2, got %s", o.Snap)
	}
	if !o.ReturnToStartOnStop {
		t.Error("Expected return to start on stop")
	}
	if o.TimecodeFPS != 25 {
		t.Errorf("Expected 25fps, got %d", o.TimecodeFPS)
	}

	cfg.Transport.Snap = "furlongs"
	if _, err := cfg.TransportOptions(); err == nil {
		t.Error("Expected error for an unknown snap type")
	}
}

func TestConfig_WaveInputs(t *testing.T) {
	cfg := Default()
	cfg.Inputs = []Input{
		{Name: "guitar", Type: "audio", Sources: []int{1}, Armed: true},
		{Name: "keys", Type: "audio", Sources: []int{3, 4}, Armed: true},
		{Name: "spare", Type: "audio", Sources: []int{2}, Armed: false},
		{Name: "pads", Type: "midi", Port: "Pads", Armed: true},
	}

	waves := cfg.WaveInputs()
	if len(waves) != 2 {
		t.Fatalf("Expected 2 armed audio inputs, got %d", len(waves))
	}
	if waves[1].Name != "keys" || waves[1].Channels[0] != 2 || waves[1].Channels[1] != 3 {
		t.Errorf("Expected keys on channels 2 and 3, got %+v", waves[1])
	}
	if ports := cfg.MidiRecordInputs(); len(ports) != 1 || ports[0] != "Pads" {
		t.Errorf("Expected MIDI port Pads, got %v", ports)
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, layeredConfig)

	if err := UpdateActiveConfig(configFile, "default"); err != nil {
		t.Fatalf("Failed to update active config: %v", err)
	}
	profiles, active, err := ListProfiles(configFile)
	if err != nil {
		t.Fatalf("Failed to list profiles: %v", err)
	}
	if active != "default" {
		t.Errorf("Expected active profile 'default', got '%s'", active)
	}
	if strings.Join(profiles, ",") != "default,live" {
		t.Errorf("Expected profiles [default live], got %v", profiles)
	}

	if err := UpdateActiveConfig(configFile, "missing"); err == nil {
		t.Error("Expected error when activating an unknown profile")
	}
}

// createTempConfig writes content to a config file removed with the test.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jamengine-test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}
