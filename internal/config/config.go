package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/jamengine/internal/audio"
	"github.com/audiolibrelab/jamengine/internal/clocksync"
	"github.com/audiolibrelab/jamengine/internal/device"
	"github.com/audiolibrelab/jamengine/internal/graph"
	"github.com/audiolibrelab/jamengine/internal/midi"
	"github.com/audiolibrelab/jamengine/internal/playback"
	"github.com/audiolibrelab/jamengine/internal/transport"
)

const envPrefix = "JAMENGINE"

type DefinitionsConfig struct {
	Inputs []InputDefinition `mapstructure:"inputs" yaml:"inputs"`
}

// InputDefinition describes a recordable input once; profiles refer to it
// by ID.
type InputDefinition struct {
	ID        string `mapstructure:"id" yaml:"id"`
	Name      string `mapstructure:"name" yaml:"name"`
	Type      string `mapstructure:"type" yaml:"type"`           // "audio", "midi"
	Sources   []int  `mapstructure:"sources" yaml:"sources"`     // 1-based device inputs: mono=[n], stereo=[l,r]
	AudioMode string `mapstructure:"audioMode" yaml:"audioMode"` // "mono" (default), "stereo"
	Port      string `mapstructure:"port" yaml:"port"`           // MIDI input port
}

type InputReference struct {
	Ref   string `mapstructure:"ref" yaml:"ref"`
	Armed *bool  `mapstructure:"armed,omitempty" yaml:"armed,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Audio        *AudioConfig              `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is a resolved profile.
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Mixer     MixerConfig     `mapstructure:"mixer" yaml:"mixer"`
	Buffering BufferingConfig `mapstructure:"buffering" yaml:"buffering"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Midi      MidiConfig      `mapstructure:"midi" yaml:"midi"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Disk      DiskConfig      `mapstructure:"disk" yaml:"disk"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Inputs    []Input         `mapstructure:"inputs" yaml:"inputs"`

	// Internal field to track inheritance information for the info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Audio     AudioConfig      `mapstructure:"audio" yaml:"audio"`
	Mixer     MixerConfig      `mapstructure:"mixer" yaml:"mixer"`
	Buffering BufferingConfig  `mapstructure:"buffering" yaml:"buffering"`
	Transport TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Midi      MidiConfig       `mapstructure:"midi" yaml:"midi"`
	Sync      SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Disk      DiskConfig       `mapstructure:"disk" yaml:"disk"`
	Output    OutputConfig     `mapstructure:"output" yaml:"output"`
	Inputs    []InputReference `mapstructure:"inputs" yaml:"inputs"`
}

// InheritanceInfo records where each resolved key came from.
type InheritanceInfo struct {
	Profile     string
	profileKeys map[string]bool
	fileKeys    map[string]bool
}

// Source returns "profile-specific", "inherited" or "default" for a
// dotted key such as "audio.sample_rate".
func (i *InheritanceInfo) Source(key string) string {
	if i == nil {
		return "default"
	}
	key = strings.ToLower(key)
	switch {
	case i.profileKeys[key]:
		return "profile-specific"
	case i.fileKeys[key]:
		return "inherited"
	}
	return "default"
}

type AudioConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // "oto", "null", "auto"
	Device         string        `mapstructure:"device" yaml:"device"`
	SampleRate     int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	BlockSize      int           `mapstructure:"block_size" yaml:"block_size"`
	OutputChannels int           `mapstructure:"output_channels" yaml:"output_channels"`
	InputChannels  int           `mapstructure:"input_channels" yaml:"input_channels"`
	OutputLatency  time.Duration `mapstructure:"output_latency" yaml:"output_latency"`
	// CPULimit mutes the output above this smoothed load; negative disables it.
	CPULimit          float64 `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	CPUReportInterval int     `mapstructure:"cpu_report_interval" yaml:"cpu_report_interval"`
}

type MixerConfig struct {
	Threads             int  `mapstructure:"threads" yaml:"threads"` // -1 = one per core but one
	Use64BitAccumulator bool `mapstructure:"use_64bit_accumulator" yaml:"use_64bit_accumulator"`
}

type BufferingConfig struct {
	MinChunkSamples int `mapstructure:"min_chunk_samples" yaml:"min_chunk_samples"`
}

type TransportConfig struct {
	ReturnToStartOnStop           bool          `mapstructure:"return_to_start_on_stop" yaml:"return_to_start_on_stop"`
	AllowRecordWithoutArmedInputs bool          `mapstructure:"allow_record_without_armed_inputs" yaml:"allow_record_without_armed_inputs"`
	CountInBeats                  int           `mapstructure:"count_in_beats" yaml:"count_in_beats"`
	Snap                          string        `mapstructure:"snap" yaml:"snap"` // "beats:1", "bars:2", "seconds:0.5", "frames:1"
	SnapRepeat                    bool          `mapstructure:"snap_repeat" yaml:"snap_repeat"`
	NudgeSeconds                  float64       `mapstructure:"nudge_seconds" yaml:"nudge_seconds"`
	ScrubInterval                 float64       `mapstructure:"scrub_interval" yaml:"scrub_interval"`
	SendMMC                       bool          `mapstructure:"send_mmc" yaml:"send_mmc"`
	TimecodeFPS                   int           `mapstructure:"timecode_fps" yaml:"timecode_fps"`
	UpdateInterval                time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
}

type MidiConfig struct {
	Outputs      []string      `mapstructure:"outputs" yaml:"outputs"`
	Inputs       []string      `mapstructure:"inputs" yaml:"inputs"`
	PreDelay     time.Duration `mapstructure:"pre_delay" yaml:"pre_delay"`
	StaleHorizon time.Duration `mapstructure:"stale_horizon" yaml:"stale_horizon"`
}

type SyncConfig struct {
	MTC  MTCConfig  `mapstructure:"mtc" yaml:"mtc"`
	Link LinkConfig `mapstructure:"link" yaml:"link"`
}

type MTCConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Input       string        `mapstructure:"input" yaml:"input"`
	IgnoreHours bool          `mapstructure:"ignore_hours" yaml:"ignore_hours"`
	Offset      float64       `mapstructure:"offset_seconds" yaml:"offset_seconds"`
	Dropout     time.Duration `mapstructure:"dropout" yaml:"dropout"`

	clocksync.DriftConfig `mapstructure:",squash" yaml:",inline"`
}

type LinkConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Quantum       float64       `mapstructure:"quantum" yaml:"quantum"`
	CustomOffset  time.Duration `mapstructure:"custom_offset" yaml:"custom_offset"`
	MinBPM        float64       `mapstructure:"min_bpm" yaml:"min_bpm"`
	MaxBPM        float64       `mapstructure:"max_bpm" yaml:"max_bpm"`
	HardThreshold float64       `mapstructure:"hard_threshold_beats" yaml:"hard_threshold_beats"`
	Gain          float64       `mapstructure:"gain" yaml:"gain"`
	MaxSpeedComp  float64       `mapstructure:"max_speed_comp" yaml:"max_speed_comp"`
	Inhibit       time.Duration `mapstructure:"inhibit" yaml:"inhibit"`
}

type DiskConfig struct {
	Path          string        `mapstructure:"path" yaml:"path"` // defaults to the output directory
	MinFreeMB     int           `mapstructure:"min_free_mb" yaml:"min_free_mb"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"`
	BitDepth  int    `mapstructure:"bit_depth" yaml:"bit_depth"`
}

// Input is a resolved input reference.
type Input struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Type      string `mapstructure:"type" yaml:"type"`
	Sources   []int  `mapstructure:"sources" yaml:"sources,omitempty"`
	AudioMode string `mapstructure:"audioMode" yaml:"audioMode,omitempty"`
	Port      string `mapstructure:"port" yaml:"port,omitempty"`
	Armed     bool   `mapstructure:"armed" yaml:"armed"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		Backend:           "auto",
		SampleRate:        48000,
		BlockSize:         512,
		OutputChannels:    2,
		OutputLatency:     40 * time.Millisecond,
		CPULimit:          device.DefaultCPULimit,
		CPUReportInterval: 0,
	},
	Mixer: MixerConfig{Threads: -1},
	Transport: TransportConfig{
		Snap:           "beats:1",
		NudgeSeconds:   0.1,
		ScrubInterval:  0.05,
		TimecodeFPS:    25,
		UpdateInterval: 50 * time.Millisecond,
	},
	Midi: MidiConfig{StaleHorizon: midi.DefaultHorizon},
	Sync: SyncConfig{
		MTC: MTCConfig{
			Dropout:     100 * time.Millisecond,
			DriftConfig: clocksync.DefaultDriftConfig(),
		},
		Link: LinkConfig{
			MinBPM:        20,
			MaxBPM:        999,
			HardThreshold: 1,
			Gain:          250,
			MaxSpeedComp:  10,
			Inhibit:       250 * time.Millisecond,
		},
	},
	Disk: DiskConfig{
		MinFreeMB:     50,
		CheckInterval: time.Second,
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "JamEngine"),
		Format:    "wav",
		BitDepth:  24,
	},
}

// Default returns the built-in configuration, used when no file is given.
func Default() *Config {
	c := defaultConfig
	c.Inheritance = &InheritanceInfo{Profile: "default"}
	return &c
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.block_size", d.Audio.BlockSize)
	v.SetDefault("audio.output_channels", d.Audio.OutputChannels)
	v.SetDefault("audio.input_channels", d.Audio.InputChannels)
	v.SetDefault("audio.output_latency", d.Audio.OutputLatency)
	v.SetDefault("audio.cpu_limit", d.Audio.CPULimit)
	v.SetDefault("audio.cpu_report_interval", d.Audio.CPUReportInterval)

	v.SetDefault("mixer.threads", d.Mixer.Threads)
	v.SetDefault("mixer.use_64bit_accumulator", d.Mixer.Use64BitAccumulator)
	v.SetDefault("buffering.min_chunk_samples", d.Buffering.MinChunkSamples)

	v.SetDefault("transport.return_to_start_on_stop", d.Transport.ReturnToStartOnStop)
	v.SetDefault("transport.allow_record_without_armed_inputs", d.Transport.AllowRecordWithoutArmedInputs)
	v.SetDefault("transport.count_in_beats", d.Transport.CountInBeats)
	v.SetDefault("transport.snap", d.Transport.Snap)
	v.SetDefault("transport.snap_repeat", d.Transport.SnapRepeat)
	v.SetDefault("transport.nudge_seconds", d.Transport.NudgeSeconds)
	v.SetDefault("transport.scrub_interval", d.Transport.ScrubInterval)
	v.SetDefault("transport.send_mmc", d.Transport.SendMMC)
	v.SetDefault("transport.timecode_fps", d.Transport.TimecodeFPS)
	v.SetDefault("transport.update_interval", d.Transport.UpdateInterval)

	v.SetDefault("midi.outputs", []string{})
	v.SetDefault("midi.inputs", []string{})
	v.SetDefault("midi.pre_delay", d.Midi.PreDelay)
	v.SetDefault("midi.stale_horizon", d.Midi.StaleHorizon)

	mtc := d.Sync.MTC
	v.SetDefault("sync.mtc.enabled", mtc.Enabled)
	v.SetDefault("sync.mtc.input", mtc.Input)
	v.SetDefault("sync.mtc.ignore_hours", mtc.IgnoreHours)
	v.SetDefault("sync.mtc.offset_seconds", mtc.Offset)
	v.SetDefault("sync.mtc.dropout", mtc.Dropout)
	v.SetDefault("sync.mtc.hard_threshold", mtc.HardThreshold)
	v.SetDefault("sync.mtc.soft_threshold", mtc.SoftThreshold)
	v.SetDefault("sync.mtc.smoothing", mtc.Smoothing)
	v.SetDefault("sync.mtc.min_samples", mtc.MinSamples)
	v.SetDefault("sync.mtc.nudge_percent", mtc.NudgePercent)
	v.SetDefault("sync.mtc.gain", mtc.Gain)
	v.SetDefault("sync.mtc.max_speed_comp", mtc.MaxSpeedComp)

	link := d.Sync.Link
	v.SetDefault("sync.link.enabled", link.Enabled)
	v.SetDefault("sync.link.quantum", link.Quantum)
	v.SetDefault("sync.link.custom_offset", link.CustomOffset)
	v.SetDefault("sync.link.min_bpm", link.MinBPM)
	v.SetDefault("sync.link.max_bpm", link.MaxBPM)
	v.SetDefault("sync.link.hard_threshold_beats", link.HardThreshold)
	v.SetDefault("sync.link.gain", link.Gain)
	v.SetDefault("sync.link.max_speed_comp", link.MaxSpeedComp)
	v.SetDefault("sync.link.inhibit", link.Inhibit)

	v.SetDefault("disk.path", d.Disk.Path)
	v.SetDefault("disk.min_free_mb", d.Disk.MinFreeMB)
	v.SetDefault("disk.check_interval", d.Disk.CheckInterval)

	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.bit_depth", d.Output.BitDepth)
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadWithProfile reads configFile and resolves the named profile, or the
// file's active_config when profile is empty. Non-default profiles are
// merged over the default profile, key by key.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	rootConfig, err := validateConfigurationFormat(v)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}
	if _, exists := rootConfig.Configs[configName]; !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	merged := newViper()
	setDefaults(merged)
	inheritance := &InheritanceInfo{
		Profile:     configName,
		profileKeys: make(map[string]bool),
		fileKeys:    make(map[string]bool),
	}

	layer := func(key string, profileSpecific bool) error {
		sub := v.Sub(key)
		if sub == nil {
			return nil
		}
		for _, k := range sub.AllKeys() {
			if profileSpecific {
				inheritance.profileKeys[k] = true
			} else {
				inheritance.fileKeys[k] = true
			}
		}
		return merged.MergeConfigMap(sub.AllSettings())
	}

	// Global audio settings are the base of every profile.
	if rootConfig.Audio != nil {
		if sub := v.Sub("audio"); sub != nil {
			for _, k := range sub.AllKeys() {
				inheritance.fileKeys["audio."+k] = true
			}
			if err := merged.MergeConfigMap(map[string]interface{}{"audio": sub.AllSettings()}); err != nil {
				return nil, fmt.Errorf("error merging global audio settings: %w", err)
			}
		}
	}
	if configName != "default" {
		if err := layer("configs.default", false); err != nil {
			return nil, fmt.Errorf("error merging default configuration: %w", err)
		}
	}
	if err := layer("configs."+configName, true); err != nil {
		return nil, fmt.Errorf("error merging configuration profile '%s': %w", configName, err)
	}

	var selected ConfigProfile
	if err := merged.Unmarshal(&selected, decodeHook()); err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	selectedConfig, err := convertProfileToConfig(&selected, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}
	selectedConfig.Inheritance = inheritance

	// The global recordings directory takes priority over any profile.
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Disk.Path = expandPath(selectedConfig.Disk.Path)

	if err := selectedConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the profile names of configFile, sorted, and the
// active one.
func ListProfiles(configFile string) (profiles []string, active string, err error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	for name := range v.GetStringMap("configs") {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	active = v.GetString("active_config")
	if active == "" {
		active = "default"
	}
	return profiles, active, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving input references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Audio:     profile.Audio,
		Mixer:     profile.Mixer,
		Buffering: profile.Buffering,
		Transport: profile.Transport,
		Midi:      profile.Midi,
		Sync:      profile.Sync,
		Disk:      profile.Disk,
		Output:    profile.Output,
	}

	for i, ref := range profile.Inputs {
		if ref.Ref == "" {
			return nil, fmt.Errorf("inputs[%d]: 'ref' is required", i)
		}

		var definition *InputDefinition
		if definitions != nil {
			for j := range definitions.Inputs {
				if definitions.Inputs[j].ID == ref.Ref {
					definition = &definitions.Inputs[j]
					break
				}
			}
		}
		if definition == nil {
			return nil, fmt.Errorf("inputs[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		input := Input{
			Name:      definition.Name,
			Type:      definition.Type,
			Sources:   definition.Sources,
			AudioMode: definition.AudioMode,
			Port:      definition.Port,
			Armed:     true,
		}
		if input.Type == "audio" && input.AudioMode == "" {
			input.AudioMode = "mono"
		}
		if ref.Armed != nil {
			input.Armed = *ref.Armed
		}
		config.Inputs = append(config.Inputs, input)
	}

	return config, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DeviceConfig returns the devices to open. MIDI inputs used by armed
// inputs and by timecode sync are opened as well as the listed ones.
func (c *Config) DeviceConfig() device.Config {
	inputs := append([]string(nil), c.Midi.Inputs...)
	addInput := func(name string) {
		if name == "" {
			return
		}
		for _, in := range inputs {
			if in == name {
				return
			}
		}
		inputs = append(inputs, name)
	}
	for _, in := range c.Inputs {
		if in.Type == "midi" {
			addInput(in.Port)
		}
	}
	if c.Sync.MTC.Enabled {
		addInput(c.Sync.MTC.Input)
	}

	return device.Config{
		Backend:           c.Audio.Backend,
		Device:            c.Audio.Device,
		SampleRate:        float64(c.Audio.SampleRate),
		BlockSize:         c.Audio.BlockSize,
		InputChannels:     c.Audio.InputChannels,
		OutputChannels:    c.Audio.OutputChannels,
		BufferDuration:    c.Audio.OutputLatency,
		CPULimit:          c.Audio.CPULimit,
		CPUReportInterval: c.Audio.CPUReportInterval,
		MidiOutputs:       c.Midi.Outputs,
		MidiInputs:        inputs,
		MidiPreDelay:      c.Midi.PreDelay,
	}
}

// MixerThreads returns the number of mixer workers to run.
func (c *Config) MixerThreads() int {
	if c.Mixer.Threads < 0 {
		return graph.DefaultNumThreads()
	}
	return c.Mixer.Threads
}

func (c *Config) TransportOptions() (transport.Options, error) {
	o := transport.DefaultOptions()
	t := c.Transport
	if t.Snap != "" {
		snap, err := transport.ParseSnapType(t.Snap, float64(t.TimecodeFPS))
		if err != nil {
			return o, fmt.Errorf("transport.snap: %w", err)
		}
		o.Snap = snap
	}
	o.ReturnToStartOnStop = t.ReturnToStartOnStop
	o.AllowRecordWithoutArmedInputs = t.AllowRecordWithoutArmedInputs
	o.CountInBeats = t.CountInBeats
	o.SnapRepeat = t.SnapRepeat
	if t.NudgeSeconds > 0 {
		o.NudgeSeconds = t.NudgeSeconds
	}
	if t.ScrubInterval > 0 {
		o.ScrubInterval = t.ScrubInterval
	}
	o.SendMMC = t.SendMMC
	if t.TimecodeFPS > 0 {
		o.TimecodeFPS = t.TimecodeFPS
	}
	return o, nil
}

func (c *Config) MTCReaderConfig() clocksync.MTCConfig {
	return clocksync.MTCConfig{
		IgnoreHours: c.Sync.MTC.IgnoreHours,
		Offset:      c.Sync.MTC.Offset,
		Dropout:     c.Sync.MTC.Dropout,
		Drift:       c.Sync.MTC.DriftConfig,
	}
}

func (c *Config) LinkSyncConfig() clocksync.LinkConfig {
	l := c.Sync.Link
	return clocksync.LinkConfig{
		Quantum:       l.Quantum,
		CustomOffset:  l.CustomOffset,
		MinBPM:        l.MinBPM,
		MaxBPM:        l.MaxBPM,
		HardThreshold: l.HardThreshold,
		Gain:          l.Gain,
		MaxSpeedComp:  l.MaxSpeedComp,
		Inhibit:       l.Inhibit,
	}
}

// WaveInputs returns the armed audio inputs with 0-based channels.
func (c *Config) WaveInputs() []playback.WaveInput {
	var inputs []playback.WaveInput
	for _, in := range c.Inputs {
		if in.Type != "audio" || !in.Armed {
			continue
		}
		w := playback.WaveInput{Name: in.Name}
		for _, s := range in.Sources {
			w.Channels = append(w.Channels, s-1)
		}
		inputs = append(inputs, w)
	}
	return inputs
}

// MidiRecordInputs returns the ports of the armed MIDI inputs.
func (c *Config) MidiRecordInputs() []string {
	var ports []string
	for _, in := range c.Inputs {
		if in.Type == "midi" && in.Armed {
			ports = append(ports, in.Port)
		}
	}
	return ports
}

// DiskPath returns the directory whose free space is monitored.
func (c *Config) DiskPath() string {
	if c.Disk.Path != "" {
		return c.Disk.Path
	}
	return c.Output.Directory
}

func isKnownBackend(name string) bool {
	if name == "" || audio.BackendType(strings.ToLower(name)) == audio.BackendTypeAuto {
		return true
	}
	for _, b := range audio.GetAvailableBackends() {
		if audio.BackendType(strings.ToLower(name)) == b {
			return true
		}
	}
	return false
}
