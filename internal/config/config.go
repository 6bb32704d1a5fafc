package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "REPLAYCAPTURE"
	DefaultProfile = "default"

	inheritedField = "inherited"
	profileField   = "profile-specific"
	builtinField   = "default"
)

type RootConfig struct {
	ActiveProfile string                    `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]map[string]any `mapstructure:"profiles" yaml:"profiles"`
}

type Config struct {
	ActorID string        `mapstructure:"actor_id" yaml:"actor_id"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// Profile is the resolved profile name
	Profile string `mapstructure:"-" yaml:"-"`
	// File is the configuration file the profile was read from, if any
	File string `mapstructure:"-" yaml:"-"`

	// Internal field to track inheritance information for info command
	Inheritance InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type CaptureConfig struct {
	SegmentDuration        time.Duration `mapstructure:"segment_duration" yaml:"segment_duration"`
	ClipDuration           int           `mapstructure:"clip_duration" yaml:"clip_duration"` // total seconds, pre = floor(T/2)
	StartTimeout           time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	StopTimeout            time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"` // 0 retries forever
	RestartAfterCapture    bool          `mapstructure:"restart_after_capture" yaml:"restart_after_capture"`
	VideoFrameDuration     time.Duration `mapstructure:"video_frame_duration" yaml:"video_frame_duration"`
	AudioFrameDuration     time.Duration `mapstructure:"audio_frame_duration" yaml:"audio_frame_duration"`
}

type BackendConfig struct {
	Type      string          `mapstructure:"type" yaml:"type"` // "ffmpeg", "synthetic", "auto"
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Synthetic SyntheticConfig `mapstructure:"synthetic" yaml:"synthetic"`
}

type FFmpegConfig struct {
	Binary      string   `mapstructure:"binary" yaml:"binary"`
	VideoFormat string   `mapstructure:"video_format" yaml:"video_format"`
	VideoDevice string   `mapstructure:"video_device" yaml:"video_device"` // empty disables video
	AudioFormat string   `mapstructure:"audio_format" yaml:"audio_format"`
	AudioDevice string   `mapstructure:"audio_device" yaml:"audio_device"` // empty disables audio
	Framerate   int      `mapstructure:"framerate" yaml:"framerate"`
	VideoCodec  string   `mapstructure:"video_codec" yaml:"video_codec"`
	AudioCodec  string   `mapstructure:"audio_codec" yaml:"audio_codec"`
	ExtraArgs   []string `mapstructure:"extra_args" yaml:"extra_args"`
}

type SyntheticConfig struct {
	FrameRate  float64 `mapstructure:"frame_rate" yaml:"frame_rate"`
	SampleRate int     `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type StorageConfig struct {
	ScratchDirectory string `mapstructure:"scratch_directory" yaml:"scratch_directory"`
	OutputDirectory  string `mapstructure:"output_directory" yaml:"output_directory"`
	Prefix           string `mapstructure:"prefix" yaml:"prefix"`
	Extension        string `mapstructure:"extension" yaml:"extension"`
	Pending          bool   `mapstructure:"pending" yaml:"pending"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "text", "json"
}

// InheritanceInfo maps dotted setting keys (e.g. "capture.clip_duration") to
// "inherited", "profile-specific" or "default".
type InheritanceInfo map[string]string

// Source returns where the value of key came from.
func (i InheritanceInfo) Source(key string) string {
	if s, ok := i[key]; ok {
		return s
	}
	return builtinField
}

var defaultConfig = Config{
	ActorID: "cam_1",
	Capture: CaptureConfig{
		SegmentDuration:        time.Second,
		ClipDuration:           10,
		StartTimeout:           2 * time.Second,
		StopTimeout:            3 * time.Second,
		MaxConsecutiveFailures: 5,
		RestartAfterCapture:    true,
		VideoFrameDuration:     33 * time.Millisecond,
		AudioFrameDuration:     21 * time.Millisecond,
	},
	Backend: BackendConfig{
		Type: "auto",
		FFmpeg: FFmpegConfig{
			Binary:      "ffmpeg",
			VideoFormat: "v4l2",
			VideoDevice: "/dev/video0",
			AudioFormat: "pulse",
			AudioDevice: "default",
			Framerate:   30,
			VideoCodec:  "libx264",
			AudioCodec:  "aac",
		},
		Synthetic: SyntheticConfig{
			FrameRate:  30,
			SampleRate: 48000,
		},
	},
	Storage: StorageConfig{
		ScratchDirectory: "~/.cache/replaycapture/segments",
		OutputDirectory:  "~/Videos/ReplayCapture",
		Prefix:           "segment_",
		Extension:        ".mp4",
	},
	Server: ServerConfig{Port: "8080"},
	Log:    LogConfig{Level: "info", Format: "text"},
}

// Default returns the built-in configuration with paths expanded.
func Default() *Config {
	cfg := defaultConfig
	cfg.Backend.FFmpeg.ExtraArgs = append([]string(nil), defaultConfig.Backend.FFmpeg.ExtraArgs...)
	cfg.Profile = DefaultProfile
	cfg.Inheritance = InheritanceInfo{}
	cfg.expandPaths()
	return &cfg
}

// DefaultConfigFile returns $HOME/.config/replaycapture.yaml.
func DefaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "replaycapture.yaml"
	}
	return filepath.Join(home, ".config", "replaycapture.yaml")
}

// LoadWithProfile reads configFile and resolves the requested profile. An
// empty profile selects active_profile, then "default". Non-default profiles
// inherit every key they do not set from the default profile.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	profileName := profile
	if profileName == "" {
		profileName = rootConfig.ActiveProfile
	}
	if profileName == "" {
		profileName = DefaultProfile
	}
	if _, exists := rootConfig.Profiles[profileName]; !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
	}

	cfg := defaultConfig
	cfg.Backend.FFmpeg.ExtraArgs = nil
	cfg.Inheritance = InheritanceInfo{}

	if profileName != DefaultProfile {
		if _, exists := rootConfig.Profiles[DefaultProfile]; exists {
			keys, err := decodeProfile(DefaultProfile, &cfg)
			if err != nil {
				return nil, fmt.Errorf("error resolving default profile: %w", err)
			}
			for _, k := range keys {
				cfg.Inheritance[k] = inheritedField
			}
		}
	}

	keys, err := decodeProfile(profileName, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", profileName, err)
	}
	for _, k := range keys {
		cfg.Inheritance[k] = profileField
	}

	cfg.Profile = profileName
	cfg.File = configFile
	cfg.expandPaths()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Load is LoadWithProfile that falls back to the built-in defaults when the
// file does not exist.
func Load(configFile, profile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return LoadWithProfile(configFile, profile)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error accessing config file %s: %w", configFile, err)
		}
	}
	if profile != "" && profile != DefaultProfile {
		return nil, fmt.Errorf("configuration profile '%s' not found: no config file", profile)
	}
	cfg := Default()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeProfile overlays the keys set under profiles.<name> onto cfg and
// returns them relative to the profile. Values go through viper.Get so
// environment overrides apply.
func decodeProfile(name string, cfg *Config) ([]string, error) {
	prefix := "profiles." + strings.ToLower(name) + "."

	sub := viper.New()
	var keys []string
	for _, key := range viper.AllKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rel := strings.TrimPrefix(key, prefix)
		sub.Set(rel, viper.Get(key))
		keys = append(keys, rel)
	}
	sort.Strings(keys)

	if err := sub.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling profile '%s': %w", name, err)
	}
	return keys, nil
}

// ValidateConfigurationFormat reads configFile into the global viper instance
// and checks its overall layout.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	viper.SetConfigFile(configFile)

	// Set environment variable prefix
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := viper.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	rootConfig.ActiveProfile = viper.GetString("active_profile")

	if len(rootConfig.Profiles) == 0 {
		return nil, fmt.Errorf("profiles section is required and cannot be empty")
	}
	for name, profile := range rootConfig.Profiles {
		if profile == nil {
			return nil, fmt.Errorf("profile '%s' is empty", name)
		}
	}
	return &rootConfig, nil
}

// ListProfiles returns the profile names of configFile, sorted.
func ListProfiles(configFile string) ([]string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rootConfig.Profiles))
	for name := range rootConfig.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if !v.IsSet("profiles." + newActiveProfile) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Storage.ScratchDirectory = expandPath(c.Storage.ScratchDirectory)
	c.Storage.OutputDirectory = expandPath(c.Storage.OutputDirectory)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
