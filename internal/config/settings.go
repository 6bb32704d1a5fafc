package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings returns the configuration as a nested map with durations rendered
// the way they are written in the file.
func (c *Config) Settings() map[string]any {
	extra := c.Backend.FFmpeg.ExtraArgs
	if extra == nil {
		extra = []string{}
	}
	return map[string]any{
		"actor_id": c.ActorID,
		"capture": map[string]any{
			"segment_duration":         c.Capture.SegmentDuration.String(),
			"clip_duration":            c.Capture.ClipDuration,
			"start_timeout":            c.Capture.StartTimeout.String(),
			"stop_timeout":             c.Capture.StopTimeout.String(),
			"max_consecutive_failures": c.Capture.MaxConsecutiveFailures,
			"restart_after_capture":    c.Capture.RestartAfterCapture,
			"video_frame_duration":     c.Capture.VideoFrameDuration.String(),
			"audio_frame_duration":     c.Capture.AudioFrameDuration.String(),
		},
		"backend": map[string]any{
			"type": c.Backend.Type,
			"ffmpeg": map[string]any{
				"binary":       c.Backend.FFmpeg.Binary,
				"video_format": c.Backend.FFmpeg.VideoFormat,
				"video_device": c.Backend.FFmpeg.VideoDevice,
				"audio_format": c.Backend.FFmpeg.AudioFormat,
				"audio_device": c.Backend.FFmpeg.AudioDevice,
				"framerate":    c.Backend.FFmpeg.Framerate,
				"video_codec":  c.Backend.FFmpeg.VideoCodec,
				"audio_codec":  c.Backend.FFmpeg.AudioCodec,
				"extra_args":   extra,
			},
			"synthetic": map[string]any{
				"frame_rate":  c.Backend.Synthetic.FrameRate,
				"sample_rate": c.Backend.Synthetic.SampleRate,
			},
		},
		"storage": map[string]any{
			"scratch_directory": c.Storage.ScratchDirectory,
			"output_directory":  c.Storage.OutputDirectory,
			"prefix":            c.Storage.Prefix,
			"extension":         c.Storage.Extension,
			"pending":           c.Storage.Pending,
		},
		"server": map[string]any{"port": c.Server.Port},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}

// YAML renders the resolved configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Settings())
}

// WriteDefaultFile writes a config file holding a single default profile.
// It refuses to overwrite an existing file.
func WriteDefaultFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	// Keep "~" unexpanded so the file stays portable.
	cfg := defaultConfig
	root := map[string]any{
		"active_profile": DefaultProfile,
		"profiles": map[string]any{
			DefaultProfile: cfg.Settings(),
		},
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
