package config

import (
	"fmt"
	"strings"
	"time"
)

const minSegmentDuration = 100 * time.Millisecond

// Validate checks a resolved configuration.
func Validate(c *Config) error {
	if !hasIDRune(c.ActorID) {
		return fmt.Errorf("actor_id must contain at least one letter, digit or underscore, got: %q", c.ActorID)
	}

	if err := validateCapture(c.Capture); err != nil {
		return err
	}
	if err := validateBackend(c.Backend); err != nil {
		return err
	}
	if err := validateStorage(c.Storage); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got: %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got: %s", c.Log.Format)
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	if c.SegmentDuration < minSegmentDuration {
		return fmt.Errorf("capture.segment_duration must be >= %s, got: %s", minSegmentDuration, c.SegmentDuration)
	}
	if c.ClipDuration < 2 {
		return fmt.Errorf("capture.clip_duration must be >= 2 seconds, got: %d", c.ClipDuration)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("capture.start_timeout must be > 0, got: %s", c.StartTimeout)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("capture.stop_timeout must be > 0, got: %s", c.StopTimeout)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("capture.max_consecutive_failures must be >= 0, got: %d", c.MaxConsecutiveFailures)
	}
	if c.VideoFrameDuration <= 0 || c.AudioFrameDuration <= 0 {
		return fmt.Errorf("capture frame durations must be > 0, got video=%s audio=%s", c.VideoFrameDuration, c.AudioFrameDuration)
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	switch strings.ToLower(b.Type) {
	case "ffmpeg", "auto":
		if b.FFmpeg.Binary == "" {
			return fmt.Errorf("backend.ffmpeg.binary is required")
		}
		if b.FFmpeg.Framerate <= 0 {
			return fmt.Errorf("backend.ffmpeg.framerate must be > 0, got: %d", b.FFmpeg.Framerate)
		}
		if b.FFmpeg.VideoDevice == "" && b.FFmpeg.AudioDevice == "" {
			return fmt.Errorf("backend.ffmpeg needs a video_device or an audio_device")
		}
	case "synthetic":
	default:
		return fmt.Errorf("backend.type must be 'ffmpeg', 'synthetic' or 'auto', got: %s", b.Type)
	}
	if b.Synthetic.FrameRate < 0 || b.Synthetic.SampleRate < 0 {
		return fmt.Errorf("backend.synthetic rates must be >= 0")
	}
	if strings.ToLower(b.Type) == "synthetic" && b.Synthetic.FrameRate == 0 && b.Synthetic.SampleRate == 0 {
		return fmt.Errorf("backend.synthetic needs a frame_rate or a sample_rate")
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	if s.ScratchDirectory == "" {
		return fmt.Errorf("storage.scratch_directory is required")
	}
	if s.OutputDirectory == "" {
		return fmt.Errorf("storage.output_directory is required")
	}
	if s.Prefix == "" || strings.ContainsAny(s.Prefix, `/\`) {
		return fmt.Errorf("storage.prefix must be a non-empty file name prefix, got: %q", s.Prefix)
	}
	if !strings.HasPrefix(s.Extension, ".") || len(s.Extension) < 2 {
		return fmt.Errorf("storage.extension must start with '.', got: %q", s.Extension)
	}
	return nil
}

// hasIDRune reports whether s keeps at least one character after actor id
// sanitizing.
func hasIDRune(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return true
		}
	}
	return false
}
