package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/concat"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration, windows and output naming",
	Long:  `Display the resolved configuration with inheritance indicators, the clip windows it produces and the name the next clip would get. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pre, post, err := session.SplitClipDuration(cfg.Capture.ClipDuration)
		if err != nil {
			return err
		}
		segDur := cfg.Capture.SegmentDuration
		window := int((pre + segDur - 1) / segDur)

		fmt.Printf("=== CLIP WINDOWS ===\n")
		fmt.Printf("pre_window: %s\n", pre)
		fmt.Printf("post_window: %s\n", post)
		fmt.Printf("max_segments: %d\n", window+2)

		fmt.Printf("\n=== FILE PATHS ===\n")
		fmt.Printf("scratch_directory: %s\n", cfg.Storage.ScratchDirectory)
		fmt.Printf("output_directory: %s\n", cfg.Storage.OutputDirectory)
		fmt.Printf("next_clip: %s\n", concat.ArtifactName(cfg.ActorID, time.Now(), cfg.Storage.Extension))

		fmt.Printf("\n=== RESOLVED CONFIGURATION (profile %s) ===\n", cfg.Profile)

		fmt.Printf("\n[Capture]\n")
		printSetting("actor_id", cfg.ActorID)
		printSetting("capture.segment_duration", cfg.Capture.SegmentDuration)
		printSetting("capture.clip_duration", cfg.Capture.ClipDuration)
		printSetting("capture.start_timeout", cfg.Capture.StartTimeout)
		printSetting("capture.stop_timeout", cfg.Capture.StopTimeout)
		printSetting("capture.max_consecutive_failures", cfg.Capture.MaxConsecutiveFailures)
		printSetting("capture.restart_after_capture", cfg.Capture.RestartAfterCapture)

		fmt.Printf("\n[Backend]\n")
		printSetting("backend.type", cfg.Backend.Type)
		printSetting("backend.ffmpeg.video_device", cfg.Backend.FFmpeg.VideoDevice)
		printSetting("backend.ffmpeg.audio_device", cfg.Backend.FFmpeg.AudioDevice)
		printSetting("backend.ffmpeg.framerate", cfg.Backend.FFmpeg.Framerate)

		fmt.Printf("\n[Storage]\n")
		printSetting("storage.prefix", cfg.Storage.Prefix)
		printSetting("storage.extension", cfg.Storage.Extension)
		printSetting("storage.pending", cfg.Storage.Pending)
		return nil
	},
}

func printSetting(key string, value any) {
	fmt.Printf("%s: %v %s\n", key, value, getInheritanceIndicator(cfg.Inheritance.Source(key)))
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
