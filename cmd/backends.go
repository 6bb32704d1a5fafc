package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/capture"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available capture backends",
	Long:  `List the capture backends usable on this system and check the one the configuration selects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Capture backends (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		for i, b := range capture.AvailableBackends(cfg) {
			fmt.Printf("  %d. %s\n", i+1, b)
		}

		backend, err := capture.New(cfg, capture.Options{})
		if err != nil {
			return fmt.Errorf("failed to create backend: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		fmt.Printf("\nSelected: %s\n", backend.Name())
		if err := backend.Check(ctx); err != nil {
			fmt.Printf("  check failed: %v\n", err)
			return nil
		}
		fmt.Printf("  check passed\n")
		if backend.Name() != capture.BackendTypeFFmpeg {
			return nil
		}
		fmt.Printf("  video: %s (%s)\n", cfg.Backend.FFmpeg.VideoDevice, cfg.Backend.FFmpeg.VideoFormat)
		fmt.Printf("  audio: %s (%s)\n", cfg.Backend.FFmpeg.AudioDevice, cfg.Backend.FFmpeg.AudioFormat)

		devices, err := capture.ListDevices(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nVideo devices (%d found):\n", len(devices.Video))
		for i, d := range devices.Video {
			fmt.Printf("  %d. %s\n", i+1, d)
		}
		fmt.Printf("\nAudio sources (%d found):\n", len(devices.Audio))
		for i, d := range devices.Audio {
			fmt.Printf("  %d. %s\n", i+1, d)
		}
		fmt.Printf("\nConfigure in backend.ffmpeg.video_device / backend.ffmpeg.audio_device\n")
		return nil
	},
}
