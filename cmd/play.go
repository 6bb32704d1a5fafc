package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [clip-name]",
	Short: "Play a delivered clip",
	Long: `Play a clip from the output directory with the first available player
(vlc, mpv or ffplay). Without a name the most recent clip is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		p := play.New(cfg.Storage.OutputDirectory, cfg.Storage.Extension, slog.Default())
		if err := p.Play(cmd.Context(), name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
