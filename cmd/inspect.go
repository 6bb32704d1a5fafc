package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Show the track timelines of a clip or segment",
	Long:  `Print per-track sample counts, decode time range, keyframes and the largest gap of a fragmented MP4 file. A clip with a non-monotonic timeline is reported as an error.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timelines, err := media.Inspect(args[0])
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", args[0], err)
		}
		if len(timelines) == 0 {
			fmt.Println("no tracks")
			return nil
		}

		broken := false
		for _, tl := range timelines {
			fmt.Printf("[%s] track %d, timescale %d\n", tl.Kind, tl.TrackID, tl.Timescale)
			fmt.Printf("  samples: %d (keyframes %d)\n", len(tl.DecodeTimes), tl.Keyframes)
			fmt.Printf("  range: %s - %s\n", tl.First(), tl.Last())
			fmt.Printf("  max_gap: %s\n", media.FromTimescale(tl.MaxGap, tl.Timescale))
			fmt.Printf("  monotonic: %t\n", tl.Monotonic)
			if !tl.Monotonic {
				broken = true
			}
		}
		if broken {
			return fmt.Errorf("%s has a non-monotonic timeline", args[0])
		}
		return nil
	},
}
