package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/service"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Buffer continuously and capture a clip on Enter",
	Long: `Start the rolling buffer and wait for triggers from the terminal.

Press Enter to capture a clip containing the seconds before and after the
key press. Type 'q' and Enter, or press Ctrl+C, to stop. Segments buffered
but not captured are discarded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if d, _ := cmd.Flags().GetInt("clip-duration"); d > 0 {
			cfg.Capture.ClipDuration = d
		}

		svc, err := service.New(cfg, service.Options{LogProcessOutput: verboseLevel >= 2})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		unsubscribe := svc.Subscribe(session.ObserverFunc(printEvent))
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.StartBuffering(ctx); err != nil {
			return fmt.Errorf("failed to start buffering: %w", err)
		}

		st := svc.Status()
		fmt.Printf("Buffering with %s backend: %.0fs before and %.0fs after each trigger\n",
			st.Backend, st.PreWindowSeconds, st.PostWindowSeconds)
		fmt.Println("Press Enter to capture, 'q' + Enter or Ctrl+C to stop")

		lines := make(chan string)
		go readLines(lines)

		for {
			select {
			case <-ctx.Done():
				slog.Info("Stopping buffer...")
				svc.Stop()
				return nil
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "q" {
					slog.Info("Stopping buffer...")
					svc.Stop()
					return nil
				}
				if err := svc.Trigger(); err != nil {
					fmt.Printf("Cannot capture now: %v\n", err)
				}
			}
		}
	},
}

// readLines forwards stdin lines until EOF
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printEvent(e session.Event) {
	switch e.Kind {
	case session.EventBufferReady:
		fmt.Println("Buffer ready")
	case session.EventCaptureStarted:
		fmt.Printf("Capturing (%d segments before trigger)...\n", e.PreSegments)
	case session.EventCaptureCompleted:
		if e.Artifact != nil {
			fmt.Printf("Clip saved: %s (%s)\n", e.Artifact.URI, e.Latency.Round(time.Millisecond))
		}
	case session.EventError:
		fmt.Printf("Error [%s]: %s\n", e.Code, e.Message)
	}
}

func init() {
	bufferCmd.Flags().Int("clip-duration", 0, "total clip length in seconds (overrides config)")
}
