package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/replaycapture/internal/server"
	"github.com/audiolibrelab/replaycapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start the ReplayCapture HTTP server to control buffering and captures
remotely. Prometheus metrics are exposed on /metrics.

With --buffer the rolling buffer starts immediately. Changes to clip_duration
in the config file are applied while the server runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}
		startBuffer, _ := cmd.Flags().GetBool("buffer")

		svc, err := service.New(cfg, service.Options{LogProcessOutput: verboseLevel >= 2})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()
		svc.WatchConfig()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(svc, port, slog.Default())
		slog.Info("ReplayCapture server starting", "port", port, "config", cfg.File, "profile", cfg.Profile)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(ctx)
		})
		if startBuffer {
			g.Go(func() error {
				if err := svc.StartBuffering(ctx); err != nil {
					// Stays reachable over HTTP; a later /api/buffer/start may succeed
					slog.Error("Failed to start buffering", "error", err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the HTTP server (default from config)")
	serveCmd.Flags().Bool("buffer", false, "start buffering when the server starts")
}
