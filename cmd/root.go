package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "replaycapture",
	Short: "Rolling-buffer instant replay capture",
	Long: `ReplayCapture keeps a rolling buffer of short audio/video segments and,
when triggered, delivers a clip that contains the seconds before and after
the trigger as a single MP4 file.

Start with 'replaycapture buffer' for terminal control or
'replaycapture serve' for the HTTP control surface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Environment overrides (REPLAYCAPTURE_*) may live in a local .env
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		// config init writes the file the other commands read
		if cmd.Name() == "init" {
			setupLogging(verboseLevel, config.LogConfig{})
			return nil
		}

		if cfgFile == "" {
			cfgFile = config.DefaultConfigFile()
		}

		var err error
		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		setupLogging(verboseLevel, cfg.Log)
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/replaycapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=config level, 1=debug, 2=backend process output")

	rootCmd.AddCommand(bufferCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(backendsCmd)
}

// setupLogging configures the default slog logger from the log section,
// raised to debug when -v is given
func setupLogging(verbose int, lc config.LogConfig) {
	var slogLevel slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	if verbose >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		// Text handler for clean terminal output
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
