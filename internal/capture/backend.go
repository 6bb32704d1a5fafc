// Package capture provides the backends that record one media chunk at a time.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypeFFmpeg    BackendType = "ffmpeg"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// Backend records fixed-duration chunks, one at a time. Implementations are
// driven by a single goroutine; only Abort may be called concurrently.
type Backend interface {
	// Name returns the backend type
	Name() BackendType

	// Check verifies that capture permission and resources are available
	Check(ctx context.Context) error

	// StartChunk begins recording into path and returns once recording runs
	StartChunk(ctx context.Context, path string, duration time.Duration) error

	// StopChunk ends the in-flight chunk and returns once path is finalized
	StopChunk(ctx context.Context) error

	// Abort abandons any in-flight chunk without finalizing it
	Abort()
}

// Options carries process-wide settings that are not part of a profile.
type Options struct {
	Logger *slog.Logger
	// LogProcessOutput logs every line the backend process prints
	LogProcessOutput bool
	// StopTimeout bounds how long a stopping process may take before it is killed
	StopTimeout time.Duration
}

// New creates the backend selected by cfg.Backend.Type.
func New(cfg *config.Config, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = cfg.Capture.StopTimeout
	}

	backendType := determineBackend(cfg)
	opts.Logger.Debug("Capture backend selected", "configured", cfg.Backend.Type, "selected", backendType)

	switch backendType {
	case BackendTypeFFmpeg:
		return NewFFmpegBackend(cfg.Backend.FFmpeg, opts), nil
	case BackendTypeSynthetic:
		return NewSyntheticBackend(cfg.Backend.Synthetic, opts), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend.Type)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Backend.Type) {
	case "ffmpeg":
		return BackendTypeFFmpeg
	case "synthetic":
		return BackendTypeSynthetic
	case "auto", "":
		if _, err := exec.LookPath(cfg.Backend.FFmpeg.Binary); err == nil {
			return BackendTypeFFmpeg
		}
		return BackendTypeSynthetic
	}
	return BackendType(cfg.Backend.Type)
}

// AvailableBackends returns list of available backends on current system
func AvailableBackends(cfg *config.Config) []BackendType {
	backends := []BackendType{}
	if _, err := exec.LookPath(cfg.Backend.FFmpeg.Binary); err == nil {
		backends = append(backends, BackendTypeFFmpeg)
	}
	// Synthetic chunks need nothing from the system
	backends = append(backends, BackendTypeSynthetic)
	return backends
}
