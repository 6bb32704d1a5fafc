package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/concat"
	"github.com/audiolibrelab/replaycapture/internal/config"
	"github.com/audiolibrelab/replaycapture/internal/media"
	"github.com/audiolibrelab/replaycapture/internal/metrics"
	"github.com/audiolibrelab/replaycapture/internal/segment"
	"github.com/audiolibrelab/replaycapture/internal/session"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

// historySize bounds the in-memory list of delivered captures
const historySize = 50

// Options tune how the service builds its components.
type Options struct {
	Logger *slog.Logger
	// LogProcessOutput forwards backend process output to the debug log
	LogProcessOutput bool
	// Backend overrides the backend selected from configuration
	Backend capture.Backend
}

// Capture is one delivered artifact.
type Capture struct {
	SessionID   string        `json:"session_id"`
	Artifact    sink.Ref      `json:"artifact"`
	Latency     time.Duration `json:"latency"`
	CompletedAt time.Time     `json:"completed_at"`
}

// StatusInfo is the controller status plus service-level context.
type StatusInfo struct {
	session.Status
	Profile         string `json:"profile"`
	OutputDirectory string `json:"output_directory"`
	ClipDuration    int    `json:"clip_duration"`
	Message         string `json:"message,omitempty"`
}

// ArtifactInfo describes a file found in the output directory
type ArtifactInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
}

// Service wires configuration to the capture components and keeps the
// state a control surface needs between calls.
type Service struct {
	log        *slog.Logger
	configFile string

	cfgMutex sync.RWMutex
	cfg      *config.Config

	store   *segment.Store
	ctrl    *session.Controller
	metrics *metrics.Metrics

	historyMutex sync.RWMutex
	history      []Capture

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New builds the backend, store, sink, concatenator and controller from cfg.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "service")

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = capture.New(cfg, capture.Options{
			Logger:           opts.Logger,
			LogProcessOutput: opts.LogProcessOutput,
			StopTimeout:      cfg.Capture.StopTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create capture backend: %w", err)
		}
	}

	m := metrics.New()

	store, err := segment.NewStore(segment.Config{
		Dir:             cfg.Storage.ScratchDirectory,
		Prefix:          cfg.Storage.Prefix,
		Extension:       cfg.Storage.Extension,
		SegmentDuration: cfg.Capture.SegmentDuration,
		Logger:          opts.Logger,
		Probe:           media.Probe,
		OnEvict:         m.SegmentEvicted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segment store: %w", err)
	}

	fileSink, err := sink.NewFileSink(cfg.Storage.OutputDirectory, cfg.Storage.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to create output sink: %w", err)
	}
	fileSink.Logger = opts.Logger

	cc, err := concat.New(concat.Config{
		ScratchDir: filepath.Join(cfg.Storage.ScratchDirectory, "concat"),
		Sink:       fileSink,
		Extension:  cfg.Storage.Extension,
		NominalFrame: map[media.Kind]time.Duration{
			media.KindVideo: cfg.Capture.VideoFrameDuration,
			media.KindAudio: cfg.Capture.AudioFrameDuration,
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create concatenator: %w", err)
	}

	ctrl, err := session.New(session.Config{
		ActorID:                cfg.ActorID,
		ClipDuration:           cfg.Capture.ClipDuration,
		StartTimeout:           cfg.Capture.StartTimeout,
		StopTimeout:            cfg.Capture.StopTimeout,
		MaxConsecutiveFailures: cfg.Capture.MaxConsecutiveFailures,
		RestartAfterCapture:    cfg.Capture.RestartAfterCapture,
		Logger:                 opts.Logger,
	}, backend, store, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create session controller: %w", err)
	}

	s := &Service{
		log:        log,
		configFile: cfg.File,
		cfg:        cfg,
		store:      store,
		ctrl:       ctrl,
		metrics:    m,
	}
	ctrl.Subscribe(m)
	ctrl.Subscribe(session.ObserverFunc(s.observe))

	log.Debug("Service created",
		"backend", backend.Name(),
		"profile", cfg.Profile,
		"scratch", cfg.Storage.ScratchDirectory,
		"output", cfg.Storage.OutputDirectory)
	return s, nil
}

func (s *Service) observe(e session.Event) {
	switch e.Kind {
	case session.EventCaptureCompleted:
		if e.Artifact == nil {
			return
		}
		s.historyMutex.Lock()
		s.history = append(s.history, Capture{
			SessionID:   e.SessionID,
			Artifact:    *e.Artifact,
			Latency:     e.Latency,
			CompletedAt: e.Time,
		})
		if len(s.history) > historySize {
			s.history = s.history[len(s.history)-historySize:]
		}
		s.historyMutex.Unlock()
		s.clearLastError()
	case session.EventError:
		s.setLastError(fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
}

// StartBuffering starts the rolling buffer (IDLE -> BUFFERING)
func (s *Service) StartBuffering(ctx context.Context) error {
	s.clearLastError()
	if err := s.ctrl.StartBuffering(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start buffering: %v", err))
		return err
	}
	return nil
}

// Trigger captures a clip around now (BUFFERING -> CAPTURING_POST)
func (s *Service) Trigger() error {
	if err := s.ctrl.TriggerCapture(); err != nil {
		s.log.Debug("Trigger rejected", "error", err)
		return err
	}
	return nil
}

// Stop abandons the session and returns to IDLE
func (s *Service) Stop() {
	s.ctrl.Stop()
}

// SetClipDuration updates the total clip length in seconds.
func (s *Service) SetClipDuration(total int) error {
	if err := s.ctrl.SetClipDuration(total); err != nil {
		return err
	}
	s.cfgMutex.Lock()
	s.cfg.Capture.ClipDuration = total
	s.cfgMutex.Unlock()
	return nil
}

// Subscribe registers an observer on the controller
func (s *Service) Subscribe(o session.Observer) func() {
	return s.ctrl.Subscribe(o)
}

// Status returns the current status
func (s *Service) Status() StatusInfo {
	st := s.ctrl.Status()
	s.cfgMutex.RLock()
	defer s.cfgMutex.RUnlock()
	return StatusInfo{
		Status:          st,
		Profile:         s.cfg.Profile,
		OutputDirectory: s.cfg.Storage.OutputDirectory,
		ClipDuration:    s.ctrl.ClipDuration(),
		Message:         statusMessage(st),
	}
}

func statusMessage(st session.Status) string {
	switch st.State {
	case session.StateIdle:
		return "Not buffering"
	case session.StateBuffering:
		return fmt.Sprintf("Buffering %d/%d segments", st.Buffered, st.MaxSegments)
	case session.StateCapturingPost:
		return fmt.Sprintf("Recording post-trigger window (%d segments so far)", st.PostSegments)
	case session.StateFinalizing:
		return "Writing clip"
	}
	return ""
}

// Captures returns delivered artifacts, newest first
func (s *Service) Captures() []Capture {
	s.historyMutex.RLock()
	defer s.historyMutex.RUnlock()
	out := make([]Capture, len(s.history))
	for i, c := range s.history {
		out[len(s.history)-1-i] = c
	}
	return out
}

// GetConfig returns the current configuration
func (s *Service) GetConfig() *config.Config {
	s.cfgMutex.RLock()
	defer s.cfgMutex.RUnlock()
	return s.cfg
}

// Metrics returns the service metrics
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// MetricsHandler serves the metrics with the buffered gauge refreshed
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler(func() {
		s.metrics.SetBufferedSegments(s.store.Len())
	})
}

// ListArtifacts returns clips in the output directory, newest first
func (s *Service) ListArtifacts() ([]ArtifactInfo, error) {
	s.cfgMutex.RLock()
	dir, ext := s.cfg.Storage.OutputDirectory, s.cfg.Storage.Extension
	s.cfgMutex.RUnlock()

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeIO, err, "read output directory %s", dir)
	}

	var artifacts []ArtifactInfo
	for _, file := range files {
		if file.IsDir() || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		if !strings.EqualFold(filepath.Ext(file.Name()), ext) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			s.log.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}
		artifacts = append(artifacts, ArtifactInfo{
			Name:         file.Name(),
			Path:         filepath.Join(dir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}

	// Sort files by modification time (newest first)
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	return artifacts, nil
}

// WatchConfig applies clip_duration changes made to the config file while
// the service runs.
func (s *Service) WatchConfig() {
	if s.configFile == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(s.configFile)
	if err := v.ReadInConfig(); err != nil {
		s.log.Warn("Config watch disabled", "file", s.configFile, "error", err)
		return
	}
	v.OnConfigChange(s.onConfigChange)
	v.WatchConfig()
	s.log.Info("Watching configuration", "file", s.configFile)
}

func (s *Service) onConfigChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	s.cfgMutex.RLock()
	profile := s.cfg.Profile
	s.cfgMutex.RUnlock()

	cfg, err := config.LoadWithProfile(e.Name, profile)
	if err != nil {
		s.log.Warn("Ignoring invalid configuration change", "file", e.Name, "error", err)
		return
	}
	if cfg.Capture.ClipDuration == s.ctrl.ClipDuration() {
		return
	}
	if err := s.SetClipDuration(cfg.Capture.ClipDuration); err != nil {
		s.log.Warn("Failed to apply clip duration", "clip_duration", cfg.Capture.ClipDuration, "error", err)
		return
	}
	s.log.Info("Applied configuration change", "clip_duration", cfg.Capture.ClipDuration)
}

// Close stops the session and releases the controller
func (s *Service) Close() {
	s.ctrl.Close()
}

// GetLastError returns the last error message (thread-safe)
func (s *Service) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *Service) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	s.log.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *Service) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
