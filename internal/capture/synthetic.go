package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/config"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

// SyntheticBackend writes generated fragmented MP4 chunks. Nothing touches
// real devices, which makes it usable for dry runs.
type SyntheticBackend struct {
	cfg config.SyntheticConfig
	log *slog.Logger

	mutex    sync.Mutex
	path     string
	duration time.Duration
	seq      byte
}

// NewSyntheticBackend creates a synthetic backend
func NewSyntheticBackend(cfg config.SyntheticConfig, opts Options) *SyntheticBackend {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SyntheticBackend{
		cfg: cfg,
		log: opts.Logger.With("component", "synthetic_backend"),
	}
}

func (b *SyntheticBackend) Name() BackendType {
	return BackendTypeSynthetic
}

func (b *SyntheticBackend) Check(ctx context.Context) error {
	if b.cfg.FrameRate <= 0 && b.cfg.SampleRate <= 0 {
		return apperr.New(apperr.CodePermission, "synthetic backend has no tracks configured")
	}
	return ctx.Err()
}

func (b *SyntheticBackend) StartChunk(ctx context.Context, path string, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.path != "" {
		return apperr.New(apperr.CodeBackend, "synthetic chunk already in flight: %s", b.path)
	}
	if duration <= 0 {
		return apperr.New(apperr.CodeBackend, "invalid chunk duration %s", duration)
	}
	b.path = path
	b.duration = duration
	return nil
}

// StopChunk writes the whole chunk at once.
func (b *SyntheticBackend) StopChunk(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mutex.Lock()
	path, duration := b.path, b.duration
	seq := b.seq
	b.seq++
	b.path = ""
	b.mutex.Unlock()

	if path == "" {
		return apperr.New(apperr.CodeBackend, "no synthetic chunk in flight")
	}

	if err := writeSynthetic(path, media.ChunkSpec{
		Duration:   duration,
		FrameRate:  b.cfg.FrameRate,
		SampleRate: uint32(b.cfg.SampleRate),
		Seed:       seq,
	}); err != nil {
		os.Remove(path)
		return apperr.Wrap(apperr.CodeBackend, err, "write synthetic chunk %s", path)
	}
	b.log.Debug("Synthetic chunk written", "path", path, "duration", duration)
	return nil
}

func (b *SyntheticBackend) Abort() {
	b.mutex.Lock()
	path := b.path
	b.path = ""
	b.mutex.Unlock()
	if path != "" {
		os.Remove(path)
	}
}

func writeSynthetic(path string, spec media.ChunkSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	if err := media.WriteSyntheticChunk(f, spec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
