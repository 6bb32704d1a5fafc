package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
)

const pendingPrefix = ".pending-"

// maxCollisionSuffix bounds the _N search for a free name.
const maxCollisionSuffix = 1000

// FileSink writes artifacts into a directory with fsync and atomic rename.
// When Pending is set, bytes are first published under a hidden
// ".pending-<name>" and become visible under their final name in a second
// atomic step.
type FileSink struct {
	Dir     string
	Pending bool
	Logger  *slog.Logger

	mu sync.Mutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, pending bool) (*FileSink, error) {
	if dir == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "output directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, err, "create output directory %s", dir)
	}
	return &FileSink{Dir: dir, Pending: pending}, nil
}

func (s *FileSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Insert copies r into the sink under name. An existing artifact is never
// overwritten; the name gets a _N suffix instead.
func (s *FileSink) Insert(ctx context.Context, name, mimeType string, r io.Reader) (Ref, error) {
	if err := validName(name); err != nil {
		return Ref{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	// Serialize name reservation so concurrent inserts cannot pick the same name.
	s.mu.Lock()
	defer s.mu.Unlock()

	final, err := s.freeName(name)
	if err != nil {
		return Ref{}, err
	}
	finalPath := filepath.Join(s.Dir, final)

	target := finalPath
	if s.Pending {
		target = filepath.Join(s.Dir, pendingPrefix+final)
	}

	size, err := writeDurable(target, r)
	if err != nil {
		return Ref{}, apperr.Wrap(apperr.CodeIO, err, "write artifact %s", final)
	}

	if s.Pending {
		if err := os.Rename(target, finalPath); err != nil {
			os.Remove(target)
			return Ref{}, apperr.Wrap(apperr.CodeIO, err, "publish pending artifact %s", final)
		}
		if err := syncDir(s.Dir); err != nil {
			s.logger().Warn("Failed to sync output directory", "dir", s.Dir, "error", err)
		}
	}

	abs, err := filepath.Abs(finalPath)
	if err != nil {
		abs = finalPath
	}
	s.logger().Info("Artifact stored", "name", final, "path", abs, "bytes", size)
	return Ref{Name: final, MIMEType: mimeType, URI: abs, Size: size}, nil
}

// PendingNames lists artifacts that were written but never published, e.g. after
// a crash between the two phases.
func (s *FileSink) PendingNames() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, err, "read output directory %s", s.Dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), pendingPrefix) {
			names = append(names, strings.TrimPrefix(e.Name(), pendingPrefix))
		}
	}
	return names, nil
}

func (s *FileSink) freeName(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; n <= maxCollisionSuffix; n++ {
		if !exists(filepath.Join(s.Dir, candidate)) && !exists(filepath.Join(s.Dir, pendingPrefix+candidate)) {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
	return "", apperr.New(apperr.CodeIO, "no free artifact name for %s", name)
}

func writeDurable(path string, r io.Reader) (int64, error) {
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0644))
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer pendingFile.Cleanup()

	size, err := io.Copy(pendingFile, r)
	if err != nil {
		return 0, fmt.Errorf("copy artifact bytes: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("atomically replace: %w", err)
	}
	return size, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return apperr.New(apperr.CodeInvalidArgument, "invalid artifact name %q", name)
	}
	if strings.HasPrefix(name, pendingPrefix) {
		return apperr.New(apperr.CodeInvalidArgument, "artifact name %q uses reserved prefix", name)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
