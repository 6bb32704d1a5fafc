package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/config"
)

const (
	fragmentFlags     = "frag_keyframe+empty_moov+default_base_moof"
	startPollInterval = 20 * time.Millisecond
	killWaitTimeout   = 2 * time.Second
	stderrTailLines   = 20
)

// FFmpegBackend records each chunk with its own ffmpeg process writing
// fragmented MP4.
type FFmpegBackend struct {
	cfg  config.FFmpegConfig
	opts Options
	log  *slog.Logger

	lookPath func(string) (string, error)

	mutex sync.Mutex
	cmd   *exec.Cmd
	done  chan error
	path  string
	tail  *lineTail
}

// NewFFmpegBackend creates an ffmpeg backend
func NewFFmpegBackend(cfg config.FFmpegConfig, opts Options) *FFmpegBackend {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &FFmpegBackend{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger.With("component", "ffmpeg_backend"),
		lookPath: exec.LookPath,
	}
}

func (b *FFmpegBackend) Name() BackendType {
	return BackendTypeFFmpeg
}

// Check verifies the binary is installed and the video device can be opened.
func (b *FFmpegBackend) Check(ctx context.Context) error {
	if _, err := b.lookPath(b.cfg.Binary); err != nil {
		return apperr.Wrap(apperr.CodePermission, err, "ffmpeg binary %q not found", b.cfg.Binary)
	}
	if strings.HasPrefix(b.cfg.VideoDevice, "/") {
		f, err := os.Open(b.cfg.VideoDevice)
		if err != nil {
			return apperr.Wrap(apperr.CodePermission, err, "video device %s is not readable", b.cfg.VideoDevice)
		}
		f.Close()
	}
	return ctx.Err()
}

// BuildArgs returns the ffmpeg arguments for one chunk.
func (b *FFmpegBackend) BuildArgs(path string, duration time.Duration) []string {
	logLevel := "error"
	if b.opts.LogProcessOutput {
		logLevel = "info"
	}
	args := []string{"-hide_banner", "-nostdin", "-loglevel", logLevel, "-y"}

	hasVideo := b.cfg.VideoDevice != ""
	hasAudio := b.cfg.AudioDevice != ""

	if hasVideo {
		if b.cfg.VideoFormat != "" {
			args = append(args, "-f", b.cfg.VideoFormat)
		}
		args = append(args,
			"-framerate", strconv.Itoa(b.cfg.Framerate),
			"-i", b.cfg.VideoDevice,
		)
	}
	if hasAudio {
		if b.cfg.AudioFormat != "" {
			args = append(args, "-f", b.cfg.AudioFormat)
		}
		args = append(args, "-i", b.cfg.AudioDevice)
	}

	args = append(args, b.cfg.ExtraArgs...)

	if hasVideo {
		// One keyframe per second so every chunk is independently decodable
		args = append(args, "-c:v", b.cfg.VideoCodec, "-g", strconv.Itoa(b.cfg.Framerate))
	}
	if hasAudio {
		args = append(args, "-c:a", b.cfg.AudioCodec)
	}

	args = append(args,
		"-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		"-movflags", fragmentFlags,
		"-f", "mp4",
		path,
	)
	return args
}

// StartChunk spawns ffmpeg and returns once the output file appears.
func (b *FFmpegBackend) StartChunk(ctx context.Context, path string, duration time.Duration) error {
	b.mutex.Lock()
	if b.cmd != nil {
		b.mutex.Unlock()
		return apperr.New(apperr.CodeBackend, "ffmpeg chunk already in flight: %s", b.path)
	}

	os.Remove(path)
	args := b.BuildArgs(path, duration)
	b.log.Debug("Starting ffmpeg", "command", b.cfg.Binary+" "+strings.Join(args, " "))

	cmd := exec.Command(b.cfg.Binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mutex.Unlock()
		return apperr.Wrap(apperr.CodeBackend, err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.mutex.Unlock()
		return apperr.Wrap(apperr.CodeBackend, err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		b.mutex.Unlock()
		return apperr.Wrap(apperr.CodeBackend, err, "failed to start ffmpeg")
	}

	tail := newLineTail(stderrTailLines)
	var readers sync.WaitGroup
	readers.Add(2)
	go b.readOutput(stdout, nil, "stdout", &readers)
	go b.readOutput(stderr, tail, "stderr", &readers)

	done := make(chan error, 1)
	go func() {
		// Wait must not run before the pipes are drained
		readers.Wait()
		done <- cmd.Wait()
	}()

	b.cmd = cmd
	b.done = done
	b.path = path
	b.tail = tail
	b.mutex.Unlock()

	return b.awaitStart(ctx, path, done)
}

// awaitStart polls for the output file. A process that exits first failed to
// open its inputs.
func (b *FFmpegBackend) awaitStart(ctx context.Context, path string, done chan error) error {
	ticker := time.NewTicker(startPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case err := <-done:
			// Hand the result back for StopChunk/Abort
			done <- err
			b.mutex.Lock()
			tail := b.tail.String()
			b.mutex.Unlock()
			if _, statErr := os.Stat(path); statErr == nil {
				return nil
			}
			b.reset()
			return apperr.Wrap(apperr.CodeBackend, fmt.Errorf("ffmpeg exited early: %v: %s", err, tail), "chunk did not start")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopChunk interrupts ffmpeg and waits for it to finalize the chunk, killing
// it after the stop timeout.
func (b *FFmpegBackend) StopChunk(ctx context.Context) error {
	b.mutex.Lock()
	cmd, done, path, tail := b.cmd, b.done, b.path, b.tail
	b.mutex.Unlock()

	if cmd == nil {
		return apperr.New(apperr.CodeBackend, "no ffmpeg chunk in flight")
	}
	defer b.reset()

	// Send termination signal
	if cmd.Process != nil {
		b.log.Debug("Sending SIGINT to ffmpeg process")
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			b.log.Debug("Failed to send interrupt to ffmpeg", "error", err)
		}
	}

	timer := time.NewTimer(b.opts.StopTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		b.log.Warn("ffmpeg did not exit within timeout, force killing", "timeout", b.opts.StopTimeout)
		b.kill(cmd, done)
		return apperr.New(apperr.CodeTimeout, "ffmpeg did not finalize %s within %s", path, b.opts.StopTimeout)
	case <-ctx.Done():
		b.kill(cmd, done)
		return ctx.Err()
	}

	if waitErr != nil && !interruptedExit(waitErr) {
		b.log.Debug("ffmpeg stderr", "output", tail.String())
		return apperr.Wrap(apperr.CodeBackend, waitErr, "ffmpeg process failed")
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return apperr.New(apperr.CodeBackend, "ffmpeg produced no data for %s", path)
	}
	return nil
}

// Abort kills the in-flight process and removes its partial output.
func (b *FFmpegBackend) Abort() {
	b.mutex.Lock()
	cmd, done, path := b.cmd, b.done, b.path
	b.mutex.Unlock()

	if cmd == nil {
		return
	}
	b.kill(cmd, done)
	b.reset()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.log.Debug("Failed to remove aborted chunk", "path", path, "error", err)
	}
	b.log.Debug("ffmpeg chunk aborted", "path", path)
}

func (b *FFmpegBackend) kill(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	select {
	case err := <-done:
		// Keep the result for any concurrent waiter
		done <- err
	case <-time.After(killWaitTimeout):
		b.log.Warn("ffmpeg did not exit after kill")
	}
}

func (b *FFmpegBackend) reset() {
	b.mutex.Lock()
	b.cmd = nil
	b.done = nil
	b.path = ""
	b.tail = nil
	b.mutex.Unlock()
}

// readOutput reads from a pipe and logs or buffers output
func (b *FFmpegBackend) readOutput(pipe io.ReadCloser, tail *lineTail, label string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			tail.Add(line)
		}
		if b.opts.LogProcessOutput {
			b.log.Debug("ffmpeg output", "stream", label, "line", line)
		}
	}
}

// interruptedExit reports whether err is ffmpeg's normal reaction to SIGINT.
func interruptedExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	// Exit code 255 often means the process was interrupted gracefully
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
