package play

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClip(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("clip"), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeClip(t, dir, "cam_1_20240309_180405.mp4", now.Add(-time.Minute))
	newest := writeClip(t, dir, "cam_1_20240309_180505.mp4", now)
	writeClip(t, dir, ".pending-cam_1_20240309_180605.mp4", now.Add(time.Minute))
	writeClip(t, dir, "notes.txt", now.Add(time.Minute))

	p := New(dir, ".mp4", nil)
	got, err := p.Latest()
	require.NoError(t, err)
	assert.Equal(t, newest, got)
}

func TestLatest_Empty(t *testing.T) {
	_, err := New(t.TempDir(), ".mp4", nil).Latest()
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := writeClip(t, dir, "clip.mp4", time.Now())
	p := New(dir, ".mp4", nil)

	got, err := p.Resolve("clip")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = p.Resolve("clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = p.Resolve("../clip.mp4")
	assert.Error(t, err)
	_, err = p.Resolve("missing")
	assert.Error(t, err)
}

func TestPlay_UsesFirstAvailablePlayer(t *testing.T) {
	dir := t.TempDir()
	path := writeClip(t, dir, "clip.mp4", time.Now())

	var gotName string
	var gotArgs []string
	p := New(dir, ".mp4", nil)
	p.lookPath = func(name string) (string, error) {
		if name == "mpv" {
			return "/usr/bin/mpv", nil
		}
		return "", exec.ErrNotFound
	}
	p.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName, gotArgs = name, args
		return exec.CommandContext(ctx, "true")
	}

	require.NoError(t, p.Play(context.Background(), ""))
	assert.Equal(t, "mpv", gotName)
	assert.Equal(t, []string{path}, gotArgs)
}

func TestPlay_NoPlayer(t *testing.T) {
	dir := t.TempDir()
	writeClip(t, dir, "clip.mp4", time.Now())

	p := New(dir, ".mp4", nil)
	p.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	err := p.Play(context.Background(), "clip")
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "vlc, mpv, ffplay")
}

func TestPlayerArgs(t *testing.T) {
	assert.Equal(t, []string{"--play-and-exit", "a.mp4"}, playerArgs("vlc", "a.mp4"))
	assert.Equal(t, []string{"-autoexit", "a.mp4"}, playerArgs("ffplay", "a.mp4"))
	assert.Equal(t, []string{"a.mp4"}, playerArgs("mpv", "a.mp4"))
}
