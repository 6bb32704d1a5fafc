// Package play opens delivered clips in an external video player.
package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// players in order of preference
var players = []string{"vlc", "mpv", "ffplay"}

type Player struct {
	dir string
	ext string
	log *slog.Logger

	// lookPath and command are swapped in tests
	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New returns a player for clips with extension ext in dir.
func New(dir, ext string, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		dir:      dir,
		ext:      ext,
		log:      log.With("component", "play"),
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

// Latest returns the path of the most recently modified clip.
func (p *Player) Latest() (string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	type clip struct {
		path string
		mod  int64
	}
	var clips []clip
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != p.ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		clips = append(clips, clip{path: filepath.Join(p.dir, name), mod: info.ModTime().UnixNano()})
	}
	if len(clips) == 0 {
		return "", fmt.Errorf("no clips found in %s", p.dir)
	}

	sort.Slice(clips, func(i, j int) bool { return clips[i].mod > clips[j].mod })
	return clips[0].path, nil
}

// Resolve maps a clip name (with or without extension) to its path. An empty
// name resolves to the latest clip.
func (p *Player) Resolve(name string) (string, error) {
	if name == "" {
		return p.Latest()
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("invalid clip name: %s", name)
	}
	if filepath.Ext(name) != p.ext {
		name += p.ext
	}
	path := filepath.Join(p.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("clip not found: %s", path)
	}
	return path, nil
}

// Play blocks until the player exits or ctx is canceled.
func (p *Player) Play(ctx context.Context, name string) error {
	path, err := p.Resolve(name)
	if err != nil {
		return err
	}

	player, err := p.findPlayer()
	if err != nil {
		return fmt.Errorf("no suitable video player found: %w", err)
	}

	p.log.Info("Playing clip", "file", path, "player", player)
	cmd := p.command(ctx, player, playerArgs(player, path)...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	p.log.Info("Playback completed")
	return nil
}

func (p *Player) findPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("tried: %s", strings.Join(players, ", "))
}

func playerArgs(player, path string) []string {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", path}
	case "ffplay":
		return []string{"-autoexit", path}
	}
	return []string{path}
}
