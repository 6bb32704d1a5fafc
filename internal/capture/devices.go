package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Devices lists the inputs the ffmpeg backend can open.
type Devices struct {
	Video []string
	Audio []string
}

// ListDevices returns the V4L2 video nodes and the PulseAudio/PipeWire sources
// on this system. A missing pactl leaves Audio empty.
func ListDevices(ctx context.Context) (Devices, error) {
	var d Devices

	video, err := filepath.Glob("/dev/video*")
	if err != nil {
		return d, fmt.Errorf("failed to list video devices: %w", err)
	}
	sort.Strings(video)
	d.Video = video

	if _, err := exec.LookPath("pactl"); err != nil {
		slog.Debug("pactl not found, skipping audio sources")
		return d, nil
	}
	output, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return d, fmt.Errorf("failed to list audio sources: %w", err)
	}
	d.Audio = parseSources(string(output))
	return d, nil
}

// parseSources extracts source names from `pactl list short sources`, one
// tab-separated "index name driver format state" line per source.
func parseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		sources = append(sources, fields[1])
	}
	return sources
}
