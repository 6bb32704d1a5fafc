// Package concat stitches ordered segments into one artifact without
// re-encoding.
package concat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/google/uuid"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/media"
	"github.com/audiolibrelab/replaycapture/internal/segment"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

// Default fallback gaps, used when a segment's last sample carries no duration.
const (
	DefaultVideoFrame = 33 * time.Millisecond
	DefaultAudioFrame = 21 * time.Millisecond
)

// Config configures a Concatenator. ScratchDir and Sink are required.
type Config struct {
	ScratchDir string
	Sink       sink.Sink
	Extension  string
	MIMEType   string
	// NominalFrame is the per-kind anti-overlap gap fallback.
	NominalFrame map[media.Kind]time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Concatenator muxes segments and delivers the result to a sink.
type Concatenator struct {
	cfg Config
	log *slog.Logger
}

// Result describes one mux run.
type Result struct {
	Used    int
	Skipped int
	Tracks  media.TrackSet
}

type outTrack struct {
	id        uint32
	timescale uint32
	nominal   uint64
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Concatenator, error) {
	if cfg.ScratchDir == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "scratch directory is required")
	}
	if cfg.Sink == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "sink is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = ".mp4"
	}
	if cfg.MIMEType == "" {
		cfg.MIMEType = media.MIMEType
	}
	if cfg.NominalFrame == nil {
		cfg.NominalFrame = map[media.Kind]time.Duration{
			media.KindVideo: DefaultVideoFrame,
			media.KindAudio: DefaultAudioFrame,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Concatenator{cfg: cfg, log: cfg.Logger.With("component", "concatenator")}, nil
}

// Concatenate joins segs in order into one artifact named after actorID and
// the current time, and inserts it into the sink.
func (c *Concatenator) Concatenate(ctx context.Context, segs []segment.Segment, actorID string) (sink.Ref, error) {
	if len(segs) == 0 {
		return sink.Ref{}, apperr.New(apperr.CodeNoSegments, "no segments to concatenate")
	}
	name := ArtifactName(actorID, c.cfg.Now(), c.cfg.Extension)

	if len(segs) == 1 {
		return c.copySingle(ctx, segs[0], name)
	}

	if err := os.MkdirAll(c.cfg.ScratchDir, 0755); err != nil {
		return sink.Ref{}, apperr.Wrap(apperr.CodeIO, err, "create scratch directory")
	}
	scratch := filepath.Join(c.cfg.ScratchDir, "concat_"+uuid.NewString()+c.cfg.Extension)
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			c.log.Warn("Failed to remove scratch artifact", "path", scratch, "error", err)
		}
	}()

	res, err := c.Mux(ctx, segs, scratch)
	if err != nil {
		return sink.Ref{}, err
	}
	c.log.Info("Segments concatenated",
		"used", res.Used,
		"skipped", res.Skipped,
		"tracks", res.Tracks.String())

	return c.deliver(ctx, scratch, name)
}

func (c *Concatenator) copySingle(ctx context.Context, seg segment.Segment, name string) (sink.Ref, error) {
	if !usable(seg.Path) {
		return sink.Ref{}, apperr.New(apperr.CodeNoSegments, "segment %d is missing or empty", seg.Index)
	}
	return c.deliver(ctx, seg.Path, name)
}

func (c *Concatenator) deliver(ctx context.Context, path, name string) (sink.Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return sink.Ref{}, apperr.Wrap(apperr.CodeIO, err, "open %s", path)
	}
	defer f.Close()

	ref, err := c.cfg.Sink.Insert(ctx, name, c.cfg.MIMEType, f)
	if err != nil {
		if apperr.CodeOf(err) == "" {
			return sink.Ref{}, apperr.Wrap(apperr.CodeIO, err, "insert %s into sink", name)
		}
		return sink.Ref{}, err
	}
	return ref, nil
}

// Mux writes the fragmented MP4 concatenation of segs to path. Unreadable
// segments are skipped; it fails with NO_SEGMENTS if none is readable.
func (c *Concatenator) Mux(ctx context.Context, segs []segment.Segment, path string) (Result, error) {
	out, err := os.Create(path)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.CodeIO, err, "create %s", path)
	}
	res, err := c.mux(ctx, segs, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = apperr.Wrap(apperr.CodeIO, cerr, "close %s", path)
	}
	return res, err
}

func (c *Concatenator) mux(ctx context.Context, segs []segment.Segment, out io.Writer) (Result, error) {
	w := bufio.NewWriter(out)

	var (
		res     Result
		tracks  map[media.Kind]outTrack
		offsets = make(map[media.Kind]uint64)
		seq     = uint32(1)
	)

	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := c.log.With("segment_index", seg.Index, "path", seg.Path)

		if !usable(seg.Path) {
			log.Warn("Skipping missing or empty segment")
			res.Skipped++
			continue
		}
		chunk, err := media.ReadChunk(seg.Path)
		if err != nil {
			log.Warn("Skipping unreadable segment", "error", err)
			res.Skipped++
			continue
		}

		if tracks == nil {
			if len(chunk.Tracks) == 0 {
				log.Warn("Skipping segment without video or audio track")
				res.Skipped++
				continue
			}
			tracks = c.registerTracks(chunk)
			if err := chunk.Init.Encode(w); err != nil {
				return res, apperr.Wrap(apperr.CodeIO, err, "write init segment")
			}
			res.Tracks = chunk.TrackSet()
		}

		samples, err := readSamples(chunk, tracks)
		if err != nil {
			log.Warn("Skipping segment with unreadable samples", "error", err)
			res.Skipped++
			continue
		}
		start := segmentStart(chunk, samples)

		for _, kind := range media.Kinds {
			ss := samples[kind]
			t, ok := tracks[kind]
			if !ok || len(ss) == 0 {
				continue
			}
			if ts := chunk.Tracks[kind].Timescale; ts != t.timescale {
				log.Warn("Skipping track with mismatched timescale", "kind", kind, "timescale", ts, "expected", t.timescale)
				continue
			}

			end, err := writeFragment(w, seq, t, ss, start, offsets[kind])
			if err != nil {
				return res, err
			}
			seq++
			offsets[kind] = end
		}
		res.Used++
	}

	if tracks == nil {
		return res, apperr.New(apperr.CodeNoSegments, "none of %d segments is readable", len(segs))
	}
	if err := w.Flush(); err != nil {
		return res, apperr.Wrap(apperr.CodeIO, err, "flush output")
	}
	return res, nil
}

func (c *Concatenator) registerTracks(chunk *media.Chunk) map[media.Kind]outTrack {
	tracks := make(map[media.Kind]outTrack, len(chunk.Tracks))
	for _, kind := range media.Kinds {
		t, ok := chunk.Tracks[kind]
		if !ok {
			continue
		}
		tracks[kind] = outTrack{
			id:        t.TrackID,
			timescale: t.Timescale,
			nominal:   media.ToTimescale(c.cfg.NominalFrame[kind], t.Timescale),
		}
		c.log.Debug("Output track registered", "kind", kind, "track_id", t.TrackID, "timescale", t.Timescale)
	}
	return tracks
}

func readSamples(chunk *media.Chunk, tracks map[media.Kind]outTrack) (map[media.Kind][]mp4.FullSample, error) {
	samples := make(map[media.Kind][]mp4.FullSample, len(tracks))
	for kind := range tracks {
		ss, err := chunk.Samples(kind)
		if err != nil {
			return nil, err
		}
		samples[kind] = ss
	}
	return samples, nil
}

// segmentStart is the earliest first decode time over all carried tracks.
// Rebasing every track against it keeps intra-segment A/V alignment.
func segmentStart(chunk *media.Chunk, samples map[media.Kind][]mp4.FullSample) time.Duration {
	start := time.Duration(-1)
	for kind, ss := range samples {
		if len(ss) == 0 {
			continue
		}
		first := media.FromTimescale(ss[0].DecodeTime, chunk.Tracks[kind].Timescale)
		if start < 0 || first < start {
			start = first
		}
	}
	if start < 0 {
		return 0
	}
	return start
}

// writeFragment appends ss as one fragment with decode times moved to begin at
// offset, and returns the offset for the next segment of this track.
func writeFragment(w io.Writer, seq uint32, t outTrack, ss []mp4.FullSample, start time.Duration, offset uint64) (uint64, error) {
	base := media.ToTimescale(start, t.timescale)
	if base > ss[0].DecodeTime {
		base = ss[0].DecodeTime
	}

	frag, err := mp4.CreateFragment(seq, t.id)
	if err != nil {
		return 0, fmt.Errorf("create fragment %d: %w", seq, err)
	}

	var maxTs uint64
	for _, s := range ss {
		dts := s.DecodeTime
		if dts < base {
			dts = base
		}
		s.DecodeTime = dts - base + offset
		if s.DecodeTime > maxTs {
			maxTs = s.DecodeTime
		}
		if err := frag.AddFullSampleToTrack(s, t.id); err != nil {
			return 0, fmt.Errorf("add sample to track %d: %w", t.id, err)
		}
	}
	if err := frag.Encode(w); err != nil {
		return 0, apperr.Wrap(apperr.CodeIO, err, "write fragment %d", seq)
	}

	gap := uint64(ss[len(ss)-1].Dur)
	if gap == 0 {
		gap = t.nominal
	}
	if gap == 0 {
		gap = 1
	}
	return maxTs + gap, nil
}

func usable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
