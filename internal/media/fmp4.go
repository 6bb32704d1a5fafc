package media

import (
	"errors"
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
)

// ErrNotFragmented is returned for files without an init segment.
var ErrNotFragmented = errors.New("not a fragmented mp4 file")

// Track describes one video or audio track inside a chunk.
type Track struct {
	Kind      Kind
	TrackID   uint32
	Timescale uint32
	trex      *mp4.TrexBox
}

// Chunk is a decoded fragmented MP4 chunk.
type Chunk struct {
	Path   string
	Init   *mp4.InitSegment
	Tracks map[Kind]*Track
	file   *mp4.File
}

// ReadChunk decodes the chunk at path. Only the first track of each kind is
// considered.
func ReadChunk(path string) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if parsed.Init == nil || parsed.Init.Moov == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFragmented)
	}

	c := &Chunk{
		Path:   path,
		Init:   parsed.Init,
		Tracks: make(map[Kind]*Track),
		file:   parsed,
	}
	for _, trak := range parsed.Init.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Mdhd == nil {
			continue
		}
		kind, ok := handlerKind(trak.Mdia.Hdlr.HandlerType)
		if !ok {
			continue
		}
		if _, seen := c.Tracks[kind]; seen {
			continue
		}
		trackID := trak.Tkhd.TrackID
		var trex *mp4.TrexBox
		if parsed.Init.Moov.Mvex != nil {
			trex, _ = parsed.Init.Moov.Mvex.GetTrex(trackID)
		}
		c.Tracks[kind] = &Track{
			Kind:      kind,
			TrackID:   trackID,
			Timescale: trak.Mdia.Mdhd.Timescale,
			trex:      trex,
		}
	}
	return c, nil
}

// TrackSet returns the kinds present in the chunk.
func (c *Chunk) TrackSet() TrackSet {
	s := make(TrackSet, len(c.Tracks))
	for k := range c.Tracks {
		s[k] = true
	}
	return s
}

// Samples returns every coded sample of the given kind in file order, with
// decode times as stored in the chunk.
func (c *Chunk) Samples(kind Kind) ([]mp4.FullSample, error) {
	track, ok := c.Tracks[kind]
	if !ok {
		return nil, nil
	}

	var samples []mp4.FullSample
	for _, seg := range c.file.Segments {
		for _, frag := range seg.Fragments {
			fs, err := fragmentSamples(frag, track)
			if err != nil {
				return nil, fmt.Errorf("%s track %d: %w", c.Path, track.TrackID, err)
			}
			samples = append(samples, fs...)
		}
	}
	return samples, nil
}

// fragmentSamples extracts the samples of one track from a possibly
// multi-track fragment.
func fragmentSamples(frag *mp4.Fragment, track *Track) ([]mp4.FullSample, error) {
	moof := frag.Moof
	mdat := frag.Mdat
	if moof == nil || mdat == nil {
		return nil, nil
	}

	var samples []mp4.FullSample
	for _, traf := range moof.Trafs {
		tfhd := traf.Tfhd
		if tfhd == nil || tfhd.TrackID != track.TrackID {
			continue
		}
		var baseTime uint64
		if traf.Tfdt != nil {
			baseTime = traf.Tfdt.BaseMediaDecodeTime()
		}
		for _, trun := range traf.Truns {
			totalDur := trun.AddSampleDefaultValues(tfhd, track.trex)
			baseOffset := moof.StartPos
			if tfhd.HasBaseDataOffset() {
				baseOffset = tfhd.BaseDataOffset
			}
			if trun.HasDataOffset() {
				baseOffset = uint64(int64(trun.DataOffset) + int64(baseOffset))
			}
			payloadStart := mdat.PayloadAbsoluteOffset()
			if baseOffset < payloadStart || baseOffset-payloadStart > uint64(len(mdat.Data)) {
				return nil, fmt.Errorf("sample data offset %d outside mdat", baseOffset)
			}
			offsetInMdat := baseOffset - payloadStart

			var size uint64
			for _, s := range trun.Samples {
				size += uint64(s.Size)
			}
			if offsetInMdat+size > uint64(len(mdat.Data)) {
				return nil, fmt.Errorf("truncated mdat: need %d bytes, have %d", offsetInMdat+size, len(mdat.Data))
			}

			samples = append(samples, trun.GetFullSamples(uint32(offsetInMdat), baseTime, mdat)...)
			baseTime += totalDur
		}
	}
	return samples, nil
}

// Probe returns the track kinds present in the chunk at path.
func Probe(path string) (TrackSet, error) {
	c, err := ReadChunk(path)
	if err != nil {
		return nil, err
	}
	return c.TrackSet(), nil
}
