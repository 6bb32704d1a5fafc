package media

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

const (
	videoTimescale  = 90000
	audioFrameTicks = 1024
)

// ChunkSpec describes a generated chunk.
type ChunkSpec struct {
	Duration time.Duration
	// FrameRate of the video track; zero disables video.
	FrameRate float64
	// SampleRate of the audio track; zero disables audio.
	SampleRate uint32
	// GOP is the keyframe interval in video frames (default: one per second).
	GOP int
	// PayloadSize is the byte size of each generated sample (default 64).
	PayloadSize int
	// Seed varies sample payloads between chunks.
	Seed byte
}

// WriteSyntheticChunk writes a fragmented MP4 chunk with deterministic sample
// payloads. Decode times start at zero, like an independently encoded chunk.
func WriteSyntheticChunk(w io.Writer, spec ChunkSpec) error {
	if spec.Duration <= 0 {
		return fmt.Errorf("chunk duration must be positive, got %s", spec.Duration)
	}
	if spec.FrameRate <= 0 && spec.SampleRate == 0 {
		return fmt.Errorf("chunk needs at least one track")
	}
	if spec.PayloadSize <= 0 {
		spec.PayloadSize = 64
	}

	initSeg := mp4.CreateEmptyInit()
	var trackIDs []uint32
	var videoID, audioID uint32
	if spec.FrameRate > 0 {
		initSeg.AddEmptyTrack(videoTimescale, "video", "und")
		videoID = uint32(len(initSeg.Moov.Traks))
		trackIDs = append(trackIDs, videoID)
	}
	if spec.SampleRate > 0 {
		initSeg.AddEmptyTrack(spec.SampleRate, "audio", "und")
		audioID = uint32(len(initSeg.Moov.Traks))
		trackIDs = append(trackIDs, audioID)
	}
	if err := initSeg.Encode(w); err != nil {
		return fmt.Errorf("encode init: %w", err)
	}

	frag, err := mp4.CreateMultiTrackFragment(1, trackIDs)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}

	if videoID != 0 {
		frames := int(math.Round(spec.Duration.Seconds() * spec.FrameRate))
		frameDur := uint32(math.Round(videoTimescale / spec.FrameRate))
		gop := spec.GOP
		if gop <= 0 {
			gop = int(math.Max(1, math.Round(spec.FrameRate)))
		}
		var dts uint64
		for i := 0; i < frames; i++ {
			var flags uint32 = mp4.NonSyncSampleFlags
			if i%gop == 0 {
				flags = mp4.SyncSampleFlags
			}
			fs := mp4.FullSample{
				Sample: mp4.Sample{
					Flags: flags,
					Dur:   frameDur,
					Size:  uint32(spec.PayloadSize),
				},
				DecodeTime: dts,
				Data:       payload(spec.PayloadSize, spec.Seed, i),
			}
			if err := frag.AddFullSampleToTrack(fs, videoID); err != nil {
				return fmt.Errorf("add video sample %d: %w", i, err)
			}
			dts += uint64(frameDur)
		}
	}

	if audioID != 0 {
		frames := int(math.Ceil(spec.Duration.Seconds() * float64(spec.SampleRate) / audioFrameTicks))
		var dts uint64
		for i := 0; i < frames; i++ {
			fs := mp4.FullSample{
				Sample: mp4.Sample{
					Flags: mp4.SyncSampleFlags,
					Dur:   audioFrameTicks,
					Size:  uint32(spec.PayloadSize),
				},
				DecodeTime: dts,
				Data:       payload(spec.PayloadSize, spec.Seed^0x5a, i),
			}
			if err := frag.AddFullSampleToTrack(fs, audioID); err != nil {
				return fmt.Errorf("add audio sample %d: %w", i, err)
			}
			dts += audioFrameTicks
		}
	}

	if err := frag.Encode(w); err != nil {
		return fmt.Errorf("encode fragment: %w", err)
	}
	return nil
}

func payload(size int, seed byte, index int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = seed + byte(index) + byte(i)
	}
	return b
}
