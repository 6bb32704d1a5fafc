package media

import "time"

// Timeline summarizes one track of an inspected file.
type Timeline struct {
	Kind      Kind
	TrackID   uint32
	Timescale uint32
	// DecodeTimes holds every sample's decode time in timescale ticks.
	DecodeTimes []uint64
	// Keyframes counts sync samples.
	Keyframes int
	// MaxGap is the largest distance between consecutive decode times.
	MaxGap uint64
	// Monotonic is false if any decode time does not exceed its predecessor.
	Monotonic bool
}

// First returns the first decode time as a duration.
func (t Timeline) First() time.Duration {
	if len(t.DecodeTimes) == 0 {
		return 0
	}
	return FromTimescale(t.DecodeTimes[0], t.Timescale)
}

// Last returns the last decode time as a duration.
func (t Timeline) Last() time.Duration {
	if len(t.DecodeTimes) == 0 {
		return 0
	}
	return FromTimescale(t.DecodeTimes[len(t.DecodeTimes)-1], t.Timescale)
}

// Inspect reads the file at path and returns a timeline per present track,
// in output kind order.
func Inspect(path string) ([]Timeline, error) {
	c, err := ReadChunk(path)
	if err != nil {
		return nil, err
	}

	var out []Timeline
	for _, kind := range Kinds {
		track, ok := c.Tracks[kind]
		if !ok {
			continue
		}
		samples, err := c.Samples(kind)
		if err != nil {
			return nil, err
		}
		tl := Timeline{
			Kind:        kind,
			TrackID:     track.TrackID,
			Timescale:   track.Timescale,
			DecodeTimes: make([]uint64, 0, len(samples)),
			Monotonic:   true,
		}
		for i, s := range samples {
			if s.IsSync() {
				tl.Keyframes++
			}
			if i > 0 {
				prev := tl.DecodeTimes[i-1]
				if s.DecodeTime <= prev {
					tl.Monotonic = false
				} else if gap := s.DecodeTime - prev; gap > tl.MaxGap {
					tl.MaxGap = gap
				}
			}
			tl.DecodeTimes = append(tl.DecodeTimes, s.DecodeTime)
		}
		out = append(out, tl)
	}
	return out, nil
}
