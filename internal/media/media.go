// Package media knows the on-disk shape of capture chunks: fragmented MP4
// files carrying at most one video and one audio track.
package media

import (
	"strings"
	"time"
)

// Kind identifies a media track kind
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Kinds lists the carried track kinds in output order.
var Kinds = []Kind{KindVideo, KindAudio}

// MIME type of chunks and artifacts.
const MIMEType = "video/mp4"

// TrackSet is the set of track kinds present in a chunk
type TrackSet map[Kind]bool

// Has reports whether k is present.
func (s TrackSet) Has(k Kind) bool {
	return s[k]
}

// String renders the set in output order, e.g. "video+audio".
func (s TrackSet) String() string {
	var parts []string
	for _, k := range Kinds {
		if s[k] {
			parts = append(parts, string(k))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// handlerKind maps an ISO-BMFF handler type to a track kind.
func handlerKind(handlerType string) (Kind, bool) {
	switch handlerType {
	case "vide":
		return KindVideo, true
	case "soun":
		return KindAudio, true
	default:
		return "", false
	}
}

// ToTimescale converts d to ticks of the given timescale.
func ToTimescale(d time.Duration, timescale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) * uint64(timescale) / uint64(time.Second)
}

// FromTimescale converts ticks of the given timescale to a duration.
func FromTimescale(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(ticks * uint64(time.Second) / uint64(timescale))
}
