// Package segment keeps the disk-backed ring of recent capture chunks.
package segment

import (
	"time"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// Status is the lifecycle stage of a segment
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusCompleted Status = "COMPLETED"
	StatusConsumed  Status = "CONSUMED"
)

// Segment is one fixed-duration chunk tracked by the store.
type Segment struct {
	Index     uint64
	Path      string
	CreatedAt time.Time
	// Duration is the nominal chunk duration.
	Duration time.Duration
	// Actual is the measured recording time, set on completion.
	Actual      time.Duration
	CompletedAt time.Time
	Tracks      media.TrackSet
	Status      Status
}

// Handle identifies a freshly created segment to the caller recording into it.
type Handle struct {
	Index uint64
	Path  string
}

// Stats are cumulative store counters
type Stats struct {
	Created   uint64
	Completed uint64
	Evicted   uint64
	Retained  int
	Consumed  int
}

// TotalDuration sums the nominal durations of segs.
func TotalDuration(segs []Segment) time.Duration {
	var total time.Duration
	for _, s := range segs {
		total += s.Duration
	}
	return total
}
