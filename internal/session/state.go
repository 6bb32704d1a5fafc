// Package session drives the capture state machine: it keeps a rolling
// buffer of segments while idle-listening and turns a trigger into a clip.
package session

import (
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
)

// State represents the current state of the capture session
type State string

const (
	StateIdle          State = "IDLE"
	StateBuffering     State = "BUFFERING"
	StateCapturingPost State = "CAPTURING_POST"
	StateFinalizing    State = "FINALIZING"
)

// MinClipDuration is the smallest total clip length in seconds.
const MinClipDuration = 2

// SplitClipDuration derives the pre- and post-trigger windows from a total
// clip length in seconds: pre = floor(T/2), post = T - pre.
func SplitClipDuration(total int) (pre, post time.Duration, err error) {
	if total < MinClipDuration {
		return 0, 0, apperr.New(apperr.CodeInvalidArgument, "clip duration must be at least %d seconds, got %d", MinClipDuration, total)
	}
	preSeconds := total / 2
	postSeconds := total - preSeconds
	return time.Duration(preSeconds) * time.Second, time.Duration(postSeconds) * time.Second, nil
}
