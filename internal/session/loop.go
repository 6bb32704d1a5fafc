package session

import (
	"context"
	"errors"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/segment"
)

// run records one chunk after another until canceled, superseded by a newer
// generation, or the post window completes.
func (c *Controller) run(ctx context.Context, gen uint64, sessionID string, done chan struct{}) {
	defer close(done)
	log := c.log.With("session_id", sessionID)

	c.mu.Lock()
	if c.generation == gen {
		c.emitLocked(Event{Kind: EventBufferReady})
	}
	c.mu.Unlock()

	for ctx.Err() == nil {
		if !c.recordOne(ctx, gen) {
			return
		}
	}
	log.Debug("Record loop exited")
}

// recordOne runs a single iteration and reports whether the loop continues.
func (c *Controller) recordOne(ctx context.Context, gen uint64) bool {
	segDur := c.store.SegmentDuration()
	h := c.store.Create()

	actual, err := c.recordChunk(ctx, h.Path, segDur)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.backend.Abort()
		return c.recordFailed(ctx, gen, h, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.failures = 0

	seg, err := c.store.Complete(h, actual)
	if err != nil {
		c.log.Warn("Completed segment was evicted while recording", "segment_index", h.Index, "error", err)
		return true
	}

	switch c.state {
	case StateCapturingPost:
		c.store.Consume([]segment.Segment{seg})
		c.post = append(c.post, seg)
		if segment.TotalDuration(c.post) >= c.captureWindow {
			c.setStateLocked(StateFinalizing)
			pre := append([]segment.Segment(nil), c.pre...)
			post := append([]segment.Segment(nil), c.post...)
			c.finalizing.Add(1)
			go c.finalize(gen, pre, post, c.triggerAt)
			return false
		}
	case StateBuffering:
		if _, err := c.store.Trim(); err != nil {
			c.log.Warn("Failed to trim segments", "error", err)
		}
	default:
		return false
	}
	return true
}

// recordChunk drives the backend through one chunk and returns the measured
// recording time.
func (c *Controller) recordChunk(ctx context.Context, path string, d time.Duration) (time.Duration, error) {
	if err := c.await(ctx, c.cfg.StartTimeout, "start chunk", func(ctx context.Context) error {
		return c.backend.StartChunk(ctx, path, d)
	}); err != nil {
		return 0, err
	}
	started := c.cfg.Now()

	if err := c.sleep(ctx, d); err != nil {
		return 0, err
	}

	if err := c.await(ctx, c.cfg.StopTimeout, "stop chunk", c.backend.StopChunk); err != nil {
		return 0, err
	}
	return c.cfg.Now().Sub(started), nil
}

// await runs fn bounded by timeout. Expiry yields TIMEOUT and uncoded
// backend errors are reported as BACKEND. Cancellation of ctx is returned
// as is.
func (c *Controller) await(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fn(wctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-wctx.Done():
		err = wctx.Err()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTimeout, err, "%s did not complete within %s", op, timeout)
	}
	if apperr.CodeOf(err) == "" {
		return apperr.Wrap(apperr.CodeBackend, err, "%s failed", op)
	}
	return err
}

func (c *Controller) recordFailed(ctx context.Context, gen uint64, h segment.Handle, err error) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.failures++
	failures := c.failures
	c.lastErr = err
	c.log.Warn("Segment recording failed",
		"segment_index", h.Index,
		"consecutive_failures", failures,
		"error", err)

	if limit := c.cfg.MaxConsecutiveFailures; limit > 0 && failures >= limit {
		c.escalateLocked(err, failures)
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	// Back off one chunk length before retrying
	return c.sleep(ctx, c.store.SegmentDuration()) == nil
}

// escalateLocked gives up on a backend that keeps failing.
func (c *Controller) escalateLocked(cause error, failures int) {
	c.generation++
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel, c.loopDone = nil, nil
	if err := c.store.Clear(); err != nil {
		c.log.Warn("Failed to clear segments", "error", err)
	}
	c.pre = nil
	c.post = nil

	err := apperr.Wrap(apperr.CodeBackend, cause, "capture backend failed %d times in a row", failures)
	c.log.Error("Buffering stopped after repeated backend failures", "failures", failures, "error", cause)
	c.reportLocked(err)
	c.failures = 0
	c.setStateLocked(StateIdle)
}

// finalize concatenates the captured windows and resets the session.
func (c *Controller) finalize(gen uint64, pre, post []segment.Segment, triggerAt time.Time) {
	defer c.finalizing.Done()

	segs := make([]segment.Segment, 0, len(pre)+len(post))
	segs = append(segs, pre...)
	segs = append(segs, post...)

	c.log.Info("Finalizing capture",
		"pre_segments", len(pre),
		"post_segments", len(post))

	ref, err := c.concat.Concatenate(c.root, segs, c.cfg.ActorID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.log.Error("Capture failed", "error", err)
		c.reportLocked(err)
	} else {
		latency := c.cfg.Now().Sub(triggerAt)
		c.log.Info("Capture completed", "artifact", ref.URI, "size", ref.Size, "latency", latency)
		artifact := ref
		c.emitLocked(Event{Kind: EventCaptureCompleted, Artifact: &artifact, Latency: latency})
	}

	// Stop took over while concatenating
	if c.generation != gen || c.state != StateFinalizing {
		return
	}
	if err := c.store.Clear(); err != nil {
		c.log.Warn("Failed to clear segments after capture", "error", err)
	}
	c.pre = nil
	c.post = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel, c.loopDone = nil, nil
	c.setStateLocked(StateIdle)

	if c.cfg.RestartAfterCapture && !c.closed {
		c.startLocked()
	}
}
