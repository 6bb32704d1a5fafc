package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/segment"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

// Concatenator joins ordered segments into one delivered artifact.
type Concatenator interface {
	Concatenate(ctx context.Context, segs []segment.Segment, actorID string) (sink.Ref, error)
}

// Config configures a Controller.
type Config struct {
	ActorID string
	// ClipDuration is the total clip length in seconds.
	ClipDuration int
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// MaxConsecutiveFailures stops buffering after that many failed chunks
	// in a row. Zero retries forever.
	MaxConsecutiveFailures int
	// RestartAfterCapture resumes buffering once a clip is delivered.
	RestartAfterCapture bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Status is a point-in-time view of the controller.
type Status struct {
	State               State               `json:"state"`
	SessionID           string              `json:"session_id,omitempty"`
	Backend             capture.BackendType `json:"backend"`
	PreWindowSeconds    float64             `json:"pre_window_seconds"`
	PostWindowSeconds   float64             `json:"post_window_seconds"`
	PreSegments         int                 `json:"pre_segments"`
	PostSegments        int                 `json:"post_segments"`
	Buffered            int                 `json:"buffered"`
	MaxSegments         int                 `json:"max_segments"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastError           string              `json:"last_error,omitempty"`
	LastErrorCode       apperr.Code         `json:"last_error_code,omitempty"`
	TriggeredAt         *time.Time          `json:"triggered_at,omitempty"`
}

// Controller owns the capture session state machine. All state transitions
// happen under mu; the record loop re-checks state under the same lock at
// every iteration boundary.
//
// Lock order is Controller.mu before the store's lock. Store hooks must not
// call back into the controller.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	backend capture.Backend
	store   *segment.Store
	concat  Concatenator
	events  *dispatcher

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error

	root       context.Context
	rootCancel context.CancelFunc

	mu            sync.Mutex
	state         State
	sessionID     string
	generation    uint64
	preWindow     time.Duration
	postWindow    time.Duration
	captureWindow time.Duration
	pre           []segment.Segment
	post          []segment.Segment
	triggerAt     time.Time
	failures      int
	lastErr       error
	cancel        context.CancelFunc
	loopDone      chan struct{}
	closed        bool

	finalizing sync.WaitGroup
}

// New creates an idle controller.
func New(cfg Config, backend capture.Backend, store *segment.Store, concat Concatenator) (*Controller, error) {
	if backend == nil || store == nil || concat == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "backend, store and concatenator are required")
	}
	pre, post, err := SplitClipDuration(cfg.ClipDuration)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * store.SegmentDuration()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * store.SegmentDuration()
	}
	if cfg.MaxConsecutiveFailures < 0 {
		cfg.MaxConsecutiveFailures = 0
	}

	log := cfg.Logger.With("component", "session")
	root, rootCancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		log:        log,
		backend:    backend,
		store:      store,
		concat:     concat,
		events:     newDispatcher(log),
		sleep:      sleepContext,
		root:       root,
		rootCancel: rootCancel,
		state:      StateIdle,
		preWindow:  pre,
		postWindow: post,
	}
	store.SetWindowDuration(pre)
	return c, nil
}

// Subscribe registers an observer and returns a function removing it.
func (c *Controller) Subscribe(o Observer) func() {
	return c.events.subscribe(o)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartBuffering checks the backend and launches the record loop. It fails
// with INVALID_STATE unless idle and with PERMISSION if the backend cannot
// capture; on failure the state is unchanged.
func (c *Controller) StartBuffering(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.New(apperr.CodeInvalidState, "controller is closed")
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return apperr.New(apperr.CodeInvalidState, "cannot start buffering in state %s", state)
	}
	c.mu.Unlock()

	if err := c.backend.Check(ctx); err != nil {
		err = apperr.Wrap(apperr.CodePermission, err, "capture backend %s unavailable", c.backend.Name())
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn("Capture backend check failed", "backend", c.backend.Name(), "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have won the race while the backend was checked
	if c.closed || c.state != StateIdle {
		return apperr.New(apperr.CodeInvalidState, "cannot start buffering in state %s", c.state)
	}
	c.startLocked()
	return nil
}

func (c *Controller) startLocked() {
	if n, err := c.store.ReconcileOrphans(); err != nil {
		c.log.Warn("Failed to reconcile orphan segments", "error", err)
	} else if n > 0 {
		c.log.Info("Removed orphan segments", "count", n)
	}
	c.store.SetWindowDuration(c.preWindow)

	c.sessionID = uuid.NewString()
	c.generation++
	c.failures = 0
	c.pre = nil
	c.post = nil
	c.triggerAt = time.Time{}

	ctx, cancel := context.WithCancel(c.root)
	done := make(chan struct{})
	c.cancel = cancel
	c.loopDone = done
	c.setStateLocked(StateBuffering)

	c.log.Info("Buffering started",
		"session_id", c.sessionID,
		"backend", c.backend.Name(),
		"pre_window", c.preWindow,
		"post_window", c.postWindow,
		"max_segments", c.store.MaxSegments())

	go c.run(ctx, c.generation, c.sessionID, done)
}

// TriggerCapture freezes the buffered window and starts recording the
// post-trigger window. It is only valid while buffering.
func (c *Controller) TriggerCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateBuffering {
		return apperr.New(apperr.CodeInvalidState, "cannot trigger capture in state %s", c.state)
	}

	c.triggerAt = c.cfg.Now()
	pre := c.store.Freeze()
	c.store.Consume(pre)
	c.pre = pre
	c.post = nil
	c.captureWindow = c.postWindow
	c.setStateLocked(StateCapturingPost)

	c.log.Info("Capture triggered",
		"session_id", c.sessionID,
		"pre_segments", len(pre),
		"pre_duration", segment.TotalDuration(pre),
		"post_window", c.captureWindow)

	c.emitLocked(Event{Kind: EventCaptureStarted, PreSegments: len(pre)})
	return nil
}

// Stop cancels the loop, abandons any in-flight chunk, clears the store and
// returns to idle. It may be called from any state, any number of times.
// A finalize already in progress runs to completion first.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.generation++
	cancel, done := c.cancel, c.loopDone
	c.cancel, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.backend.Abort()
	c.finalizing.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(); err != nil {
		c.log.Warn("Failed to clear segments on stop", "error", err)
	}
	c.pre = nil
	c.post = nil
	c.failures = 0
	if c.state != StateIdle {
		c.setStateLocked(StateIdle)
		c.log.Info("Buffering stopped", "session_id", c.sessionID)
	}
}

// SetClipDuration derives the pre/post windows from total seconds and
// applies the pre window to the store. A post window already being recorded
// keeps its length.
func (c *Controller) SetClipDuration(total int) error {
	pre, post, err := SplitClipDuration(total)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ClipDuration = total
	c.preWindow = pre
	c.postWindow = post
	c.store.SetWindowDuration(pre)
	c.log.Info("Clip duration updated", "total", total, "pre_window", pre, "post_window", post)
	return nil
}

// ClipDuration returns the configured total clip length in seconds.
func (c *Controller) ClipDuration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ClipDuration
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:               c.state,
		SessionID:           c.sessionID,
		Backend:             c.backend.Name(),
		PreWindowSeconds:    c.preWindow.Seconds(),
		PostWindowSeconds:   c.postWindow.Seconds(),
		PreSegments:         len(c.pre),
		PostSegments:        len(c.post),
		Buffered:            c.store.Len(),
		MaxSegments:         c.store.MaxSegments(),
		ConsecutiveFailures: c.failures,
	}
	if c.lastErr != nil {
		st.LastError = apperr.MessageOf(c.lastErr)
		st.LastErrorCode = apperr.CodeOf(c.lastErr)
	}
	if !c.triggerAt.IsZero() {
		t := c.triggerAt
		st.TriggeredAt = &t
	}
	return st
}

// Close stops the session and the event dispatcher. Queued events are
// delivered before Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	c.rootCancel()
	c.events.close()
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("State changed", "from", c.state, "to", s)
	c.state = s
	c.emitLocked(Event{Kind: EventStateChanged, State: s})
}

func (c *Controller) emitLocked(e Event) {
	if e.SessionID == "" {
		e.SessionID = c.sessionID
	}
	if e.Time.IsZero() {
		e.Time = c.cfg.Now()
	}
	c.events.emit(e)
}

func (c *Controller) reportLocked(err error) {
	c.lastErr = err
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeIO
	}
	c.emitLocked(Event{Kind: EventError, Code: code, Message: apperr.MessageOf(err)})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
