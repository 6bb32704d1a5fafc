package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/concat"
	"github.com/audiolibrelab/replaycapture/internal/media"
	"github.com/audiolibrelab/replaycapture/internal/segment"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeBackend records synthetic chunks. When gated, every StartChunk waits
// for a token so tests control how many chunks get recorded.
type fakeBackend struct {
	tokens chan struct{}

	mu       sync.Mutex
	starts   int
	stops    int
	aborts   int
	checkErr error
	startErr error
	empty    bool
	path     string
}

func newFakeBackend(gated bool) *fakeBackend {
	b := &fakeBackend{}
	if gated {
		b.tokens = make(chan struct{}, 64)
	}
	return b
}

func (b *fakeBackend) release(n int) {
	for i := 0; i < n; i++ {
		b.tokens <- struct{}{}
	}
}

func (b *fakeBackend) Name() capture.BackendType { return capture.BackendTypeSynthetic }

func (b *fakeBackend) Check(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkErr
}

func (b *fakeBackend) StartChunk(ctx context.Context, path string, d time.Duration) error {
	b.mu.Lock()
	b.starts++
	err := b.startErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if b.tokens != nil {
		select {
		case <-b.tokens:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.path = path
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) StopChunk(ctx context.Context) error {
	b.mu.Lock()
	b.stops++
	path, empty := b.path, b.empty
	b.path = ""
	b.mu.Unlock()
	if empty {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return media.WriteSyntheticChunk(f, media.ChunkSpec{
		Duration:   time.Second,
		FrameRate:  30,
		SampleRate: 48000,
	})
}

func (b *fakeBackend) Abort() {
	b.mu.Lock()
	b.aborts++
	b.path = ""
	b.mu.Unlock()
}

func (b *fakeBackend) counts() (starts, stops, aborts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops, b.aborts
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	backend *fakeBackend
	store   *segment.Store
	ctrl    *Controller
	events  *recorder
	outDir  string
}

func newFixture(t *testing.T, backend *fakeBackend, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()

	store, err := segment.NewStore(segment.Config{
		Dir:             filepath.Join(root, "segments"),
		SegmentDuration: time.Second,
		Probe:           media.Probe,
	})
	require.NoError(t, err)

	out := filepath.Join(root, "out")
	fileSink, err := sink.NewFileSink(out, false)
	require.NoError(t, err)
	cc, err := concat.New(concat.Config{ScratchDir: filepath.Join(root, "scratch"), Sink: fileSink})
	require.NoError(t, err)

	cfg := Config{
		ActorID:      "cam_1",
		ClipDuration: 10,
		StartTimeout: waitFor,
		StopTimeout:  waitFor,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg, backend, store, cc)
	require.NoError(t, err)
	ctrl.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	f := &fixture{backend: backend, store: store, ctrl: ctrl, events: &recorder{}, outDir: out}
	ctrl.Subscribe(f.events)
	t.Cleanup(ctrl.Close)
	return f
}

func (f *fixture) waitStarts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		starts, _, _ := f.backend.counts()
		return starts >= n
	}, waitFor, tick)
}

func (f *fixture) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.State() == s }, waitFor, tick)
}

func TestSplitClipDuration(t *testing.T) {
	tests := []struct {
		total     int
		pre, post time.Duration
	}{
		{total: 2, pre: time.Second, post: time.Second},
		{total: 3, pre: time.Second, post: 2 * time.Second},
		{total: 10, pre: 5 * time.Second, post: 5 * time.Second},
		{total: 31, pre: 15 * time.Second, post: 16 * time.Second},
	}
	for _, tt := range tests {
		pre, post, err := SplitClipDuration(tt.total)
		require.NoError(t, err)
		assert.Equal(t, tt.pre, pre, "total %d", tt.total)
		assert.Equal(t, tt.post, post, "total %d", tt.total)
		assert.Equal(t, time.Duration(tt.total)*time.Second, pre+post)
	}

	for _, total := range []int{1, 0, -4} {
		_, _, err := SplitClipDuration(total)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "total %d", total)
	}
}

func TestEndToEndCapture(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.backend.release(12)
	// The 13th chunk is waiting to start once 12 have completed
	f.waitStarts(t, 13)

	assert.Equal(t, 7, f.store.MaxSegments())
	assert.Equal(t, 7, f.store.Len())
	require.NoError(t, f.ctrl.TriggerCapture())

	st := f.ctrl.Status()
	assert.Equal(t, StateCapturingPost, st.State)
	assert.Equal(t, 6, st.PreSegments)
	assert.NotNil(t, st.TriggeredAt)

	f.backend.release(5)
	f.waitState(t, StateIdle)

	require.Eventually(t, func() bool {
		return len(f.events.of(EventCaptureCompleted)) == 1
	}, waitFor, tick)
	completed := f.events.of(EventCaptureCompleted)[0]
	require.NotNil(t, completed.Artifact)
	assert.NotEmpty(t, completed.Artifact.URI)
	assert.Positive(t, completed.Artifact.Size)
	assert.FileExists(t, completed.Artifact.URI)
	assert.Equal(t, f.outDir, filepath.Dir(completed.Artifact.URI))
	assert.Equal(t, 0, f.store.Len())

	timelines, err := media.Inspect(completed.Artifact.URI)
	require.NoError(t, err)
	require.Len(t, timelines, 2)
	// 6 pre + 5 post one-second chunks at 30 fps
	assert.Len(t, timelines[0].DecodeTimes, 11*30)
	assert.True(t, timelines[0].Monotonic)

	assert.Len(t, f.events.of(EventBufferReady), 1)
	assert.Len(t, f.events.of(EventCaptureStarted), 1)
	assert.Empty(t, f.events.of(EventError))
}

func TestTriggerCapture_InvalidState(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), func(c *Config) { c.ClipDuration = 2 })

	before := f.ctrl.Status()
	err := f.ctrl.TriggerCapture()
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, before, f.ctrl.Status())

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.backend.release(3)
	f.waitStarts(t, 4)
	require.NoError(t, f.ctrl.TriggerCapture())

	before = f.ctrl.Status()
	assert.ErrorIs(t, f.ctrl.TriggerCapture(), apperr.ErrInvalidState)
	after := f.ctrl.Status()
	assert.Equal(t, StateCapturingPost, after.State)
	assert.Equal(t, before.PreSegments, after.PreSegments)
	assert.Equal(t, before.PostSegments, after.PostSegments)
	require.Eventually(t, func() bool {
		return len(f.events.of(EventCaptureStarted)) == 1
	}, waitFor, tick)
}

func TestStartBuffering_Twice(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	err := f.ctrl.StartBuffering(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, StateBuffering, f.ctrl.State())
}

func TestStartBuffering_PermissionDenied(t *testing.T) {
	backend := newFakeBackend(true)
	backend.checkErr = errors.New("camera busy")
	f := newFixture(t, backend, nil)

	err := f.ctrl.StartBuffering(context.Background())
	require.ErrorIs(t, err, apperr.ErrPermission)
	assert.Contains(t, err.Error(), "camera busy")
	assert.Equal(t, StateIdle, f.ctrl.State())

	starts, _, _ := backend.counts()
	assert.Zero(t, starts)
	assert.Equal(t, apperr.CodePermission, f.ctrl.Status().LastErrorCode)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)

	f.ctrl.Stop()
	f.ctrl.Stop()
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.store.Len())

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.backend.release(4)
	f.waitStarts(t, 5)

	f.ctrl.Stop()
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.store.Len())
	f.ctrl.Stop()
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.store.Len())

	_, _, aborts := f.backend.counts()
	assert.GreaterOrEqual(t, aborts, 1)

	entries, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStop_DuringCapture(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.backend.release(3)
	f.waitStarts(t, 4)
	require.NoError(t, f.ctrl.TriggerCapture())
	f.backend.release(1)

	f.ctrl.Stop()
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.store.Len())
	st := f.ctrl.Status()
	assert.Zero(t, st.PreSegments)
	assert.Zero(t, st.PostSegments)
	assert.Empty(t, f.events.of(EventCaptureCompleted))

	// A fresh session can start afterwards
	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	assert.Equal(t, StateBuffering, f.ctrl.State())
}

func TestRecordLoop_EscalatesRepeatedFailures(t *testing.T) {
	backend := newFakeBackend(false)
	backend.startErr = errors.New("encoder session lost")
	f := newFixture(t, backend, func(c *Config) { c.MaxConsecutiveFailures = 3 })

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.waitState(t, StateIdle)

	require.Eventually(t, func() bool { return len(f.events.of(EventError)) == 1 }, waitFor, tick)
	e := f.events.of(EventError)[0]
	assert.Equal(t, apperr.CodeBackend, e.Code)
	assert.Contains(t, e.Message, "encoder session lost")

	starts, _, aborts := backend.counts()
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, aborts)
	assert.Equal(t, 0, f.store.Len())
}

func TestRecordLoop_StartTimeoutContinues(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), func(c *Config) {
		c.StartTimeout = 30 * time.Millisecond
	})

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	require.Eventually(t, func() bool {
		_, _, aborts := f.backend.counts()
		return aborts >= 2
	}, waitFor, tick)

	st := f.ctrl.Status()
	assert.Equal(t, StateBuffering, st.State)
	assert.Equal(t, apperr.CodeTimeout, st.LastErrorCode)
	assert.Empty(t, f.events.of(EventError))

	// A chunk that does start is recorded normally
	f.backend.release(1)
	require.Eventually(t, func() bool {
		_, stops, _ := f.backend.counts()
		return stops == 1
	}, waitFor, tick)
}

func TestFinalize_NoSegments(t *testing.T) {
	backend := newFakeBackend(true)
	backend.empty = true
	f := newFixture(t, backend, func(c *Config) { c.ClipDuration = 2 })

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.waitStarts(t, 1)
	require.NoError(t, f.ctrl.TriggerCapture())
	assert.Zero(t, f.ctrl.Status().PreSegments)

	backend.release(1)
	f.waitState(t, StateIdle)

	require.Eventually(t, func() bool { return len(f.events.of(EventError)) == 1 }, waitFor, tick)
	assert.Equal(t, apperr.CodeNoSegments, f.events.of(EventError)[0].Code)
	assert.Empty(t, f.events.of(EventCaptureCompleted))
	assert.Equal(t, 0, f.store.Len())
}

func TestRestartAfterCapture(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), func(c *Config) {
		c.ClipDuration = 2
		c.RestartAfterCapture = true
	})

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	first := f.ctrl.Status().SessionID
	f.backend.release(2)
	f.waitStarts(t, 3)
	require.NoError(t, f.ctrl.TriggerCapture())
	f.backend.release(1)

	require.Eventually(t, func() bool {
		return len(f.events.of(EventCaptureCompleted)) == 1
	}, waitFor, tick)
	f.waitState(t, StateBuffering)
	assert.NotEqual(t, first, f.ctrl.Status().SessionID)
	require.Eventually(t, func() bool {
		return len(f.events.of(EventBufferReady)) == 2
	}, waitFor, tick)
}

func TestSetClipDuration(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)

	assert.ErrorIs(t, f.ctrl.SetClipDuration(1), apperr.ErrInvalidArgument)
	assert.Equal(t, 10, f.ctrl.ClipDuration())

	require.NoError(t, f.ctrl.SetClipDuration(9))
	st := f.ctrl.Status()
	assert.Equal(t, 4.0, st.PreWindowSeconds)
	assert.Equal(t, 5.0, st.PostWindowSeconds)
	assert.Equal(t, 4*time.Second, f.store.WindowDuration())
	assert.Equal(t, 6, f.store.MaxSegments())
}

func TestSetClipDuration_KeepsActivePostWindow(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), func(c *Config) { c.ClipDuration = 4 })

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	f.backend.release(2)
	f.waitStarts(t, 3)
	require.NoError(t, f.ctrl.TriggerCapture())

	// The capture in progress still records its original two seconds
	require.NoError(t, f.ctrl.SetClipDuration(20))
	f.backend.release(1)
	require.Eventually(t, func() bool { return f.ctrl.Status().PostSegments == 1 }, waitFor, tick)
	assert.Equal(t, StateCapturingPost, f.ctrl.State())

	f.backend.release(1)
	f.waitState(t, StateIdle)
	require.Eventually(t, func() bool {
		return len(f.events.of(EventCaptureCompleted)) == 1
	}, waitFor, tick)
}

func TestObserver_PanicIsContained(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)
	f.ctrl.Subscribe(ObserverFunc(func(Event) { panic("boom") }))

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	require.Eventually(t, func() bool {
		return len(f.events.of(EventBufferReady)) == 1
	}, waitFor, tick)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	f := newFixture(t, newFakeBackend(true), nil)
	var extra recorder
	unsubscribe := f.ctrl.Subscribe(&extra)
	unsubscribe()

	require.NoError(t, f.ctrl.StartBuffering(context.Background()))
	require.Eventually(t, func() bool {
		return len(f.events.of(EventBufferReady)) == 1
	}, waitFor, tick)
	assert.Empty(t, extra.of(EventBufferReady))
}
