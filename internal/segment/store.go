package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

const (
	DefaultPrefix    = "segment_"
	DefaultExtension = ".mp4"
	// DefaultSafetyMargin absorbs the in-flight segment and finalize latency.
	DefaultSafetyMargin = 2
)

// ErrNotTracked is returned when completing a segment the store no longer holds.
var ErrNotTracked = errors.New("segment not tracked")

// Config configures a Store. Dir and SegmentDuration are required.
type Config struct {
	Dir             string
	Prefix          string
	Extension       string
	SegmentDuration time.Duration
	WindowDuration  time.Duration
	SafetyMargin    int

	Logger *slog.Logger
	// Probe, if set, fills Segment.Tracks on completion.
	Probe func(path string) (media.TrackSet, error)
	// OnEvict is called after a segment is evicted by trim.
	OnEvict func(Segment)
	Now     func() time.Time
}

// Store is the ring buffer of on-disk segments. Retained segments are kept
// in creation order; consumed segments belong to a capture and are neither
// counted nor evicted.
type Store struct {
	cfg     Config
	log     *slog.Logger
	pattern *regexp.Regexp

	mu        sync.Mutex
	retained  []*Segment
	consumed  map[uint64]*Segment
	nextIndex uint64
	window    time.Duration
	stats     Stats
}

// NewStore creates the scratch directory and an empty store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "segment directory is required")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "segment duration must be positive, got %s", cfg.SegmentDuration)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, err, "create segment directory %s", cfg.Dir)
	}

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(cfg.Prefix) + `(\d+)` + regexp.QuoteMeta(cfg.Extension) + "$")

	return &Store{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "segment_store"),
		pattern:  pattern,
		consumed: make(map[uint64]*Segment),
		window:   cfg.WindowDuration,
	}, nil
}

// MaxSegments returns ceil(window/segmentDuration) + safety margin.
func (s *Store) MaxSegments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSegmentsLocked()
}

func (s *Store) maxSegmentsLocked() int {
	n := int(math.Ceil(float64(s.window) / float64(s.cfg.SegmentDuration)))
	return n + s.cfg.SafetyMargin
}

// SetWindowDuration changes the retention window; it applies on the next trim.
func (s *Store) SetWindowDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.window = d
}

// WindowDuration returns the configured retention window.
func (s *Store) WindowDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// SegmentDuration returns the nominal chunk duration.
func (s *Store) SegmentDuration() time.Duration {
	return s.cfg.SegmentDuration
}

// Dir returns the scratch directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// Create reserves the next segment slot and trims the window. The caller
// records into the returned path.
func (s *Store) Create() Handle {
	s.mu.Lock()
	index := s.nextIndex
	s.nextIndex++
	seg := &Segment{
		Index:     index,
		Path:      s.pathFor(index),
		CreatedAt: s.cfg.Now(),
		Duration:  s.cfg.SegmentDuration,
		Status:    StatusCreated,
	}
	// A reused path may hold bytes from a previous session.
	if err := removeFile(seg.Path); err != nil {
		s.log.Warn("Failed to remove stale segment file", "path", seg.Path, "error", err)
	}
	s.retained = append(s.retained, seg)
	s.stats.Created++
	evicted, err := s.trimLocked()
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	if err != nil {
		s.log.Warn("Trim after create failed", "error", err)
	}
	s.log.Debug("Segment created", "segment_index", index, "path", seg.Path)
	return Handle{Index: index, Path: seg.Path}
}

// Complete marks a segment as finalized and returns its record. It only
// affects bookkeeping.
func (s *Store) Complete(h Handle, actual time.Duration) (Segment, error) {
	var tracks media.TrackSet
	if s.cfg.Probe != nil && fileUsable(h.Path) {
		probed, err := s.cfg.Probe(h.Path)
		if err != nil {
			s.log.Debug("Segment probe failed", "segment_index", h.Index, "error", err)
		} else {
			tracks = probed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.findLocked(h.Index)
	if seg == nil {
		return Segment{}, fmt.Errorf("complete segment %d: %w", h.Index, ErrNotTracked)
	}
	seg.Status = StatusCompleted
	seg.Actual = actual
	seg.CompletedAt = s.cfg.Now()
	seg.Tracks = tracks
	s.stats.Completed++
	return *seg, nil
}

// Freeze returns every retained, completed, existing and non-empty segment
// in creation order. The result is a point-in-time snapshot.
func (s *Store) Freeze() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Segment, 0, len(s.retained))
	for _, seg := range s.retained {
		if seg.Status == StatusCompleted && fileUsable(seg.Path) {
			out = append(out, *seg)
		}
	}
	return out
}

// Window walks usable segments newest to oldest until their nominal durations
// reach target, and returns them oldest first.
func (s *Store) Window(target time.Duration) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []Segment
	var total time.Duration
	for i := len(s.retained) - 1; i >= 0 && total < target; i-- {
		seg := s.retained[i]
		if seg.Status != StatusCompleted || !fileUsable(seg.Path) {
			continue
		}
		picked = append(picked, *seg)
		total += seg.Duration
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// Trim evicts the oldest segments while the ring exceeds MaxSegments.
// It returns the number of evicted segments.
func (s *Store) Trim() (int, error) {
	s.mu.Lock()
	evicted, err := s.trimLocked()
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	return len(evicted), err
}

func (s *Store) trimLocked() ([]Segment, error) {
	max := s.maxSegmentsLocked()
	var evicted []Segment
	var errs []error
	for len(s.retained) > max {
		oldest := s.retained[0]
		s.retained[0] = nil
		s.retained = s.retained[1:]
		if err := removeFile(oldest.Path); err != nil {
			errs = append(errs, err)
		}
		s.stats.Evicted++
		evicted = append(evicted, *oldest)
		s.log.Debug("Segment evicted", "segment_index", oldest.Index, "path", oldest.Path)
	}
	if len(errs) > 0 {
		return evicted, apperr.Wrap(apperr.CodeIO, errors.Join(errs...), "evict %d segment(s)", len(errs))
	}
	return evicted, nil
}

func (s *Store) notifyEvicted(evicted []Segment) {
	if s.cfg.OnEvict == nil {
		return
	}
	for _, seg := range evicted {
		s.cfg.OnEvict(seg)
	}
}

// Consume moves segs out of the retained ring. Their files stay on disk until
// Release or Clear. It returns how many segments were moved.
func (s *Store) Consume(segs []Segment) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[uint64]bool, len(segs))
	for _, seg := range segs {
		want[seg.Index] = true
	}
	kept := s.retained[:0]
	moved := 0
	for _, seg := range s.retained {
		if want[seg.Index] {
			seg.Status = StatusConsumed
			s.consumed[seg.Index] = seg
			moved++
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(s.retained); i++ {
		s.retained[i] = nil
	}
	s.retained = kept
	return moved
}

// Release deletes the files of consumed segments and forgets them.
func (s *Store) Release(segs []Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, seg := range segs {
		tracked, ok := s.consumed[seg.Index]
		if !ok || tracked.Path != seg.Path {
			continue
		}
		if err := removeFile(tracked.Path); err != nil {
			errs = append(errs, err)
		}
		delete(s.consumed, seg.Index)
	}
	if len(errs) > 0 {
		return apperr.Wrap(apperr.CodeIO, errors.Join(errs...), "release segments")
	}
	return nil
}

// Clear deletes every tracked segment file and resets the index counter.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, seg := range s.retained {
		if err := removeFile(seg.Path); err != nil {
			errs = append(errs, err)
		}
	}
	for _, seg := range s.consumed {
		if err := removeFile(seg.Path); err != nil {
			errs = append(errs, err)
		}
	}
	s.retained = nil
	s.consumed = make(map[uint64]*Segment)
	s.nextIndex = 0
	s.log.Debug("Segment store cleared")

	if len(errs) > 0 {
		return apperr.Wrap(apperr.CodeIO, errors.Join(errs...), "clear segments")
	}
	return nil
}

// ReconcileOrphans deletes files in the scratch directory that follow the
// segment naming convention but are not tracked.
func (s *Store) ReconcileOrphans() (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.Wrap(apperr.CodeIO, err, "read segment directory %s", s.cfg.Dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tracked := make(map[string]bool, len(s.retained)+len(s.consumed))
	for _, seg := range s.retained {
		tracked[seg.Path] = true
	}
	for _, seg := range s.consumed {
		tracked[seg.Path] = true
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := s.pattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if _, err := strconv.ParseUint(m[1], 10, 64); err != nil {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if tracked[path] {
			continue
		}
		if err := removeFile(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("Removed orphaned segment files", "count", removed, "dir", s.cfg.Dir)
	}
	if len(errs) > 0 {
		return removed, apperr.Wrap(apperr.CodeIO, errors.Join(errs...), "remove orphaned segments")
	}
	return removed, nil
}

// Len returns the number of retained segments, in-flight ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retained)
}

// Segments returns a copy of every retained record regardless of status.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, len(s.retained))
	for i, seg := range s.retained {
		out[i] = *seg
	}
	return out
}

// Stats returns cumulative counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Retained = len(s.retained)
	st.Consumed = len(s.consumed)
	return st
}

func (s *Store) pathFor(index uint64) string {
	return filepath.Join(s.cfg.Dir, s.cfg.Prefix+strconv.FormatUint(index, 10)+s.cfg.Extension)
}

func (s *Store) findLocked(index uint64) *Segment {
	for _, seg := range s.retained {
		if seg.Index == index {
			return seg
		}
	}
	return nil
}

// removeFile deletes path; a missing file counts as already removed.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileUsable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
