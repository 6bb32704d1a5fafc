package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/apperr"
	"github.com/audiolibrelab/replaycapture/internal/sink"
)

// EventKind names an observation emitted by the controller.
type EventKind string

const (
	EventBufferReady      EventKind = "buffer_ready"
	EventCaptureStarted   EventKind = "capture_started"
	EventCaptureCompleted EventKind = "capture_completed"
	EventError            EventKind = "error"
	EventStateChanged     EventKind = "state_changed"
)

// Event is one observation. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	// StateChanged
	State State `json:"state,omitempty"`

	// CaptureStarted
	PreSegments int `json:"pre_segments,omitempty"`

	// CaptureCompleted
	Artifact *sink.Ref `json:"artifact,omitempty"`
	// Latency is the time from trigger to delivered artifact
	Latency time.Duration `json:"latency,omitempty"`

	// Error
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Observer receives controller events. Callbacks run on a single dispatch
// goroutine, in emission order, and never under the controller lock; an
// observer may call back into the controller.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type subscription struct {
	id       int
	observer Observer
}

// dispatcher delivers events through an unbounded queue so emitting never
// blocks the caller.
type dispatcher struct {
	log *slog.Logger

	mu        sync.Mutex
	observers []subscription
	nextID    int
	queue     []Event
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(log *slog.Logger) *dispatcher {
	d := &dispatcher{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(o Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, subscription{id: id, observer: o})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.observers {
			if s.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		observers := append([]subscription(nil), d.observers...)
		d.mu.Unlock()

		for _, s := range observers {
			d.deliver(s.observer, e)
		}
	}
}

func (d *dispatcher) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Observer panicked", "event", e.Kind, "panic", r)
		}
	}()
	o.Observe(e)
}

// close delivers what is queued and stops the dispatch goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
