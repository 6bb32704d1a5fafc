// Package metrics exposes capture counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/replaycapture/internal/segment"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

// Metrics holds the capture counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	requestErrors     prometheus.Counter
	segmentsEvicted   prometheus.Counter
	sessionsStarted   prometheus.Counter
	capturesStarted   prometheus.Counter
	capturesCompleted prometheus.Counter
	errorsTotal       *prometheus.CounterVec
	captureLatency    prometheus.Histogram
	artifactBytes     prometheus.Counter
	bufferedSegments  prometheus.Gauge
	state             *prometheus.GaugeVec
}

// New creates and registers the capture metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_segments_evicted_total",
			Help: "Segments dropped from the ring buffer",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_buffering_sessions_total",
			Help: "Buffering sessions whose record loop started",
		}),
		capturesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_captures_started_total",
			Help: "Accepted capture triggers",
		}),
		capturesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_captures_completed_total",
			Help: "Artifacts delivered to the sink",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replaycapture_errors_total",
			Help: "Surfaced errors by code",
		}, []string{"code"}),
		captureLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replaycapture_capture_latency_seconds",
			Help:    "Time from trigger to delivered artifact",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120},
		}),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaycapture_artifact_bytes_total",
			Help: "Bytes written to the sink",
		}),
		bufferedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replaycapture_buffered_segments",
			Help: "Segments currently held by the ring buffer",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replaycapture_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestErrors,
		m.segmentsEvicted,
		m.sessionsStarted,
		m.capturesStarted,
		m.capturesCompleted,
		m.errorsTotal,
		m.captureLatency,
		m.artifactBytes,
		m.bufferedSegments,
		m.state,
	)
	m.setState(session.StateIdle)
	return m
}

// Observe records a controller event. Metrics implements session.Observer.
func (m *Metrics) Observe(e session.Event) {
	switch e.Kind {
	case session.EventBufferReady:
		m.sessionsStarted.Inc()
	case session.EventCaptureStarted:
		m.capturesStarted.Inc()
	case session.EventCaptureCompleted:
		m.capturesCompleted.Inc()
		m.captureLatency.Observe(e.Latency.Seconds())
		if e.Artifact != nil {
			m.artifactBytes.Add(float64(e.Artifact.Size))
		}
	case session.EventError:
		m.errorsTotal.WithLabelValues(string(e.Code)).Inc()
	case session.EventStateChanged:
		m.setState(e.State)
	}
}

// SegmentEvicted counts one eviction. It is meant as a store OnEvict hook.
func (m *Metrics) SegmentEvicted(segment.Segment) {
	m.segmentsEvicted.Inc()
}

// SetBufferedSegments sets the buffered segments gauge.
func (m *Metrics) SetBufferedSegments(n int) {
	m.bufferedSegments.Set(float64(n))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncRequestErrors increments the HTTP error counter.
func (m *Metrics) IncRequestErrors() {
	m.requestErrors.Inc()
}

func (m *Metrics) setState(current session.State) {
	for _, s := range []session.State{
		session.StateIdle,
		session.StateBuffering,
		session.StateCapturingPost,
		session.StateFinalizing,
	} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
