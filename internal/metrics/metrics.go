// Package metrics holds the Prometheus collectors of the sync engine and the
// reference sync server.
//
// Collectors are created per instance and registered on an injected
// prometheus.Registerer, so tests can use a fresh prometheus.NewRegistry().
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offsync"

// Sync outcomes used as the "outcome" label of offsync_sync_runs_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeEmpty   = "empty"
)

// Metrics groups every collector.
type Metrics struct {
	syncRuns       *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	eventsSynced   prometheus.Counter
	eventsRejected prometheus.Counter
	eventsAppended prometheus.Counter
	conflicts      *prometheus.CounterVec
	unsynced       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Sync runs by outcome.",
			},
			[]string{"outcome"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of sync round-trips in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		eventsSynced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_synced_total",
				Help:      "Events acknowledged by the server.",
			},
		),
		eventsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Events rejected by the server.",
			},
		),
		eventsAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Events appended to the local log.",
			},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Conflicts detected during sync by kind.",
			},
			[]string{"kind"},
		),
		unsynced: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unsynced_events",
				Help:      "Events waiting to be synced.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.syncRuns, m.syncDuration, m.eventsSynced, m.eventsRejected,
			m.eventsAppended, m.conflicts, m.unsynced, m.httpRequests, m.httpLatency,
		)
	}
	return m
}

// ObserveSync records one sync run.
func (m *Metrics) ObserveSync(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		m.syncDuration.Observe(d.Seconds())
	}
}

// AddSynced counts events acknowledged by the server.
func (m *Metrics) AddSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsSynced.Add(float64(n))
}

// AddRejected counts events rejected by the server.
func (m *Metrics) AddRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsRejected.Add(float64(n))
}

// IncAppended counts one appended event.
func (m *Metrics) IncAppended() {
	if m == nil {
		return
	}
	m.eventsAppended.Inc()
}

// IncConflict counts one detected conflict of the given kind.
func (m *Metrics) IncConflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

// SetUnsynced publishes the current unsynced event count.
func (m *Metrics) SetUnsynced(n int64) {
	if m == nil {
		return
	}
	m.unsynced.Set(float64(n))
}

// Instrument wraps an HTTP handler with request count and latency metrics.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		m.httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
