package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges and histograms for the relay.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	streamsEndedTotal prometheus.Counter
	activeStreams     prometheus.Gauge
	connections       *prometheus.GaugeVec
	framesReceived    prometheus.Counter
	framesSkipped     prometheus.Counter
	framesRejected    prometheus.Counter
	transformsTotal   *prometheus.CounterVec
	transformDuration prometheus.Histogram
	deliveriesTotal   *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_streams_ended_total",
			Help: "Total number of streams that transitioned to ended",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Number of streams with a connected broadcaster that are not ended",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open WebSocket connections by role",
		}, []string{"role"}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Frames accepted from broadcasters",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_skipped_total",
			Help: "Frames recorded as latest while a transformation was in flight",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_rejected_total",
			Help: "Frames rejected before admission (empty, malformed, oversized, ended stream)",
		}),
		transformsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transforms_total",
			Help: "Completed transformations by result",
		}, []string{"result"}),
		transformDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transform_duration_seconds",
			Help:    "Wall time of transformer calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-connection message deliveries by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsEndedTotal,
		m.activeStreams,
		m.connections,
		m.framesReceived,
		m.framesSkipped,
		m.framesRejected,
		m.transformsTotal,
		m.transformDuration,
		m.deliveriesTotal,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncStreamsEnded increments the streams ended counter.
func (m *Metrics) IncStreamsEnded() {
	if m == nil {
		return
	}
	m.streamsEndedTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// AddConnections adjusts the open connection gauge for role by delta.
func (m *Metrics) AddConnections(role string, delta int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Add(float64(delta))
}

func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) IncFramesSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

func (m *Metrics) IncFramesRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}

// ObserveTransform records one transformer call. result is "ok" or "error".
func (m *Metrics) ObserveTransform(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.transformsTotal.WithLabelValues(result).Inc()
	m.transformDuration.Observe(d.Seconds())
}

// AddDeliveries records the outcome of one fan-out.
func (m *Metrics) AddDeliveries(delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.deliveriesTotal.WithLabelValues("ok").Add(float64(delivered))
	}
	if failed > 0 {
		m.deliveriesTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
