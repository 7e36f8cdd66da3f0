package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "omnichannel"

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	inbound         *prometheus.CounterVec
	outbound        *prometheus.CounterVec
	acks            *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "HTTP errors by route, method and error code.",
		}, []string{"path", "method", "code"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_total",
			Help:      "Inbound events by platform and outcome.",
		}, []string{"platform", "outcome"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "messages_total",
			Help:      "Outbound sends by platform and resulting status.",
		}, []string{"platform", "status"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "acks_total",
			Help:      "Status acknowledgements by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sessions_total",
			Help:      "Queue session lifecycle events.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Broker deliveries by queue and disposition.",
		}, []string{"queue", "disposition"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.requestDuration, m.errors, m.inbound, m.outbound, m.acks, m.sessions, m.deliveries)
	}
	return m
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordInbound counts a processed inbound event.
func (m *Metrics) RecordInbound(platform, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(platform, outcome).Inc()
}

// RecordOutbound counts an outbound send attempt.
func (m *Metrics) RecordOutbound(platform, status string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(platform, status).Inc()
}

// RecordAck counts a status acknowledgement.
func (m *Metrics) RecordAck(outcome string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(outcome).Inc()
}

// RecordSession counts a queue lifecycle event (created, attended, finished).
func (m *Metrics) RecordSession(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}

// RecordDelivery counts a broker delivery once it has been acked, dropped or requeued.
func (m *Metrics) RecordDelivery(queue, disposition string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, disposition).Inc()
}
