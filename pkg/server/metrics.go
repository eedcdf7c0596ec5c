package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vango-dev/uplink/pkg/protocol"
)

// MetricsConfig configures the server's Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "uplink").
	Namespace string

	// Subsystem is the metrics subsystem (default: "server").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for HTTP request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64
}

// MetricsOption configures the server's Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "uplink",
		Subsystem: "server",
		Buckets:   prometheus.DefBuckets,
	}
}

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sessions         prometheus.Gauge
	detachedSessions prometheus.Gauge
	connections      prometheus.Gauge
	messagesIn       *prometheus.CounterVec
	messagesOut      *prometheus.CounterVec
	updates          *prometheus.CounterVec
	queued           prometheus.Counter
	dropped          prometheus.Counter
	expiries         prometheus.Counter
	attaches         *prometheus.CounterVec
	wireErrors       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics registers the server metrics with reg.
//
// Metrics collected (default namespace/subsystem):
//   - uplink_server_sessions: Gauge of live sessions
//   - uplink_server_detached_sessions: Gauge of sessions waiting for a reconnect
//   - uplink_server_connections: Gauge of open duplex connections
//   - uplink_server_messages_in_total: Counter of client frames by type
//   - uplink_server_messages_out_total: Counter of server frames by type and delivery
//   - uplink_server_updates_total: Counter of broadcast updates by diff kind
//   - uplink_server_queued_messages_total: Counter of messages queued while detached
//   - uplink_server_dropped_messages_total: Counter of queued messages dropped
//   - uplink_server_session_expiries_total: Counter of expired sessions
//   - uplink_server_session_attaches_total: Counter of attaches by recovered flag
//   - uplink_server_wire_errors_total: Counter of wire err replies by code
//   - uplink_server_http_requests_total: Counter of HTTP requests by kind and status
//   - uplink_server_http_request_duration_seconds: Histogram of HTTP request duration
func NewMetrics(reg prometheus.Registerer, opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		sessions:         gauge("sessions", "Number of live sessions"),
		detachedSessions: gauge("detached_sessions", "Number of sessions without a connection, waiting for reattach or expiry"),
		connections:      gauge("connections", "Number of open duplex connections"),
		messagesIn:       counterVec("messages_in_total", "Client frames received by type", "type"),
		messagesOut:      counterVec("messages_out_total", "Server frames produced by type and delivery", "type", "delivery"),
		updates:          counterVec("updates_total", "Store updates broadcast by diff kind", "diff"),
		queued:           counter("queued_messages_total", "Messages queued for detached sessions"),
		dropped:          counter("dropped_messages_total", "Queued messages dropped because the queue was full"),
		expiries:         counter("session_expiries_total", "Sessions destroyed by the expiry timer"),
		attaches:         counterVec("session_attaches_total", "Connections attached to sessions", "recovered"),
		wireErrors:       counterVec("wire_errors_total", "Wire err replies by error code", "code"),
		httpRequests:     counterVec("http_requests_total", "HTTP requests by kind and status", "kind", "status"),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),
	}
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionDestroyed(expired, wasDetached bool) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	if wasDetached {
		m.detachedSessions.Dec()
	}
	if expired {
		m.expiries.Inc()
	}
}

func (m *Metrics) sessionAttached(recovered, wasDetached bool) {
	if m == nil {
		return
	}
	m.attaches.WithLabelValues(strconv.FormatBool(recovered)).Inc()
	if wasDetached {
		m.detachedSessions.Dec()
	}
}

func (m *Metrics) sessionDetached() {
	if m == nil {
		return
	}
	m.detachedSessions.Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) messageIn(ft protocol.FrameType) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(ft.String()).Inc()
}

func (m *Metrics) messageOut(ft protocol.FrameType, queued bool) {
	if m == nil {
		return
	}
	delivery := "sent"
	if queued {
		delivery = "queued"
		m.queued.Inc()
	}
	m.messagesOut.WithLabelValues(ft.String(), delivery).Inc()
}

func (m *Metrics) messageDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) updateBroadcast(d protocol.Diff) {
	if m == nil {
		return
	}
	kind := "merge"
	if d.IsReplace() {
		kind = "replace"
	}
	m.updates.WithLabelValues(kind).Inc()
}

func (m *Metrics) wireError(code protocol.ErrorCode) {
	if m == nil {
		return
	}
	m.wireErrors.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) httpRequest(kind string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(kind).Observe(d.Seconds())
}
