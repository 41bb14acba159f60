package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// App session metrics
	AppTransitions *prometheus.CounterVec
	QueueDrops     *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	DemandChanges  *prometheus.CounterVec
	Resurrections  *prometheus.CounterVec
	Correlations   *prometheus.CounterVec

	// Provider metrics
	WebhookCalls    *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// User metrics
	UserSessions prometheus.Gauge

	// WebSocket metrics
	WSConnections *prometheus.GaugeVec
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	UserSessions      int64   `json:"userSessions"`
	ActiveConnections int64   `json:"activeConnections"`
	QueueDrops        int64   `json:"queueDrops"`
	Resurrections     int64   `json:"resurrections"`
	AvgLatencyMS      float64 `json:"avgLatencyMs"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`

	totalDuration float64
	requestCount  int64
}

// NewMetrics registers the relay metrics with reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// App session metrics
		AppTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_app_transitions_total",
				Help: "App session state transitions",
			},
			[]string{"from", "to"},
		),
		QueueDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_dropped_total",
				Help: "Frames dropped by full per-app send queues",
			},
			[]string{"policy"},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_publish_deliveries_total",
				Help: "Frames queued to apps by stream type",
			},
			[]string{"stream"},
		),
		DemandChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_demand_changes_total",
				Help: "Aggregate demand notifications sent to device collaborators",
			},
			[]string{"signal"},
		),
		Resurrections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_resurrections_total",
				Help: "App resurrection attempts by result",
			},
			[]string{"result"},
		),
		Correlations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_correlation_total",
				Help: "Device responses routed through the correlation table",
			},
			[]string{"result"},
		),

		// Provider metrics
		WebhookCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhook_calls_total",
				Help: "Outbound app webhook calls",
			},
			[]string{"status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_webhook_duration_seconds",
				Help:    "Outbound app webhook duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),

		// User metrics
		UserSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_user_sessions",
				Help: "Number of active user sessions",
			},
		),

		// WebSocket metrics
		WSConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_ws_connections",
				Help: "Number of active WebSocket connections",
			},
			[]string{"kind"},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_uptime_seconds",
				Help: "Relay uptime in seconds",
			},
		),
	}

	return m
}

// Run updates the uptime gauge until stop is closed
func (m *Metrics) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	m.snapshot.requestCount++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordAppTransition records an app session state change
func (m *Metrics) RecordAppTransition(from, to string) {
	m.AppTransitions.WithLabelValues(from, to).Inc()
}

// RecordQueueDrop records a frame dropped by a full send queue
func (m *Metrics) RecordQueueDrop(policy string) {
	m.QueueDrops.WithLabelValues(policy).Inc()
	m.mu.Lock()
	m.snapshot.QueueDrops++
	m.mu.Unlock()
}

// RecordDelivery records n frames queued for stream
func (m *Metrics) RecordDelivery(stream string, n int) {
	if n <= 0 {
		return
	}
	m.Deliveries.WithLabelValues(stream).Add(float64(n))
}

// RecordDemandChange records a microphone, location or languages notification
func (m *Metrics) RecordDemandChange(signal string) {
	m.DemandChanges.WithLabelValues(signal).Inc()
}

// RecordResurrection records a resurrection outcome
func (m *Metrics) RecordResurrection(result string) {
	m.Resurrections.WithLabelValues(result).Inc()
	if result == "woken" {
		m.mu.Lock()
		m.snapshot.Resurrections++
		m.mu.Unlock()
	}
}

// RecordCorrelation records a device response lookup (hit, miss, gone, timeout)
func (m *Metrics) RecordCorrelation(result string) {
	m.Correlations.WithLabelValues(result).Inc()
}

// RecordWebhook records one outbound webhook call
func (m *Metrics) RecordWebhook(status string, duration time.Duration) {
	m.WebhookCalls.WithLabelValues(status).Inc()
	m.WebhookDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetUserSessions sets the number of live user sessions
func (m *Metrics) SetUserSessions(count int) {
	m.UserSessions.Set(float64(count))
	m.mu.Lock()
	m.snapshot.UserSessions = int64(count)
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections of kind (app, device)
func (m *Metrics) IncWSConnections(kind string) {
	m.WSConnections.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections of kind
func (m *Metrics) DecWSConnections(kind string) {
	m.WSConnections.WithLabelValues(kind).Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.requestCount > 0 {
		s.AvgLatencyMS = s.totalDuration / float64(s.requestCount) * 1000
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
