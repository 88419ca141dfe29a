package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	messagesBroadcast *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	fileBytesRelayed  prometheus.Counter

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	connectionsRejected  *prometheus.CounterVec // by reason

	// Message type metrics
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	rateLimited      prometheus.Counter

	// Listener metrics
	listenOverflows prometheus.Counter
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaychat_broadcast_fanout",
				Help:    "Number of peers each broadcast was queued for",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"type"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaychat_broadcast_duration_seconds",
				Help:    "Time taken to queue a broadcast for every peer",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		messagesBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_messages_broadcast_total",
				Help: "Total number of broadcasts (unique messages, not deliveries)",
			},
			[]string{"type"},
		),
		sendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_peer_send_failures_total",
				Help: "Deliveries that failed and closed the receiving peer",
			},
			[]string{"reason"},
		),
		fileBytesRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_file_bytes_relayed_total",
				Help: "File payload bytes received for relay",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_disconnected_total",
				Help: "Total number of sessions closed",
			},
		),
		connectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_connections_rejected_total",
				Help: "Connections refused before a session was created",
			},
			[]string{"reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_messages_received_total",
				Help: "Total number of messages received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_messages_sent_total",
				Help: "Total number of messages queued to clients by type",
			},
			[]string{"type"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_messages_rate_limited_total",
				Help: "Messages dropped by the per-session rate limit",
			},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_listen_overflows_total",
				Help: "Connections the kernel dropped because the accept backlog was full",
			},
		),
	}
}

// RecordBroadcast records fan-out and timing for one broadcast
func (m *Metrics) RecordBroadcast(messageType string, recipients int, durationSeconds float64) {
	m.messagesBroadcast.WithLabelValues(messageType).Inc()
	m.broadcastFanout.WithLabelValues(messageType).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(messageType).Observe(durationSeconds)
}

// RecordSendFailure increments the peer send failure counter
func (m *Metrics) RecordSendFailure(reason string) {
	m.sendFailures.WithLabelValues(reason).Inc()
}

// RecordFileBytes adds relayed file payload bytes
func (m *Metrics) RecordFileBytes(n int) {
	m.fileBytesRelayed.Add(float64(n))
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordConnectionRejected increments the rejected connection counter
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	m.messagesSent.WithLabelValues(messageType).Inc()
}

// RecordMessagesSent adds n deliveries of one message type
func (m *Metrics) RecordMessagesSent(messageType string, n int) {
	m.messagesSent.WithLabelValues(messageType).Add(float64(n))
}

// RecordRateLimited increments the rate limited counter
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordListenOverflows adds newly observed backlog overflows
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}
