// Package netmetrics exposes Prometheus metrics for connection throughput,
// reliability, and quality, using package-level promauto.New*
// registration.
package netmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts outbound messages by send mode.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcode_messages_sent_total",
			Help: "Total messages sent, partitioned by send mode.",
		}, []string{"mode"})

	// MessagesReceived counts inbound messages by send mode.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcode_messages_received_total",
			Help: "Total messages received, partitioned by send mode.",
		}, []string{"mode"})

	// BytesSent counts raw outbound bytes.
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_bytes_sent_total",
			Help: "Total bytes sent across all connections.",
		})

	// BytesReceived counts raw inbound bytes.
	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_bytes_received_total",
			Help: "Total bytes received across all connections.",
		})

	// ReliableDuplicatesDiscarded counts reliable deliveries rejected as
	// duplicates by the sequencer window.
	ReliableDuplicatesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_reliable_duplicates_discarded_total",
			Help: "Reliable messages discarded as duplicates.",
		})

	// ReliableResends counts pending-message resend attempts.
	ReliableResends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_reliable_resends_total",
			Help: "Reliable message resend attempts.",
		})

	// NotifyDelivered counts notify messages confirmed delivered.
	NotifyDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_notify_delivered_total",
			Help: "Notify messages confirmed delivered.",
		})

	// NotifyLost counts notify messages confirmed lost.
	NotifyLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_notify_lost_total",
			Help: "Notify messages confirmed lost.",
		})

	// RTTHistogram tracks measured round-trip time per connection, in
	// milliseconds.
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netcode_rtt_ms",
			Help:    "Measured round-trip time distribution, in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 75, 100, 150, 200, 300, 500, 1000, 2000},
		})

	// ConnectedClients tracks the current number of connected clients on a
	// server.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcode_connected_clients",
			Help: "Current number of connected clients.",
		})

	// QualityDisconnects counts connections dropped by the quality monitor
	// rather than by an explicit timeout or local call.
	QualityDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_quality_disconnects_total",
			Help: "Connections dropped due to degraded quality.",
		})

	// Timeouts counts connections dropped for exceeding the heartbeat
	// timeout.
	Timeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netcode_timeouts_total",
			Help: "Connections dropped due to heartbeat timeout.",
		})
)

// RecordSend accounts one outbound message of the given mode and size.
func RecordSend(mode string, bytes int) {
	MessagesSent.WithLabelValues(mode).Inc()
	BytesSent.Add(float64(bytes))
}

// RecordReceive accounts one inbound message of the given mode and size.
func RecordReceive(mode string, bytes int) {
	MessagesReceived.WithLabelValues(mode).Inc()
	BytesReceived.Add(float64(bytes))
}
