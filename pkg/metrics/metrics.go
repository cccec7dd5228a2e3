// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message sources fed into the sync engine.
const (
	SourcePush = "push"
	SourcePoll = "poll"
	SourceSend = "send"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatd_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE change-feed connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesMerged counts messages inserted into the chat store by source.
	MessagesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_merged_total",
			Help: "Messages inserted into the chat store",
		},
		[]string{"source"},
	)

	// MessagesDuplicate counts messages dropped because their id was already present.
	MessagesDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_duplicate_total",
			Help: "Messages skipped because the id already existed",
		},
		[]string{"source"},
	)

	// PendingReconciled counts optimistic records replaced by their committed form.
	PendingReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_pending_reconciled_total",
			Help: "Pending records replaced by committed records",
		},
		[]string{"source"},
	)

	// DecryptFailures counts messages rendered as decryption placeholders.
	DecryptFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_decrypt_failures_total",
			Help: "Messages that could not be decrypted",
		},
		[]string{"reason"},
	)

	// KeyDerivations counts conversation key derivations.
	KeyDerivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_key_derivations_total",
			Help: "Conversation key derivations performed",
		},
	)

	// PollDuration tracks backing store poll cycles.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_poll_duration_seconds",
			Help:    "Duration of poll cycles against the backing store",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)

	// SendsTotal counts local sends by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Local message sends by outcome",
		},
		[]string{"status"},
	)

	// ReceiptsTotal counts read/delivered receipt calls by outcome.
	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_receipts_total",
			Help: "Read and delivered receipts issued",
		},
		[]string{"kind", "status"},
	)

	// ChannelConnected reports whether the push channel is up (1) or the session runs poll-only (0).
	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_channel_connected",
			Help: "Whether the real-time channel is connected",
		},
	)

	// StoreMessages tracks messages held by the active session.
	StoreMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_store_messages",
			Help: "Messages held in the active chat store",
		},
	)

	// OnlineUsers tracks the presence set size.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users currently reported online",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPoll records a poll cycle.
func RecordPoll(status string, duration float64) {
	PollDuration.WithLabelValues(status).Observe(duration)
}

// RecordMerge records the outcome of merging one message.
func RecordMerge(source string, inserted bool) {
	if inserted {
		MessagesMerged.WithLabelValues(source).Inc()
		return
	}
	MessagesDuplicate.WithLabelValues(source).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

// SetChannelConnected flips the channel gauge.
func SetChannelConnected(up bool) {
	if up {
		ChannelConnected.Set(1)
		return
	}
	ChannelConnected.Set(0)
}
