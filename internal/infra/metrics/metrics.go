// Package metrics provides Prometheus metrics for nearcast: directory size
// and recompute cost, per-channel send outcomes, fallbacks, inbound traffic,
// queue retries, and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nearcast"

// ─── Directory ──────────────────────────────────────────────────────────────

// DirectoryPeers tracks the number of registered peers.
var DirectoryPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "directory_peers",
	Help:      "Number of peers registered in the presence directory.",
})

// DirectoryRecompute tracks how long a full contact recomputation takes.
var DirectoryRecompute = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "directory_recompute_seconds",
	Help:      "Duration of the O(n²) contact recomputation.",
	Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.05, 0.1, 0.5},
})

// ─── Routing ────────────────────────────────────────────────────────────────

// MessagesSent counts messages accepted by a channel.
var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_sent_total",
	Help:      "Messages accepted for delivery, by channel.",
}, []string{"channel"})

// DeliveryFailures counts failed synchronous attempts.
var DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "delivery_failures_total",
	Help:      "Failed delivery attempts, by channel.",
}, []string{"channel"})

// Fallbacks counts sends that ended on the queue, by why.
var Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queue_fallbacks_total",
	Help:      "Sends routed to the queue (reason=unreachable|sync_failed).",
}, []string{"reason"})

// SendLatency tracks per-attempt latency.
var SendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "send_attempt_seconds",
	Help:      "Latency of a single delivery attempt, by channel.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
}, []string{"channel"})

// ─── Inbound ────────────────────────────────────────────────────────────────

// MessagesReceived counts dispatched inbound messages.
var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_received_total",
	Help:      "Inbound messages dispatched to handlers, by channel.",
}, []string{"channel"})

// HandlerErrors counts handler errors and panics isolated by the dispatcher.
var HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "handler_errors_total",
	Help:      "Inbound handler invocations that returned an error or panicked.",
})

// DecodeFailures counts inbound payloads that could not be decoded.
var DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "decode_failures_total",
	Help:      "Malformed inbound payloads dropped, by channel.",
}, []string{"channel"})

// ─── Queue ──────────────────────────────────────────────────────────────────

// QueuePublishRetries counts reconnect-and-retry attempts on publish.
var QueuePublishRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queue_publish_retries_total",
	Help:      "Publish attempts retried after a reconnect.",
})

// QueueDropped counts messages dropped after the retry budget was spent.
var QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queue_dropped_total",
	Help:      "Messages dropped after publish retries were exhausted.",
})

// DuplicatesSuppressed counts inbound messages dropped because their id was
// already dispatched, by the channel that carried the copy.
var DuplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "duplicates_suppressed_total",
	Help:      "Inbound messages not dispatched because their id was already seen, by channel.",
}, []string{"channel"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})
