// Package metrics exposes Prometheus counters for the desktop daemon:
// reconnects, ACK timeouts, framing errors, and crypto drops. Follows
// the same promauto/custom-registry pattern used for handshake and
// session counters elsewhere in this style of daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s2p"

// Registry is a dedicated registry rather than the global default, so a
// desktop daemon embedding this package never collides with another
// library's metric names.
var Registry = prometheus.NewRegistry()

var (
	// Reconnects counts Connection Supervisor reconnect attempts by
	// outcome.
	Reconnects = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome",
		},
		[]string{"outcome"}, // success, failure, gave_up
	)

	// AckTimeouts counts Reliable Sender ack-waiter timeouts by message
	// type.
	AckTimeouts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ack_timeouts_total",
			Help:      "Ack-waiter timeouts by message type",
		},
		[]string{"type"},
	)

	// FramingErrors counts packet codec reassembly aborts.
	FramingErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "framing_errors_total",
			Help:      "Reassembly aborts due to seq/total mismatch",
		},
	)

	// CryptoDrops counts messages dropped for a checksum or decrypt
	// failure.
	CryptoDrops = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "crypto_drops_total",
			Help:      "Messages dropped for checksum mismatch or decrypt failure",
		},
		[]string{"reason"}, // callers use "checksum_or_decrypt"
	)

	// HeartbeatMisses counts the times the Connection Supervisor saw
	// inbound silence longer than its heartbeat-miss window and forced a
	// disconnect.
	HeartbeatMisses = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat silence events that triggered a disconnect",
		},
	)

	// QueueDepth reports the current outbound queue length.
	QueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "queue_depth",
			Help:      "Current outbound send queue depth",
		},
	)
)

// Handler returns the HTTP handler the desktop daemon serves at
// /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
