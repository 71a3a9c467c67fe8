// Package metrics provides Prometheus metrics for tuicd.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tuicd"

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      *prometheus.CounterVec
	AuthLatency       prometheus.Histogram

	// Relay metrics
	TCPRelaysActive prometheus.Gauge
	TCPRelaysTotal  prometheus.Counter
	TCPDialErrors   *prometheus.CounterVec
	UDPSessions     prometheus.Gauge
	UDPSessionsTotal prometheus.Counter

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Fragmentation metrics
	FragmentsDropped prometheus.Counter
	FragmentsAssembled prometheus.Counter

	// Command metrics
	CommandsReceived *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec

	// Admin metrics
	KicksTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the global
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against a
// custom registry, for tests that need isolation.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently authenticated connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of QUIC connections accepted",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by reason",
		}, []string{"reason"}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_latency_seconds",
			Help:      "Time spent verifying a successful Authenticate command and admitting the connection",
			Buckets:   prometheus.DefBuckets,
		}),

		TCPRelaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_relays_active",
			Help:      "Number of currently active TCP relays",
		}),
		TCPRelaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_relays_total",
			Help:      "Total number of TCP relays established",
		}),
		TCPDialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_dial_errors_total",
			Help:      "Total TCP relay dial failures by reason",
		}, []string{"reason"}),
		UDPSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of currently active UDP relay sessions",
		}),
		UDPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total number of UDP relay sessions created",
		}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes relayed from clients to destinations by relay kind",
		}, []string{"relay"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes relayed from destinations back to clients by relay kind",
		}, []string{"relay"}),

		FragmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Total UDP fragments dropped by GC or rejection",
		}),
		FragmentsAssembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_assembled_total",
			Help:      "Total UDP datagrams successfully reassembled",
		}),

		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_total",
			Help:      "Total commands received by type",
		}, []string{"command"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total command decode failures by carrier",
		}, []string{"carrier"}),

		KicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_kicks_total",
			Help:      "Total connections closed via the admin kick endpoint",
		}),
	}
}
