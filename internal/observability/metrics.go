package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flydragon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and type.",
		},
		[]string{"node", "direction", "type"},
	)
	messageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "protocol",
			Name:      "message_bytes_total",
			Help:      "Encoded protocol bytes by direction.",
		},
		[]string{"node", "direction"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "protocol",
			Name:      "dropped_total",
			Help:      "Bulk messages dropped under backpressure.",
		},
		[]string{"node", "type"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Protocol errors raised by peers.",
		},
		[]string{"node"},
	)
	transportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flydragon",
			Subsystem: "transport",
			Name:      "failures_total",
			Help:      "Transport failures by class.",
		},
		[]string{"node", "class"},
	)
	ackRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flydragon",
			Subsystem: "protocol",
			Name:      "ack_rtt_seconds",
			Help:      "Acknowledgement round trip in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"node"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flydragon",
			Subsystem: "connections",
			Name:      "current",
			Help:      "Registered connections by state.",
		},
		[]string{"node", "state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messages, messageBytes, dropped, protocolErrors,
			transportFailures, ackRTT, connections,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordMessage counts one message; direction is "sent" or "received".
func RecordMessage(node, direction, msgType string, size int) {
	RegisterMetrics()
	messages.WithLabelValues(node, direction, msgType).Inc()
	messageBytes.WithLabelValues(node, direction).Add(float64(size))
}

func RecordDropped(node, msgType string) {
	RegisterMetrics()
	dropped.WithLabelValues(node, msgType).Inc()
}

func RecordProtocolError(node string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(node).Inc()
}

func RecordTransportFailure(node, class string) {
	RegisterMetrics()
	transportFailures.WithLabelValues(node, class).Inc()
}

func RecordAckRTT(node string, rtt time.Duration) {
	RegisterMetrics()
	ackRTT.WithLabelValues(node).Observe(rtt.Seconds())
}

// SetConnections replaces the per-state gauge values for node.
func SetConnections(node string, byState map[string]int) {
	RegisterMetrics()
	for state, n := range byState {
		connections.WithLabelValues(node, state).Set(float64(n))
	}
}
