package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	pdusSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "iso",
			Name:      "pdus_sent_total",
			Help:      "PDUs written to the stream transport.",
		},
		[]string{"code"},
	)
	pdusReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "iso",
			Name:      "pdus_received_total",
			Help:      "PDUs decoded from the stream transport.",
		},
		[]string{"kind", "code"},
	)
	pduBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "iso",
			Name:      "pdu_bytes_total",
			Help:      "PDU bytes moved, headers included.",
		},
		[]string{"direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "iso",
			Name:      "handshakes_total",
			Help:      "Connection handshakes by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "iso",
			Name:      "protocol_errors_total",
			Help:      "Framing errors and unexpected PDU codes.",
		},
		[]string{"class"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "isoctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pdusSent,
			pdusReceived,
			pduBytes,
			handshakes,
			protocolErrors,
			httpRequests,
			httpDuration,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordPDUSent(code string, size int) {
	RegisterMetrics()
	pdusSent.WithLabelValues(code).Inc()
	pduBytes.WithLabelValues("out").Add(float64(size))
}

func RecordPDUReceived(kind, code string, size int) {
	RegisterMetrics()
	pdusReceived.WithLabelValues(kind, code).Inc()
	pduBytes.WithLabelValues("in").Add(float64(size))
}

func RecordHandshake(op, outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(op, outcome).Inc()
}

func RecordProtocolError(class string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(class).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
