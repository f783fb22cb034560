// Package metrics provides traffic accounting for the ironfish RPC core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the interface for RPC server metrics collection.
type Metrics interface {
	// IncRequests increments the request counter for a transport.
	IncRequests(transport string)

	// IncResponses increments the response counter for a transport and status.
	IncResponses(transport string, status int)

	// IncStreamChunks increments the stream chunk counter for a transport.
	IncStreamChunks(transport string)

	// IncMalformed increments the malformed message counter for a transport.
	IncMalformed(transport string)

	// IncConnections increments the connection counter for a transport.
	IncConnections(transport string)

	// SetActiveConnections sets the live connection gauge for a transport.
	SetActiveConnections(transport string, n int)

	// AddBytesIn records inbound wire bytes.
	AddBytesIn(n int)

	// AddBytesOut records outbound wire bytes.
	AddBytesOut(n int)

	// ObserveRequestDuration records how long a request took to reach its
	// terminal outcome.
	ObserveRequestDuration(transport string, d time.Duration)
}

// PrometheusMetrics implements Metrics using Prometheus.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	streamChunks *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	connections  *prometheus.CounterVec
	activeConns  *prometheus.GaugeVec
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	duration     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Total number of RPC requests dispatched",
			},
			[]string{"transport"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_responses_total",
				Help:      "Total number of terminal RPC responses",
			},
			[]string{"transport", "status"},
		),
		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_stream_chunks_total",
				Help:      "Total number of stream chunks emitted",
			},
			[]string{"transport"},
		),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_malformed_messages_total",
				Help:      "Total number of malformed inbound messages",
			},
			[]string{"transport"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_connections_total",
				Help:      "Total number of accepted connections",
			},
			[]string{"transport"},
		),
		activeConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rpc_active_connections",
				Help:      "Number of currently open connections",
			},
			[]string{"transport"},
		),
		bytesIn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_bytes_received_total",
				Help:      "Total inbound wire bytes",
			},
		),
		bytesOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_bytes_sent_total",
				Help:      "Total outbound wire bytes",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "Time from dispatch to terminal outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.responses,
		m.streamChunks,
		m.malformed,
		m.connections,
		m.activeConns,
		m.bytesIn,
		m.bytesOut,
		m.duration,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) IncRequests(transport string) {
	m.requests.WithLabelValues(transport).Inc()
}

func (m *PrometheusMetrics) IncResponses(transport string, status int) {
	m.responses.WithLabelValues(transport, statusClass(status)).Inc()
}

func (m *PrometheusMetrics) IncStreamChunks(transport string) {
	m.streamChunks.WithLabelValues(transport).Inc()
}

func (m *PrometheusMetrics) IncMalformed(transport string) {
	m.malformed.WithLabelValues(transport).Inc()
}

func (m *PrometheusMetrics) IncConnections(transport string) {
	m.connections.WithLabelValues(transport).Inc()
}

func (m *PrometheusMetrics) SetActiveConnections(transport string, n int) {
	m.activeConns.WithLabelValues(transport).Set(float64(n))
}

func (m *PrometheusMetrics) AddBytesIn(n int) {
	m.bytesIn.Add(float64(n))
}

func (m *PrometheusMetrics) AddBytesOut(n int) {
	m.bytesOut.Add(float64(n))
}

func (m *PrometheusMetrics) ObserveRequestDuration(transport string, d time.Duration) {
	m.duration.WithLabelValues(transport).Observe(d.Seconds())
}

// statusClass buckets a status code into "2xx", "4xx", "5xx", etc.
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

// NopMetrics is a no-op implementation of the Metrics interface.
// Use this when metrics collection is disabled.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

func (m *NopMetrics) IncRequests(transport string)                             {}
func (m *NopMetrics) IncResponses(transport string, status int)                {}
func (m *NopMetrics) IncStreamChunks(transport string)                         {}
func (m *NopMetrics) IncMalformed(transport string)                            {}
func (m *NopMetrics) IncConnections(transport string)                          {}
func (m *NopMetrics) SetActiveConnections(transport string, n int)             {}
func (m *NopMetrics) AddBytesIn(n int)                                         {}
func (m *NopMetrics) AddBytesOut(n int)                                        {}
func (m *NopMetrics) ObserveRequestDuration(transport string, d time.Duration) {}
