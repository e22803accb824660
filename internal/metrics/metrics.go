package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_gateway_connections_active",
		Help: "Number of active client connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gateway_connections_total",
		Help: "Total number of client connections",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_connection_rejected_total",
		Help: "Total number of client connections rejected",
	}, []string{"reason"})

	PolicyRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gateway_policy_requests_total",
		Help: "Total number of legacy policy-file probes answered",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_gateway_sessions_active",
		Help: "Number of client sessions with an associated subject",
	})

	// Backend service metrics
	ServiceRegistered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_gateway_service_registered",
		Help: "Whether a backend service currently has a registered connection (0/1)",
	}, []string{"service"})

	ServiceRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_service_registrations_total",
		Help: "Total number of successful backend registrations",
	}, []string{"service", "mode"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_connect_attempts_total",
		Help: "Total number of outbound connect attempts",
	}, []string{"service", "result"})

	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_gateway_pending_requests",
		Help: "Number of in-flight requests awaiting backend frames",
	}, []string{"service"})

	UnmatchedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_unmatched_frames_total",
		Help: "Total number of backend frames with no waiting request",
	}, []string{"service"})

	DecoderResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_decoder_resets_total",
		Help: "Total number of receive buffers discarded after an out-of-bounds frame",
	}, []string{"side"})

	// Routing metrics
	RoutingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_routing_errors_total",
		Help: "Total number of routing errors",
	}, []string{"error_type"})

	// Request latency
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_gateway_request_latency_seconds",
		Help:    "Time from forwarding a request until its response set is complete",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"service"})

	ResponseFrames = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_gateway_response_frames",
		Help:    "Number of backend frames aggregated per request",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 16, 32},
	}, []string{"service"})

	// Frame processing
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_frames_processed_total",
		Help: "Total number of frames processed",
	}, []string{"direction", "service"})

	// Configuration refresh metrics
	ConfigRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_config_refresh_errors_total",
		Help: "Total number of configuration refresh errors",
	}, []string{"config_type"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// IncRoutingError increments the routing error counter
func IncRoutingError(errorType string) {
	RoutingErrors.WithLabelValues(errorType).Inc()
}
