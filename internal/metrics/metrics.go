package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexigate_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"route", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexigate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"route", "model"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexigate_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"client"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexigate_upstream_errors_total",
			Help: "Total number of upstream errors by kind",
		},
		[]string{"kind"},
	)

	StreamFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plexigate_stream_failures_total",
			Help: "Total number of streams that died mid-answer",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plexigate_active_streams",
			Help: "Number of active streaming connections",
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plexigate_active_conversations",
			Help: "Number of conversations currently tracked",
		},
	)

	ConversationEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plexigate_conversation_evictions_total",
			Help: "Total number of conversations evicted for idleness",
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plexigate_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

func RecordRequest(route, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(route, model, status).Inc()
	RequestDuration.WithLabelValues(route, model).Observe(durationSec)
}

func RecordRateLimitRejection(client string) {
	RateLimitRejections.WithLabelValues(client).Inc()
}

func RecordUpstreamError(kind string) {
	UpstreamErrors.WithLabelValues(kind).Inc()
}

func RecordStreamFailure() {
	StreamFailures.Inc()
}

func SetActiveConversations(n int) {
	ActiveConversations.Set(float64(n))
}

func RecordEvictions(n int) {
	ConversationEvictions.Add(float64(n))
}

func SetCircuitBreakerState(state int) {
	CircuitBreakerState.Set(float64(state))
}
