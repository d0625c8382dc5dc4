package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SolveRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_relay_requests_total",
			Help: "Total number of solve requests",
		},
		[]string{"endpoint", "status"},
	)

	SolveRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_relay_request_duration_seconds",
			Help:    "Solve request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
		[]string{"endpoint"},
	)

	StreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solver_relay_stream_chunks_total",
			Help: "Total number of chunk events emitted to callers",
		},
	)

	FallbackInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_relay_fallback_invocations_total",
			Help: "Total number of blocking fallback calls after empty streams",
		},
		[]string{"outcome"},
	)

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_relay_upstream_errors_total",
			Help: "Total number of upstream failures by class",
		},
		[]string{"class"},
	)

	AnswerCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_relay_answer_cache_events_total",
			Help: "Answer cache lookups by result (hit/miss)",
		},
		[]string{"result"},
	)

	HistoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solver_relay_history_write_failures_total",
			Help: "Total number of failed history writes",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	SolveRequestsTotal.WithLabelValues(endpoint, status).Inc()
	SolveRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordChunk() {
	if !m.isEnabled() {
		return
	}
	StreamChunksTotal.Inc()
}

func (m *Metrics) RecordFallback(outcome string) {
	if !m.isEnabled() {
		return
	}
	FallbackInvocationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordUpstreamError(class string) {
	if !m.isEnabled() {
		return
	}
	UpstreamErrorsTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordCacheEvent(hit bool) {
	if !m.isEnabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	AnswerCacheEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHistoryFailure() {
	if !m.isEnabled() {
		return
	}
	HistoryWriteFailures.Inc()
}
