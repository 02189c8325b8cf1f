package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type commandMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	commandMetricsOnce sync.Once
	commandRegistry    *commandMetrics
)

// Commands returns the lazily-initialised registry tracking JSON-RPC
// command activity.
func Commands() *commandMetrics {
	commandMetricsOnce.Do(func() {
		commandRegistry = &commandMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ember",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by command and outcome.",
			}, []string{"command", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ember",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by command and error code.",
			}, []string{"command", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ember",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC command handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"command"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ember",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected before dispatch, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			commandRegistry.requests,
			commandRegistry.errors,
			commandRegistry.latency,
			commandRegistry.throttles,
		)
	})
	return commandRegistry
}

// Observe records one dispatched command. code is the JSON-RPC error code,
// zero for a successful call.
func (m *commandMetrics) Observe(command string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(command, strconv.Itoa(code)).Inc()
	}
	m.requests.WithLabelValues(command, outcome).Inc()
	m.latency.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordThrottle counts a request turned away before dispatch. Reasons
// should be stable strings such as "rate_limit" so dashboards stay
// consistent.
func (m *commandMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}
